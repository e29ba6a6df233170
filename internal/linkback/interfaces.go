package linkback

import (
	"context"
	"net/http"
	"time"
)

// InboundStore persists inbound backlinks.
type InboundStore interface {
	// FindInbound returns the backlink under key or ErrNotFound.
	FindInbound(ctx context.Context, key InboundKey) (Inbound, error)
	// CreateInbound stores a new backlink; ErrDuplicate when the key exists.
	CreateInbound(ctx context.Context, b Inbound) error
	// UpdateInboundStatus changes the moderation status of a backlink.
	UpdateInboundStatus(ctx context.Context, id string, status InboundStatus) error
	// ListInbound returns backlinks newest first.
	ListInbound(ctx context.Context, filter InboundFilter) ([]Inbound, error)
}

// InboundFilter narrows ListInbound results. Zero values match everything.
type InboundFilter struct {
	Status InboundStatus
	Target *Reference
	Limit  int
}

// AttemptStore persists outbound ping attempts.
type AttemptStore interface {
	// FindPingAttempt returns the attempt under key or ErrNotFound.
	FindPingAttempt(ctx context.Context, key AttemptKey) (PingAttempt, error)
	CreatePingAttempt(ctx context.Context, a PingAttempt) error
	UpdatePingAttempt(ctx context.Context, a PingAttempt) error
	// ListPingAttempts returns attempts for a source reference, or all when nil.
	ListPingAttempts(ctx context.Context, source *Reference) ([]PingAttempt, error)
}

// Fetcher performs HTTP requests with a bounded read length.
// Non-2xx responses are returned as *HTTPError.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// SiteResolver reports the absolute origin of this site, such as
// "http://example.com". The request may be nil; an empty string means unknown.
type SiteResolver interface {
	Origin(r *http.Request) string
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
