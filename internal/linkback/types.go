// Package linkback defines the records, references, and collaborator
// interfaces shared by the linkback servers and clients.
package linkback

import (
	"net/http"
	"time"
)

// InboundStatus is the moderation state of an inbound backlink.
type InboundStatus string

// Inbound backlink moderation states.
const (
	StatusApproved   InboundStatus = "approved"
	StatusUnapproved InboundStatus = "unapproved"
)

// AttemptStatus is the outcome of an outbound ping attempt.
type AttemptStatus string

// Outbound ping attempt states.
const (
	AttemptPending      AttemptStatus = "pending"
	AttemptSuccessful   AttemptStatus = "successful"
	AttemptUnsuccessful AttemptStatus = "unsuccessful"
)

// Reference is an opaque handle to a local resource, such as a blog entry.
// Two references are equal when both Kind and ID match.
type Reference struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// IsZero reports whether the reference is unset.
func (r Reference) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// String renders the reference as kind/id.
func (r Reference) String() string {
	if r.IsZero() {
		return ""
	}
	return r.Kind + "/" + r.ID
}

// Inbound records a verified link from a remote source to a local target.
type Inbound struct {
	ID         string        `json:"id"`
	SourceURI  string        `json:"source_uri"`
	TargetURI  string        `json:"target_uri"`
	Target     *Reference    `json:"target,omitempty"`
	Title      string        `json:"title"`
	Excerpt    string        `json:"excerpt"`
	Protocol   string        `json:"protocol"`
	ReceivedAt time.Time     `json:"received_at"`
	Status     InboundStatus `json:"status"`
}

// Key returns the uniqueness key of the backlink.
func (b Inbound) Key() InboundKey {
	return NewInboundKey(b.SourceURI, b.TargetURI, b.Target)
}

// InboundKey identifies an inbound backlink for duplicate detection.
// When a target reference is present it takes precedence over the target URI.
type InboundKey struct {
	SourceURI string
	TargetURI string
	Target    *Reference
}

// NewInboundKey builds the uniqueness key for a source/target pair. A zero
// reference is treated as absent.
func NewInboundKey(sourceURI, targetURI string, target *Reference) InboundKey {
	if target != nil && target.IsZero() {
		target = nil
	}
	if target != nil {
		return InboundKey{SourceURI: sourceURI, Target: target}
	}
	return InboundKey{SourceURI: sourceURI, TargetURI: targetURI}
}

// Matches reports whether the backlink falls under the key.
func (k InboundKey) Matches(b Inbound) bool {
	if b.SourceURI != k.SourceURI {
		return false
	}
	if k.Target != nil {
		return b.Target != nil && *b.Target == *k.Target
	}
	return b.Target == nil && b.TargetURI == k.TargetURI
}

// PingAttempt records the latest outbound notification sent to a remote
// resource on behalf of a local source.
type PingAttempt struct {
	ID        string        `json:"id"`
	TargetURI string        `json:"target_uri"`
	SourceURI string        `json:"source_uri"`
	Source    *Reference    `json:"source,omitempty"`
	Protocol  string        `json:"protocol"`
	Title     string        `json:"title"`
	Excerpt   string        `json:"excerpt"`
	Status    AttemptStatus `json:"status"`
	Message   string        `json:"message,omitempty"`
	SentAt    time.Time     `json:"sent_at"`
}

// AttemptKey identifies the single current attempt per target and source.
type AttemptKey struct {
	TargetURI string
	Source    *Reference
}

// Matches reports whether the attempt falls under the key.
func (k AttemptKey) Matches(a PingAttempt) bool {
	if a.TargetURI != k.TargetURI {
		return false
	}
	if k.Source == nil || k.Source.IsZero() {
		return a.Source == nil || a.Source.IsZero()
	}
	return a.Source != nil && *a.Source == *k.Source
}

// FetchRequest describes a single outbound HTTP exchange.
type FetchRequest struct {
	Method  string
	URL     string
	Body    []byte
	Headers http.Header
	Timeout time.Duration
}

// FetchResponse is the (possibly truncated) result of a fetch.
type FetchResponse struct {
	// URL is the final URL after redirects.
	URL        string
	StatusCode int
	Headers    http.Header
	// Body holds at most the configured read cap, transcoded to UTF-8.
	Body    []byte
	Charset string
}

// ContentType returns the response Content-Type header.
func (r FetchResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// OutboundPing is one notification to deliver to a discovered endpoint.
type OutboundPing struct {
	EndpointURI string
	TargetURI   string
	SourceURI   string
	Title       string
	Excerpt     string
}
