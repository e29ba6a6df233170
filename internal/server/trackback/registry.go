package trackback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/linkback"
)

// Resource makes one kind of local resource accept TrackBack pings.
type Resource interface {
	// Kind is the reference kind the resource serves.
	Kind() string
	// Find returns the reference with id, or linkback.ErrNotFound.
	Find(ctx context.Context, id string) (linkback.Reference, error)
	// Pingable reports whether ref currently accepts pings.
	Pingable(ctx context.Context, ref linkback.Reference) bool
	// Path returns the site-relative path of ref. It fails when ref does
	// not exist.
	Path(ref linkback.Reference) (string, error)
}

// Registry holds the resources that accept TrackBack pings, keyed by kind.
// It implements server.TargetAdapter for reference-addressed pings.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Resource
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Resource)}
}

// Add registers res for its kind.
func (g *Registry) Add(res Resource) error {
	if res == nil {
		return errors.New("trackback: nil resource")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.kinds[res.Kind()]; ok {
		return fmt.Errorf("trackback: kind %q already registered", res.Kind())
	}
	g.kinds[res.Kind()] = res
	return nil
}

// ResolveTarget always fails: TrackBack endpoints are bound to a reference.
func (g *Registry) ResolveTarget(context.Context, string) (linkback.Reference, error) {
	return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
}

// ValidateTarget fails with TargetNotPingable unless the resource serving
// ref.Kind accepts pings for ref.
func (g *Registry) ValidateTarget(ctx context.Context, _ string, ref linkback.Reference) error {
	res := g.resource(ref.Kind)
	if res == nil || !res.Pingable(ctx, ref) {
		return fault.NewServerError(fault.TargetNotPingable, "")
	}
	return nil
}

// TargetPath looks ref up in the resource serving its kind and returns its
// path.
func (g *Registry) TargetPath(ctx context.Context, ref linkback.Reference) (string, error) {
	res := g.resource(ref.Kind)
	if res == nil {
		return "", fmt.Errorf("trackback: no resource for kind %q: %w", ref.Kind, linkback.ErrNotFound)
	}
	found, err := res.Find(ctx, ref.ID)
	if err != nil {
		return "", fmt.Errorf("trackback: find %s: %w", ref, err)
	}
	return res.Path(found)
}

func (g *Registry) resource(kind string) Resource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.kinds[kind]
}
