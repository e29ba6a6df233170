package pingback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/linkback"
)

// Resource makes one kind of local resource pingable.
type Resource interface {
	// Kind is the reference kind produced by Lookup.
	Kind() string
	// Lookup resolves the URL parameters of a matched path pattern. It
	// returns linkback.ErrNotFound when no such resource exists.
	Lookup(ctx context.Context, params map[string]string) (linkback.Reference, error)
	// Pingable reports whether ref currently accepts pings.
	Pingable(ctx context.Context, ref linkback.Reference) bool
	// Path returns the site-relative path of ref.
	Path(ref linkback.Reference) (string, error)
}

// Registry maps target paths to pingable resources using chi patterns,
// such as "/blog/{slug}/". It implements server.TargetAdapter.
type Registry struct {
	mu       sync.RWMutex
	mux      *chi.Mux
	patterns map[string]Resource
	kinds    map[string]Resource
	site     chi.Routes
}

// NewRegistry builds an empty Registry. siteRoutes, when non-nil, lists the
// site's other routes: a target matching one of them is reported as not
// pingable rather than missing.
func NewRegistry(siteRoutes chi.Routes) *Registry {
	return &Registry{
		mux:      chi.NewMux(),
		patterns: make(map[string]Resource),
		kinds:    make(map[string]Resource),
		site:     siteRoutes,
	}
}

var matchOnly = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})

// Add registers res under one or more patterns. Each kind may be served by
// only one resource.
func (g *Registry) Add(res Resource, patterns ...string) error {
	if res == nil {
		return errors.New("pingback: nil resource")
	}
	if len(patterns) == 0 {
		return errors.New("pingback: at least one pattern is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.kinds[res.Kind()]; ok {
		return fmt.Errorf("pingback: kind %q already registered", res.Kind())
	}
	for _, pattern := range patterns {
		if !strings.HasPrefix(pattern, "/") {
			return fmt.Errorf("pingback: pattern %q must begin with '/'", pattern)
		}
		if _, ok := g.patterns[pattern]; ok {
			return fmt.Errorf("pingback: pattern %q already registered", pattern)
		}
	}
	for _, pattern := range patterns {
		g.mux.Get(pattern, matchOnly)
		g.patterns[pattern] = res
	}
	g.kinds[res.Kind()] = res
	return nil
}

// ResolveTarget finds the resource whose pattern matches the path of
// targetURI and looks it up.
func (g *Registry) ResolveTarget(ctx context.Context, targetURI string) (linkback.Reference, error) {
	u, err := url.Parse(targetURI)
	if err != nil {
		return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	g.mu.RLock()
	rctx := chi.NewRouteContext()
	res := g.patterns[g.mux.Find(rctx, http.MethodGet, path)]
	g.mu.RUnlock()

	if res == nil {
		if g.site != nil && g.site.Match(chi.NewRouteContext(), http.MethodGet, path) {
			return linkback.Reference{}, fault.NewServerError(fault.TargetNotPingable, "")
		}
		return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
	}

	params := make(map[string]string, len(rctx.URLParams.Keys))
	for i, key := range rctx.URLParams.Keys {
		params[key] = rctx.URLParams.Values[i]
	}
	ref, err := res.Lookup(ctx, params)
	switch {
	case errors.Is(err, linkback.ErrNotFound):
		return linkback.Reference{}, fault.NewServerError(fault.TargetDoesNotExist, "")
	case err != nil:
		return linkback.Reference{}, fmt.Errorf("lookup %s: %w", targetURI, err)
	}
	return ref, nil
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

// TargetPath returns the path of ref from the resource serving its kind.
func (g *Registry) TargetPath(_ context.Context, ref linkback.Reference) (string, error) {
	res := g.resource(ref.Kind)
	if res == nil {
		return "", fmt.Errorf("pingback: no resource for kind %q", ref.Kind)
	}
	return res.Path(ref)
}

func (g *Registry) resource(kind string) Resource {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.kinds[kind]
}
