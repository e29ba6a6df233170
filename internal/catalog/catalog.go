// Package catalog declares the kinds of local resources that accept pings.
// A Section maps one chi path pattern with a single URL parameter, such as
// "/blog/{slug}/", to references of one kind; the parameter value is the
// reference ID.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"

	"github.com/JakeFAU/linkback/internal/linkback"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)(?::([^}]*))?\}`)

// Section is one resource kind. It satisfies the resource interfaces of
// both protocol servers.
type Section struct {
	kind    string
	pattern string
	param   string
	// ids is the placeholder's regexp constraint, if it has one.
	ids *regexp.Regexp

	mu     sync.RWMutex
	closed map[string]struct{}
}

// NewSection builds a Section. pattern must begin with "/" and contain
// exactly one placeholder. closed lists IDs that do not accept pings.
func NewSection(kind, pattern string, closed ...string) (*Section, error) {
	if strings.TrimSpace(kind) == "" {
		return nil, errors.New("catalog: kind is required")
	}
	if !strings.HasPrefix(pattern, "/") {
		return nil, fmt.Errorf("catalog: pattern %q must begin with '/'", pattern)
	}
	matches := placeholder.FindAllStringSubmatch(pattern, -1)
	if len(matches) != 1 {
		return nil, fmt.Errorf("catalog: pattern %q must have exactly one {param}", pattern)
	}
	s := &Section{
		kind:    kind,
		pattern: pattern,
		param:   matches[0][1],
		closed:  make(map[string]struct{}, len(closed)),
	}
	if constraint := matches[0][2]; constraint != "" {
		ids, err := regexp.Compile("^(?:" + constraint + ")$")
		if err != nil {
			return nil, fmt.Errorf("catalog: pattern %q: %w", pattern, err)
		}
		s.ids = ids
	}
	for _, id := range closed {
		s.closed[id] = struct{}{}
	}
	return s, nil
}

// Kind returns the reference kind.
func (s *Section) Kind() string { return s.kind }

// Pattern returns the chi pattern the section was built with.
func (s *Section) Pattern() string { return s.pattern }

// Lookup maps matched URL parameters to a reference.
func (s *Section) Lookup(ctx context.Context, params map[string]string) (linkback.Reference, error) {
	return s.Find(ctx, params[s.param])
}

// Find returns the reference for id, or linkback.ErrNotFound when id cannot
// name a resource of the section.
func (s *Section) Find(_ context.Context, id string) (linkback.Reference, error) {
	if !s.valid(id) {
		return linkback.Reference{}, linkback.ErrNotFound
	}
	return linkback.Reference{Kind: s.kind, ID: id}, nil
}

func (s *Section) valid(id string) bool {
	return id != "" && (s.ids == nil || s.ids.MatchString(id))
}

// Pingable reports whether ref belongs to the section and is open.
func (s *Section) Pingable(_ context.Context, ref linkback.Reference) bool {
	if ref.Kind != s.kind || ref.ID == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, closed := s.closed[ref.ID]
	return !closed
}

// SetClosed opens or closes pings for id.
func (s *Section) SetClosed(id string, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if closed {
		s.closed[id] = struct{}{}
		return
	}
	delete(s.closed, id)
}

// Path renders the site-relative path of ref.
func (s *Section) Path(ref linkback.Reference) (string, error) {
	if ref.Kind != s.kind {
		return "", fmt.Errorf("catalog: %s is not a %s", ref, s.kind)
	}
	if !s.valid(ref.ID) {
		return "", fmt.Errorf("catalog: %s: %w", ref, linkback.ErrNotFound)
	}
	escaped := url.PathEscape(ref.ID)
	return placeholder.ReplaceAllLiteralString(s.pattern, escaped), nil
}

// Catalog indexes sections by kind.
type Catalog struct {
	sections map[string]*Section
	order    []string
}

// New builds a Catalog. Kinds must be unique.
func New(sections ...*Section) (*Catalog, error) {
	c := &Catalog{sections: make(map[string]*Section, len(sections))}
	for _, s := range sections {
		if s == nil {
			return nil, errors.New("catalog: nil section")
		}
		if _, ok := c.sections[s.kind]; ok {
			return nil, fmt.Errorf("catalog: kind %q declared twice", s.kind)
		}
		c.sections[s.kind] = s
		c.order = append(c.order, s.kind)
	}
	return c, nil
}

// Sections returns the sections in declaration order.
func (c *Catalog) Sections() []*Section {
	out := make([]*Section, 0, len(c.order))
	for _, kind := range c.order {
		out = append(out, c.sections[kind])
	}
	return out
}

// Kinds returns the declared kinds in declaration order.
func (c *Catalog) Kinds() []string {
	return slices.Clone(c.order)
}

// Section returns the section for kind.
func (c *Catalog) Section(kind string) (*Section, bool) {
	s, ok := c.sections[kind]
	return s, ok
}

// Path renders the site-relative path of any catalogued reference.
func (c *Catalog) Path(ref linkback.Reference) (string, error) {
	s, ok := c.sections[ref.Kind]
	if !ok {
		return "", fmt.Errorf("catalog: unknown kind %q", ref.Kind)
	}
	return s.Path(ref)
}
