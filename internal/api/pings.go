package api

import (
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/client"
	"github.com/JakeFAU/linkback/internal/discovery"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/logging"
	"github.com/JakeFAU/linkback/internal/site"
)

const maxDocumentBytes = 4 << 20

type attemptDTO struct {
	ID        string              `json:"id"`
	TargetURI string              `json:"target_uri"`
	SourceURI string              `json:"source_uri"`
	Source    *linkback.Reference `json:"source,omitempty"`
	Protocol  string              `json:"protocol"`
	Title     string              `json:"title"`
	Excerpt   string              `json:"excerpt"`
	Status    string              `json:"status"`
	Message   string              `json:"message,omitempty"`
	SentAt    time.Time           `json:"sent_at"`
}

type pingAllRequest struct {
	Document  string              `json:"document"`
	SourceURI string              `json:"source_uri"`
	Source    *linkback.Reference `json:"source"`
	Title     string              `json:"title"`
	Excerpt   string              `json:"excerpt"`
}

type discoveredDTO struct {
	Link        string `json:"link"`
	TargetURI   string `json:"target_uri"`
	EndpointURI string `json:"endpoint_uri"`
	Protocol    string `json:"protocol"`
}

// listPings handles GET /v1/pings?kind=&id=.
func (s *Server) listPings(w http.ResponseWriter, r *http.Request) {
	source, err := parseReference(r.URL.Query().Get("kind"), r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	attempts, err := s.deps.Attempts.ListPingAttempts(r.Context(), source)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("list ping attempts failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list ping attempts")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"attempts": toAttemptDTOs(attempts)})
}

// pingAll handles POST /v1/ping-all. Failed pings are reported per attempt;
// failures to record attempts are listed under "errors" with status 500.
func (s *Server) pingAll(w http.ResponseWriter, r *http.Request) {
	var req pingAllRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Document == "" {
		s.writeError(w, http.StatusBadRequest, "document required")
		return
	}
	if req.Source != nil && req.Source.IsZero() {
		req.Source = nil
	}

	attempts, err := s.deps.Client.PingAll(r.Context(), client.PingRequest{
		Document:  req.Document,
		SourceURI: req.SourceURI,
		Source:    req.Source,
		Title:     req.Title,
		Excerpt:   req.Excerpt,
	})
	if errors.Is(err, client.ErrUnresolvedSource) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body := map[string]any{"attempts": toAttemptDTOs(attempts)}
	status := http.StatusOK
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("record ping attempts failed", zap.Error(err))
		msgs := []string{}
		for _, e := range multierr.Errors(err) {
			msgs = append(msgs, e.Error())
		}
		body["errors"] = msgs
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, body)
}

// discover handles POST /v1/discover: it reports the endpoints the
// document's links advertise without pinging them.
func (s *Server) discover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Document string `json:"document"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxDocumentBytes)).Decode(&req); err != nil || req.Document == "" {
		s.writeError(w, http.StatusBadRequest, "document required")
		return
	}
	found := s.deps.Client.DiscoverBacklinks(r.Context(), req.Document)
	out := make([]discoveredDTO, 0, len(found))
	for _, d := range found {
		out = append(out, discoveredDTO{
			Link:        d.Link,
			TargetURI:   d.TargetURI,
			EndpointURI: d.EndpointURI,
			Protocol:    d.Protocol,
		})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"discovered": out})
}

// resourceDiscovery handles GET /v1/resources/{kind}/{id}/discovery?title=.
// It returns the Pingback <link> element and TrackBack RDF block a page for
// the resource embeds, and sets the X-Pingback header.
func (s *Server) resourceDiscovery(w http.ResponseWriter, r *http.Request) {
	ref := linkback.Reference{Kind: chi.URLParam(r, "kind"), ID: chi.URLParam(r, "id")}
	section, ok := s.deps.Catalog.Section(ref.Kind)
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown resource kind")
		return
	}
	if !section.Pingable(r.Context(), ref) {
		s.writeError(w, http.StatusNotFound, "resource does not accept pings")
		return
	}
	path, err := section.Path(ref)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	origin := s.deps.Pingback.Origin(r)
	pageURI := site.Join(origin, path)
	pingbackURI := s.deps.Pingback.EndpointURI(r)
	trackbackURI := s.deps.Trackback.EndpointURI(r, ref)

	link, err := discovery.PingbackLink(pingbackURI, r.URL.Query().Get("xhtml") == "1")
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}
	var rdf template.HTML
	rdf, err = discovery.TrackbackRDF(discovery.Resource{
		URI:     pageURI,
		Title:   r.URL.Query().Get("title"),
		PingURI: trackbackURI,
	}, true)
	if err != nil {
		s.renderFailed(w, r, err)
		return
	}
	if pingbackURI != "" {
		w.Header().Set("X-Pingback", pingbackURI)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"uri":           pageURI,
		"pingback_uri":  pingbackURI,
		"trackback_uri": trackbackURI,
		"pingback_link": string(link),
		"trackback_rdf": string(rdf),
	})
}

func (s *Server) renderFailed(w http.ResponseWriter, r *http.Request, err error) {
	logging.FromContext(r.Context(), s.logger).Error("render discovery markup failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "failed to render discovery markup")
}

func toAttemptDTOs(in []linkback.PingAttempt) []attemptDTO {
	out := make([]attemptDTO, 0, len(in))
	for _, a := range in {
		out = append(out, attemptDTO{
			ID:        a.ID,
			TargetURI: a.TargetURI,
			SourceURI: a.SourceURI,
			Source:    a.Source,
			Protocol:  a.Protocol,
			Title:     a.Title,
			Excerpt:   a.Excerpt,
			Status:    string(a.Status),
			Message:   a.Message,
			SentAt:    a.SentAt.UTC(),
		})
	}
	return out
}
