// Package trackback serves the TrackBack protocol. Each pingable resource
// has its own endpoint that accepts form-encoded pings and answers with a
// small XML document.
package trackback

import (
	"bytes"
	"encoding/xml"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/server"
	"github.com/JakeFAU/linkback/internal/site"
)

const (
	// Protocol is the protocol name recorded on backlinks.
	Protocol = "trackback"
	// MountPattern is the chi pattern under which endpoints are served.
	MountPattern = "/trackback/{kind}/{id}"
	// FormContentType is the media type TrackBack pings must use.
	FormContentType = "application/x-www-form-urlencoded"

	maxFormBytes = 64 << 10
)

// Server builds per-resource TrackBack endpoints that share one pipeline.
type Server struct {
	pipeline *server.Pipeline
	logger   *zap.Logger
}

// New builds a Server validating targets through registry.
func New(registry *Registry, deps server.Deps) (*Server, error) {
	if registry == nil {
		return nil, errors.New("trackback: registry is required")
	}
	pipeline, err := server.NewPipeline(Protocol, registry, deps)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{pipeline: pipeline, logger: logger.Named("trackback_server")}, nil
}

// For returns the endpoint bound to target.
func (s *Server) For(target linkback.Reference) *Endpoint {
	return &Endpoint{server: s, target: target}
}

// ServeHTTP dispatches to the endpoint named by the {kind} and {id} URL
// parameters of MountPattern.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.For(linkback.Reference{
		Kind: chi.URLParam(r, "kind"),
		ID:   chi.URLParam(r, "id"),
	}).ServeHTTP(w, r)
}

// EndpointURI returns the absolute URI of target's endpoint, or "" when the
// site origin is unknown.
func (s *Server) EndpointURI(r *http.Request, target linkback.Reference) string {
	return site.Join(s.pipeline.Origin(r), Path(target))
}

// Path returns the site-relative path of target's endpoint.
func Path(target linkback.Reference) string {
	return "/trackback/" + target.Kind + "/" + target.ID
}

// Endpoint accepts TrackBack pings for a single target.
type Endpoint struct {
	server *Server
	target linkback.Reference
}

// ServeHTTP records one ping. Validation failures are reported in the
// response body with a 200 status.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}
	logger := e.server.logger

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("trackback ping panicked", zap.Any("panic", rec))
			writeResponse(w, fault.NewServerError(fault.Unknown, "").Message)
		}
	}()

	if !strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), FormContentType) {
		writeResponse(w, "Invalid Content-Type")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		logger.Debug("malformed trackback form", zap.Error(err))
		writeResponse(w, "Invalid form data")
		return
	}

	target := e.target
	_, err := e.server.pipeline.Register(r.Context(), server.PingRequest{
		SourceURI: strings.TrimSpace(r.PostForm.Get("url")),
		Target:    &target,
		Title:     r.PostForm.Get("title"),
		Excerpt:   r.PostForm.Get("excerpt"),
		HTTP:      r,
	})
	if err != nil {
		se, ok := fault.AsServer(err)
		if !ok {
			logger.Error("trackback registration failed", zap.Error(err))
			se = fault.NewServerError(fault.Unknown, "")
		}
		writeResponse(w, se.Message)
		return
	}
	writeResponse(w, "")
}

// writeResponse writes the TrackBack reply; a non-empty message marks an
// error.
func writeResponse(w http.ResponseWriter, message string) {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?>`)
	b.WriteString("<response>")
	if message == "" {
		b.WriteString("<error>0</error>")
	} else {
		b.WriteString("<error>1</error><message>")
		_ = xml.EscapeText(&b, []byte(message))
		b.WriteString("</message>")
	}
	b.WriteString("</response>")

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Bytes())
}
