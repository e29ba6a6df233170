// Package pingback serves the Pingback protocol: an XML-RPC endpoint that
// accepts pingback.ping calls, and a decorator that advertises the endpoint
// on pingable pages through the X-Pingback header.
package pingback

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/fault"
	"github.com/JakeFAU/linkback/internal/server"
	"github.com/JakeFAU/linkback/internal/site"
	"github.com/JakeFAU/linkback/internal/xmlrpc"
)

const (
	// Protocol is the protocol name recorded on backlinks.
	Protocol = "pingback"
	// Method is the only XML-RPC method the endpoint serves.
	Method = "pingback.ping"
	// Header advertises the endpoint on pingable responses.
	Header = "X-Pingback"

	maxRequestBytes = 1 << 20
)

// Config controls where the endpoint claims to live.
type Config struct {
	// Path is the site-relative mount path of the endpoint.
	Path string
	// AbsoluteURI overrides the advertised endpoint URI.
	AbsoluteURI string
}

// Server is the Pingback XML-RPC endpoint.
type Server struct {
	pipeline *server.Pipeline
	registry *Registry
	cfg      Config
	logger   *zap.Logger
}

// New builds a Server resolving targets through registry.
func New(registry *Registry, deps server.Deps, cfg Config) (*Server, error) {
	if registry == nil {
		return nil, errors.New("pingback: registry is required")
	}
	pipeline, err := server.NewPipeline(Protocol, registry, deps)
	if err != nil {
		return nil, err
	}
	if cfg.Path == "" {
		cfg.Path = "/pingback"
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		pipeline: pipeline,
		registry: registry,
		cfg:      cfg,
		logger:   logger.Named("pingback_server"),
	}, nil
}

// Path returns the mount path of the endpoint.
func (s *Server) Path() string { return s.cfg.Path }

// Origin returns this site's origin for r, or "" when unknown.
func (s *Server) Origin(r *http.Request) string { return s.pipeline.Origin(r) }

// EndpointURI returns the absolute URI of the endpoint for r, or "" when
// neither an override nor a site origin is known.
func (s *Server) EndpointURI(r *http.Request) string {
	if s.cfg.AbsoluteURI != "" {
		return s.cfg.AbsoluteURI
	}
	return site.Join(s.pipeline.Origin(r), s.cfg.Path)
}

// ServeHTTP handles one XML-RPC call. Validation failures are returned as
// XML-RPC faults with a 200 status.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("pingback call panicked", zap.Any("panic", rec))
			s.writeFault(w, fault.NewServerError(fault.Unknown, ""))
		}
	}()

	call, err := xmlrpc.DecodeCall(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		s.logger.Debug("malformed pingback call", zap.Error(err))
		s.writeFault(w, fault.NewServerError(fault.Unknown, "Malformed XML-RPC request"))
		return
	}
	if call.Method != Method {
		s.writeFault(w, fault.NewServerError(fault.Unknown, fmt.Sprintf("Method %q not supported", call.Method)))
		return
	}
	source, target, err := pingParams(call)
	if err != nil {
		s.writeFault(w, fault.NewServerError(fault.Unknown, err.Error()))
		return
	}

	msg, err := s.pipeline.Register(r.Context(), server.PingRequest{
		SourceURI: source,
		TargetURI: target,
		HTTP:      r,
	})
	if err != nil {
		se, ok := fault.AsServer(err)
		if !ok {
			s.logger.Error("pingback registration failed", zap.Error(err))
			se = fault.NewServerError(fault.Unknown, "")
		}
		s.writeFault(w, se)
		return
	}
	writeXML(w, xmlrpc.MarshalResponse(msg))
}

func pingParams(call *xmlrpc.Call) (string, string, error) {
	if call.Len() != 2 {
		return "", "", fmt.Errorf("%s takes 2 parameters, got %d", Method, call.Len())
	}
	var source, target string
	if err := call.Param(0, &source); err != nil {
		return "", "", fmt.Errorf("sourceURI: %w", err)
	}
	if err := call.Param(1, &target); err != nil {
		return "", "", fmt.Errorf("targetURI: %w", err)
	}
	return source, target, nil
}

func (s *Server) writeFault(w http.ResponseWriter, se *fault.ServerError) {
	writeXML(w, xmlrpc.MarshalFault(se.Code(), se.Message))
}

func writeXML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", xmlrpc.ContentType+"; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, bytes.NewReader(body))
}

// Register adds res to the registry under patterns and returns h decorated
// with the discovery header.
func (s *Server) Register(res Resource, h http.Handler, patterns ...string) (http.Handler, error) {
	if err := s.registry.Add(res, patterns...); err != nil {
		return nil, err
	}
	return s.Decorate(h), nil
}

// Decorate sets the X-Pingback header on responses from h when the
// requested page would currently pass target validation.
func (s *Server) Decorate(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if endpoint := s.EndpointURI(r); endpoint != "" {
			target := site.Join(s.pipeline.Origin(r), r.URL.Path)
			if _, err := s.pipeline.ResolveAndValidate(r.Context(), r, target); err == nil {
				w.Header().Set(Header, endpoint)
			}
		}
		h.ServeHTTP(w, r)
	})
}
