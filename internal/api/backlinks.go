package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/linkback/internal/id/uuid"
	"github.com/JakeFAU/linkback/internal/linkback"
	"github.com/JakeFAU/linkback/internal/logging"
	"github.com/JakeFAU/linkback/internal/metrics"
)

const (
	defaultBacklinkLimit = 50
	maxBacklinkLimit     = 500
)

type backlinkDTO struct {
	ID         string              `json:"id"`
	SourceURI  string              `json:"source_uri"`
	TargetURI  string              `json:"target_uri"`
	Target     *linkback.Reference `json:"target,omitempty"`
	Title      string              `json:"title"`
	Excerpt    string              `json:"excerpt"`
	Protocol   string              `json:"protocol"`
	ReceivedAt time.Time           `json:"received_at"`
	Status     string              `json:"status"`
}

// listBacklinks handles GET /v1/backlinks?status=&kind=&id=&limit=. It
// returns {"backlinks": [...]} newest first, or 400 for invalid filters.
func (s *Server) listBacklinks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := linkback.InboundFilter{}

	switch status := linkback.InboundStatus(strings.TrimSpace(q.Get("status"))); status {
	case "", linkback.StatusApproved, linkback.StatusUnapproved:
		filter.Status = status
	default:
		s.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	target, err := parseReference(q.Get("kind"), q.Get("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Target = target
	limit, err := parseLimit(r, defaultBacklinkLimit, maxBacklinkLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter.Limit = limit

	backlinks, err := s.deps.Backlinks.ListInbound(r.Context(), filter)
	if err != nil {
		logging.FromContext(r.Context(), s.logger).Error("list backlinks failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list backlinks")
		return
	}
	out := make([]backlinkDTO, 0, len(backlinks))
	for _, b := range backlinks {
		out = append(out, toBacklinkDTO(b))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backlinks": out})
}

// moderate handles POST /v1/backlinks/{id}/approve and /unapprove.
func (s *Server) moderate(status linkback.InboundStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Canonical(chi.URLParam(r, "id"))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid backlink id")
			return
		}
		err = s.deps.Backlinks.UpdateInboundStatus(r.Context(), id, status)
		switch {
		case errors.Is(err, linkback.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "backlink not found")
			return
		case err != nil:
			logging.FromContext(r.Context(), s.logger).Error("moderate backlink failed",
				zap.String("backlink_id", id), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to update backlink")
			return
		}
		metrics.ObserveModeration(string(status))
		s.writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
	}
}

func toBacklinkDTO(b linkback.Inbound) backlinkDTO {
	return backlinkDTO{
		ID:         b.ID,
		SourceURI:  b.SourceURI,
		TargetURI:  b.TargetURI,
		Target:     b.Target,
		Title:      b.Title,
		Excerpt:    b.Excerpt,
		Protocol:   b.Protocol,
		ReceivedAt: b.ReceivedAt.UTC(),
		Status:     string(b.Status),
	}
}

// parseReference accepts either both parts of a reference or neither.
func parseReference(kind, id string) (*linkback.Reference, error) {
	kind, id = strings.TrimSpace(kind), strings.TrimSpace(id)
	switch {
	case kind == "" && id == "":
		return nil, nil
	case kind == "" || id == "":
		return nil, errors.New("kind and id must be given together")
	}
	return &linkback.Reference{Kind: kind, ID: id}, nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limit := def
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	return limit, nil
}
