package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/techevents-crawler/internal/orchestrator"
)

// requireBody rejects empty bodies before any rate limit accounting and
// buffers the rest so the handler can decode it.
func (s *Server) requireBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil || r.Body == http.NoBody {
			writeError(w, http.StatusBadRequest, "request body required")
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		if len(bytes.TrimSpace(body)) == 0 {
			writeError(w, http.StatusBadRequest, "request body required")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// search handles POST /api/v1/search. Malformed or invalid requests get a
// single error frame with status 400; otherwise the orchestrator's messages
// are written as they are produced.
func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.rejectStream(w, "Invalid JSON", err.Error())
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if err := s.validate.Struct(req); err != nil {
		s.rejectStream(w, "Invalid request", describeValidation(err))
		return
	}

	if s.deps.Searcher == nil {
		writeError(w, http.StatusServiceUnavailable, "search unavailable")
		return
	}

	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	emit := func(msg orchestrator.Message) error {
		if err := writeFrame(w, msg); err != nil {
			return err
		}
		if err := rc.Flush(); err != nil {
			return fmt.Errorf("flush frame: %w", err)
		}
		return nil
	}
	if err := s.deps.Searcher.Search(r.Context(), req, emit); err != nil {
		s.logger.Debug("search stream ended early",
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err),
		)
	}
}

func (s *Server) rejectStream(w http.ResponseWriter, message, detail string) {
	setStreamHeaders(w)
	w.WriteHeader(http.StatusBadRequest)
	msg := orchestrator.Message{
		Type:      orchestrator.TypeError,
		Data:      orchestrator.ErrorData{Message: message, Error: detail},
		Timestamp: time.Now().UTC(),
	}
	if err := writeFrame(w, msg); err != nil {
		s.logger.Debug("write error frame failed", zap.Error(err))
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeFrame writes one "data: <json>\n\n" frame.
func writeFrame(w io.Writer, msg orchestrator.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msg.Type, err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("write %s frame: %w", msg.Type, err)
	}
	return nil
}
