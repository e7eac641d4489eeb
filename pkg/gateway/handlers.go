package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/codechat-universal/codechat/pkg/orchestrator"
	"github.com/codechat-universal/codechat/pkg/policy"
	"github.com/codechat-universal/codechat/pkg/sandbox"
)

const maxBodyBytes = 1 << 20

type runRequest struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	// Timeout optionally tightens the runtime's own deadline, e.g. "10s".
	Timeout string `json:"timeout,omitempty"`
}

type runResponse struct {
	Output string `json:"output"`
}

type dispatchRequest struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (g *Gateway) handleSandboxRun(w http.ResponseWriter, r *http.Request) {
	if g.sandbox == nil {
		writeError(w, http.StatusNotImplemented, "sandbox not configured")
		return
	}

	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, "language is required")
		return
	}

	ctx := r.Context()
	if req.Timeout != "" {
		d, err := time.ParseDuration(req.Timeout)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	out, err := g.sandbox.Execute(ctx, req.Language, req.Code)
	if err != nil {
		status := sandboxStatus(err)
		if status >= http.StatusInternalServerError {
			g.logger.Error("sandbox run failed", slog.String("language", req.Language), slog.String("err", err.Error()))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Output: out})
}

func sandboxStatus(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLanguage):
		return http.StatusBadRequest
	case errors.Is(err, policy.ErrViolation):
		return http.StatusForbidden
	case errors.Is(err, sandbox.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, sandbox.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, sandbox.ErrCreate), errors.Is(err, sandbox.ErrStart):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (g *Gateway) handleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	if g.worker == nil {
		writeError(w, http.StatusNotImplemented, "worker not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":     g.worker.Running(),
		"subscribers": g.hub.Subscribers(),
	})
}

func (g *Gateway) handleWorkerDispatch(w http.ResponseWriter, r *http.Request) {
	if g.worker == nil {
		writeError(w, http.StatusNotImplemented, "worker not configured")
		return
	}

	var req dispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	if err := g.worker.Dispatch(r.Context(), req.Action, payload); err != nil {
		if errors.Is(err, orchestrator.ErrWorkerUnavailable) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		g.logger.Error("dispatch failed", slog.String("action", req.Action), slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (g *Gateway) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	if g.worker == nil {
		writeError(w, http.StatusNotImplemented, "worker not configured")
		return
	}
	if err := g.worker.Restart(r.Context()); err != nil {
		g.logger.Error("worker restart failed", slog.String("err", err.Error()))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

// decodeBody reads a JSON request body into v, writing the error response
// itself when it cannot. Only application/json bodies are accepted.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
