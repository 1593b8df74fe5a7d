package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"reading-service/internal/middleware"
)

type startRequest struct {
	JobID   string          `json:"jobId"`
	Payload json.RawMessage `json:"payload"`
}

type startResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// ReadingStart kicks off a generation run and returns immediately; it never
// waits for the run to finish.
func (a *App) ReadingStart(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid json")
		return
	}

	res, err := a.Actor.Start(r.Context(), req.JobID, req.Payload, token)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusAccepted, startResponse{JobID: res.JobID, Status: string(res.Status)})
}

type statusResponse struct {
	JobID  string          `json:"jobId"`
	Status string          `json:"status"`
	Meta   json.RawMessage `json:"meta,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// ReadingStatus reports the job's current state, including the outcome of a
// run the caller never streamed.
func (a *App) ReadingStatus(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	job, err := a.Actor.Status(r.Context(), token)
	if err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, statusResponse{
		JobID:  job.ID,
		Status: string(job.Status),
		Meta:   job.Meta,
		Result: job.Result,
		Error:  job.Error,
	})
}

// ReadingStream serves the live event stream over SSE. The backlog after the
// client's cursor is replayed first, then live events until the terminal one
// closes the subscription. Each message's data payload carries the event id,
// which doubles as the client's next cursor.
func (a *App) ReadingStream(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	cursor := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "cursor must be a non-negative integer")
			return
		}
		cursor = parsed
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}

	sub, err := a.Actor.Stream(r.Context(), token, cursor)
	if err != nil {
		a.domainError(w, err)
		return
	}
	defer sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case env, open := <-sub.C:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", env.Event, env.Payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// ReadingCancel aborts the in-flight run. Cancelling a finished job is a
// no-op that still answers cancelled.
func (a *App) ReadingCancel(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}

	if err := a.Actor.Cancel(r.Context(), token); err != nil {
		a.domainError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
