package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"reading-service/internal/actor"
	"reading-service/internal/domain"
	"reading-service/internal/infra"
)

// App is the handler container: the job actor plus the service logger.
type App struct {
	Actor  *actor.Actor
	Logger infra.Logger
}

func NewApp(act *actor.Actor, logger infra.Logger) *App {
	return &App{Actor: act, Logger: logger}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (a *App) error(w http.ResponseWriter, status int, code, msg string) {
	a.json(w, status, map[string]apiError{"error": {Code: code, Message: msg}})
}

// domainError maps the actor's sentinel errors onto the HTTP surface.
func (a *App) domainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidPayload):
		a.error(w, http.StatusBadRequest, "bad_request", "jobId and payload are required")
	case errors.Is(err, domain.ErrUnauthorized):
		a.error(w, http.StatusForbidden, "forbidden", "invalid token")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "no job")
	case errors.Is(err, domain.ErrExpired):
		a.error(w, http.StatusGone, "expired", "job expired")
	default:
		a.Logger.Error().Err(err).Msg("handler: unexpected error")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
