package playto

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playto/hub/internal/api"
	"github.com/playto/hub/internal/apperrors"
)

func init() {
	// GENA delivers events with the NOTIFY method; chi rejects unknown
	// methods unless they are registered up front.
	chi.RegisterMethod("NOTIFY")
}

// RegisterRoutes mounts the session control endpoints and the GENA event
// ingress.
func RegisterRoutes(router chi.Router, registry *Registry) {
	// Renderers deliver LastChange notifications here. The subscription
	// callback URL carries the session id. Always 200: a renderer that gets
	// errors back may cancel the subscription.
	router.Method("NOTIFY", "/Dlna/Eventing/{sessionID}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err == nil {
			registry.HandleEvent(r.Context(), chi.URLParam(r, "sessionID"), body)
		}
		w.WriteHeader(http.StatusOK)
	}))

	router.Method(http.MethodGet, "/v1/sessions", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		return api.WriteList(w, r.URL.Path, registry.List())
	}))

	router.Method(http.MethodGet, "/v1/sessions/{sessionID}/playlist", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		controller, ok := registry.Controller(chi.URLParam(r, "sessionID"))
		if !ok {
			return sessionNotFound(chi.URLParam(r, "sessionID"))
		}
		items, cursor := controller.Playlist()
		return api.WriteJSON(w, http.StatusOK, map[string]any{
			"items":  items,
			"cursor": cursor,
		})
	}))

	router.Method(http.MethodPost, "/v1/sessions/{sessionID}/play", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		controller, ok := registry.Controller(chi.URLParam(r, "sessionID"))
		if !ok {
			return sessionNotFound(chi.URLParam(r, "sessionID"))
		}
		var req PlayRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return apperrors.NewValidationError("Invalid JSON body", nil)
		}
		if len(req.ItemIDs) == 0 {
			return apperrors.NewValidationError("item_ids is required", nil)
		}
		if err := controller.Play(r.Context(), req); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	}))

	router.Method(http.MethodPost, "/v1/sessions/{sessionID}/playstate", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		controller, ok := registry.Controller(chi.URLParam(r, "sessionID"))
		if !ok {
			return sessionNotFound(chi.URLParam(r, "sessionID"))
		}
		var req PlaystateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return apperrors.NewValidationError("Invalid JSON body", nil)
		}
		if err := controller.Playstate(r.Context(), req); err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	}))

	router.Method(http.MethodPost, "/v1/sessions/{sessionID}/command", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		controller, ok := registry.Controller(chi.URLParam(r, "sessionID"))
		if !ok {
			return sessionNotFound(chi.URLParam(r, "sessionID"))
		}
		var cmd GeneralCommand
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			return apperrors.NewValidationError("Invalid JSON body", nil)
		}
		if err := controller.HandleGeneralCommand(r.Context(), cmd); err != nil {
			return apperrors.NewValidationError(err.Error(), nil)
		}
		return api.WriteJSON(w, http.StatusAccepted, map[string]any{"accepted": true})
	}))
}

func sessionNotFound(sessionID string) error {
	return apperrors.NewAppError(apperrors.ErrorCodeSessionNotFound, "session not found: "+sessionID, http.StatusNotFound, map[string]any{"id": sessionID})
}
