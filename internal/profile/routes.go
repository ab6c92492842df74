package profile

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/playto/hub/internal/api"
	"github.com/playto/hub/internal/apperrors"
)

// RegisterRoutes mounts the profile CRUD endpoints.
func RegisterRoutes(router chi.Router, repo *Repository) {
	router.Method(http.MethodGet, "/v1/profiles", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		profiles, err := repo.List()
		if err != nil {
			return err
		}
		return api.WriteList(w, r.URL.Path, profiles)
	}))

	router.Method(http.MethodPost, "/v1/profiles", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var input CreateProfileInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("Invalid JSON body", nil)
		}
		if input.Name == "" {
			return apperrors.NewValidationError("name is required", nil)
		}
		created, err := repo.Create(input)
		if err != nil {
			return err
		}
		return api.WriteJSON(w, http.StatusCreated, created)
	}))

	router.Method(http.MethodGet, "/v1/profiles/{profileID}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		p, err := repo.GetByID(chi.URLParam(r, "profileID"))
		if err != nil {
			return err
		}
		if p == nil {
			return apperrors.NewNotFoundResource("profile", chi.URLParam(r, "profileID"))
		}
		return api.WriteJSON(w, http.StatusOK, p)
	}))

	router.Method(http.MethodPut, "/v1/profiles/{profileID}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		var input UpdateProfileInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			return apperrors.NewValidationError("Invalid JSON body", nil)
		}
		updated, err := repo.Update(chi.URLParam(r, "profileID"), input)
		if err != nil {
			return err
		}
		if updated == nil {
			return apperrors.NewNotFoundResource("profile", chi.URLParam(r, "profileID"))
		}
		return api.WriteJSON(w, http.StatusOK, updated)
	}))

	router.Method(http.MethodDelete, "/v1/profiles/{profileID}", api.Handler(func(w http.ResponseWriter, r *http.Request) error {
		if err := repo.Delete(chi.URLParam(r, "profileID")); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.NewNotFoundResource("profile", chi.URLParam(r, "profileID"))
			}
			return err
		}
		return api.WriteJSON(w, http.StatusOK, map[string]any{"deleted": true})
	}))
}
