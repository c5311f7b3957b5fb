package surrealshop

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/surrealdb/surrealshop/pkg/entity"
	"github.com/surrealdb/surrealshop/pkg/localcache"
	"github.com/surrealdb/surrealshop/pkg/models"
	"github.com/surrealdb/surrealshop/pkg/remote"
)

// maxBodyBytes bounds request bodies, media uploads included.
const maxBodyBytes = 16 << 20

// Router serves the JSON API over the repositories and the broadcast relay.
func (a *App) Router() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	router.Handle("/ws/broadcast", a.relay)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/sync", a.handleSync).Methods(http.MethodPost)
	api.HandleFunc("/banners/{id}/media", a.handleSetMedia).Methods(http.MethodPut)
	api.HandleFunc("/{kind}", a.handleList).Methods(http.MethodGet)
	api.HandleFunc("/{kind}/{id}", a.handleGet).Methods(http.MethodGet)
	api.HandleFunc("/{kind}/{id}", a.handlePut).Methods(http.MethodPut)
	api.HandleFunc("/{kind}/{id}", a.handleDelete).Methods(http.MethodDelete)
	api.HandleFunc("/{kind}/{id}/status", a.handleStatus).Methods(http.MethodGet)

	return router
}

func (a *App) collectionFor(w http.ResponseWriter, r *http.Request) (Collection, bool) {
	kind, err := models.ParseKind(mux.Vars(r)["kind"])
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	c, ok := a.Collection(kind)
	if !ok {
		respondError(w, http.StatusNotFound, "unknown kind")
		return nil, false
	}
	return c, true
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "healthy",
		"tab":        a.tab,
		"remote":     a.config.Remote,
		"available":  a.adapter.Available(),
		"cacheBytes": a.cache.Size(),
		"time":       time.Now().Unix(),
	})
}

func (a *App) handleList(w http.ResponseWriter, r *http.Request) {
	c, ok := a.collectionFor(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, c.List())
}

func (a *App) handleGet(w http.ResponseWriter, r *http.Request) {
	c, ok := a.collectionFor(w, r)
	if !ok {
		return
	}
	e, found := c.Get(mux.Vars(r)["id"])
	if !found {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (a *App) handlePut(w http.ResponseWriter, r *http.Request) {
	c, ok := a.collectionFor(w, r)
	if !ok {
		return
	}
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	e, err := c.Save(r.Context(), mux.Vars(r)["id"], body)
	if err != nil {
		respondError(w, statusOf(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, e)
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request) {
	c, ok := a.collectionFor(w, r)
	if !ok {
		return
	}
	if err := c.Clear(r.Context(), mux.Vars(r)["id"]); err != nil {
		respondError(w, statusOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	c, ok := a.collectionFor(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if _, found := c.Get(id); !found {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"kind":   c.Kind(),
		"id":     id,
		"status": c.Status(id),
	})
}

func (a *App) handleSetMedia(w http.ResponseWriter, r *http.Request) {
	data, ok := readBody(w, r)
	if !ok {
		return
	}
	if len(data) == 0 {
		respondError(w, http.StatusBadRequest, "media payload is required")
		return
	}
	id := mux.Vars(r)["id"]
	name := r.URL.Query().Get("name")
	if name == "" {
		name = id
	}
	mimeType := r.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	b, err := a.Banners.SetMedia(r.Context(), id, name, mimeType, data)
	if err != nil {
		respondError(w, statusOf(err), err.Error())
		return
	}
	respondJSON(w, http.StatusOK, b)
}

func (a *App) handleSync(w http.ResponseWriter, r *http.Request) {
	report := a.Sync(r.Context())
	status := http.StatusOK
	if !a.adapter.Available() {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}

// readBody reads the whole request body. A body over maxBodyBytes is refused
// rather than cut, since a truncated document or media file is corrupt.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return nil, false
		}
		respondError(w, http.StatusBadRequest, "invalid request payload")
		return nil, false
	}
	return body, true
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalid), errors.Is(err, models.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, entity.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, localcache.ErrQuotaExceeded):
		return http.StatusInsufficientStorage
	case errors.Is(err, remote.ErrUnavailable), remote.IsQuotaOrTimeout(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		status = http.StatusInternalServerError
		response = []byte(`{"error":"encode response"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(response)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
