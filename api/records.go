package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// GetRecord returns the raw payload stored under a key.
func (a *API) GetRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !a.ownsKey(w, key) {
		return
	}
	value, err := a.app.Store.Get(r.Context(), key)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RecordResponse{Key: key, Value: value})
}

// PutRecord stores a raw payload under a key.
func (a *API) PutRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !a.ownsKey(w, key) {
		return
	}
	var req PutRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.app.Store.Put(r.Context(), key, req.Value); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteRecord removes a key from both media. Missing keys succeed.
func (a *API) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !a.ownsKey(w, key) {
		return
	}
	if err := a.app.Store.Delete(r.Context(), key); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClearRecords removes every namespaced record from both media.
func (a *API) ClearRecords(w http.ResponseWriter, r *http.Request) {
	if err := a.app.Store.Clear(r.Context()); err != nil {
		a.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ownsKey writes a 400 and reports false when key belongs to another
// application sharing the media.
func (a *API) ownsKey(w http.ResponseWriter, key string) bool {
	if a.app.Namespace.Owns(key) {
		return true
	}
	writeError(w, http.StatusBadRequest, "key is outside the "+a.app.Namespace.Prefix+" namespace")
	return false
}
