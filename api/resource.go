package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jmcleod/keepsake/storage"
)

const maxBodyBytes = 8 << 20

// repository is the slice of entity.Repository the handlers need.
type repository[P any] interface {
	Type() string
	Save(ctx context.Context, e P) error
	Load(ctx context.Context, id string) (P, error)
	List(ctx context.Context) ([]P, error)
	Remove(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string) error
	Active(ctx context.Context) (P, error)
	Export(ctx context.Context, id string) (string, error)
	Import(ctx context.Context, data string) (P, error)
}

// resource serves one entity collection.
type resource[T any, P interface{ *T }] struct {
	api  *API
	repo func() repository[P]
}

func newResource[T any, P interface{ *T }](a *API, repo func() repository[P]) *resource[T, P] {
	return &resource[T, P]{api: a, repo: repo}
}

func (res *resource[T, P]) routes(r chi.Router) {
	r.Get("/", res.list)
	r.Post("/", res.create)
	r.Post("/import", res.importEntity)
	r.Get("/active", res.active)
	r.Put("/active", res.setActive)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", res.get)
		r.Put("/", res.update)
		r.Delete("/", res.remove)
		r.Get("/export", res.export)
		r.Put("/autosave", res.autosave)
	})
}

func (res *resource[T, P]) list(w http.ResponseWriter, r *http.Request) {
	all, err := res.repo().List(r.Context())
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	limit, offset := parsePagination(r)
	start, end, meta := paginateSlice(len(all), limit, offset)
	writeJSON(w, http.StatusOK, ListResponse[P]{Items: all[start:end], PaginationMeta: meta})
}

func (res *resource[T, P]) create(w http.ResponseWriter, r *http.Request) {
	e, ok := res.decode(w, r, "")
	if !ok {
		return
	}
	if err := res.repo().Save(r.Context(), e); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (res *resource[T, P]) get(w http.ResponseWriter, r *http.Request) {
	e, err := res.repo().Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (res *resource[T, P]) update(w http.ResponseWriter, r *http.Request) {
	e, ok := res.decode(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	if err := res.repo().Save(r.Context(), e); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (res *resource[T, P]) remove(w http.ResponseWriter, r *http.Request) {
	if err := res.repo().Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (res *resource[T, P]) export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	data, err := res.repo().Export(r.Context(), id)
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.repo().Type()+"-"+id+".json"))
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, data)
}

func (res *resource[T, P]) importEntity(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	e, err := res.repo().Import(r.Context(), string(body))
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// autosave queues a debounced write. Repeated calls for the same id within
// the delay collapse into one write of the latest body.
func (res *resource[T, P]) autosave(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := storage.ValidateID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid id: "+err.Error())
		return
	}
	e, ok := res.decode(w, r, id)
	if !ok {
		return
	}
	scheduler := res.api.app.Autosave
	if err := scheduler.Schedule(res.repo().Type(), id, e); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AutosaveResponse{ID: id, Pending: scheduler.Pending()})
}

func (res *resource[T, P]) active(w http.ResponseWriter, r *http.Request) {
	e, err := res.repo().Active(r.Context())
	if err != nil {
		res.api.mapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (res *resource[T, P]) setActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeError(w, http.StatusBadRequest, "request body must carry an id")
		return
	}
	if _, err := res.repo().Load(r.Context(), req.ID); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	if err := res.repo().SetActive(r.Context(), req.ID); err != nil {
		res.api.mapError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decode reads an entity from the request body. A non-empty id overrides
// whatever id the body carries; an empty id clears it so Save mints one.
func (res *resource[T, P]) decode(w http.ResponseWriter, r *http.Request, id string) (P, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	data := string(body)
	if !gjson.Valid(data) || !gjson.Parse(data).IsObject() {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return nil, false
	}
	if id != "" {
		data, err = sjson.Set(data, "id", id)
	} else {
		data, err = sjson.Delete(data, "id")
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	e := P(new(T))
	if err := storage.Unmarshal(data, e); err != nil {
		res.api.mapError(w, r, err)
		return nil, false
	}
	return e, true
}
