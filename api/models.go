package api

import (
	"github.com/jmcleod/keepsake/capacity"
	"github.com/jmcleod/keepsake/storage"
)

// RecordResponse is returned from GET /records/{key}. Value is the raw
// serialized payload.
type RecordResponse struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// PutRecordRequest is the JSON body for PUT /records/{key}.
type PutRecordRequest struct {
	Value string `json:"value"`
}

// StorageInfoResponse is returned from GET /storage.
type StorageInfoResponse struct {
	storage.CombinedInfo
	Warning *capacity.Warning `json:"warning,omitempty"`
}

// CleanupResponse is returned from POST /storage/cleanup.
type CleanupResponse struct {
	Reports []capacity.Report `json:"reports"`
	Freed   int64             `json:"freed"`
}

// ListResponse is returned from GET on an entity collection.
type ListResponse[E any] struct {
	Items []E `json:"items"`
	PaginationMeta
}

// ActiveRequest is the JSON body for PUT /{collection}/active.
type ActiveRequest struct {
	ID string `json:"id"`
}

// AutosaveResponse is returned from PUT /{collection}/{id}/autosave.
type AutosaveResponse struct {
	ID      string `json:"id"`
	Pending int    `json:"pending"`
}
