package transport

import (
	"net/http"
	"time"

	"github.com/pitabwire/casedesk/internal/extract"
	"github.com/pitabwire/casedesk/internal/session"
	"github.com/pitabwire/casedesk/model"
)

// ListResponse is a cached list with its freshness.
type ListResponse[T any] struct {
	Items     []T        `json:"items"`
	Total     int        `json:"total"`
	FetchedAt *time.Time `json:"fetched_at,omitempty"`
	// StaleError is the last refresh failure when Items are older than it.
	StaleError string `json:"stale_error,omitempty"`
}

func listResponse[T, V any](items []T, snap session.Snapshot[V]) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	resp := ListResponse[T]{Items: items, Total: len(items)}
	if !snap.FetchedAt.IsZero() {
		t := snap.FetchedAt
		resp.FetchedAt = &t
	}
	if snap.Err != nil && snap.ErrAt.After(snap.FetchedAt) {
		resp.StaleError = snap.Err.Error()
	}
	return resp
}

func handleQueue(queue *session.Cache[[]model.Application]) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := queue.Get(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		apps := session.FilterApplications(snap.Value, r.URL.Query().Get("status"))
		WriteJSON(w, http.StatusOK, listResponse(apps, snap))
	}
}

func handleClaims(claims *session.Cache[[]map[string]any], now func() time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := claims.Get(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		rows := extract.FilterClaims(extract.ClaimRows(snap.Value, now()), r.URL.Query().Get("status"))
		WriteJSON(w, http.StatusOK, listResponse(rows, snap))
	}
}
