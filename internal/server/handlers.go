package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/droverhq/drover/internal/dashboard"
)

// Snapshotter provides the aggregate dashboard view. Satisfied by
// *dashboard.Aggregator.
type Snapshotter interface {
	Snapshot() dashboard.Snapshot
}

// Authorizer is the shared-bearer check. Satisfied by *rpc.Server,
// whose check passes everything when no token is configured.
type Authorizer interface {
	Authorized(r *http.Request) bool
}

// HealthHandler answers {ok:true} for liveness probes.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}
}

// DashboardHandler returns the aggregate snapshot as JSON.
// GET /dashboard
func DashboardHandler(snap Snapshotter, auth Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth != nil && !auth.Authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap.Snapshot())
	}
}

// EventsHandler streams bus events over SSE.
// GET /events
func EventsHandler(hub *Hub, auth Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if auth != nil && !auth.Authorized(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "SSE not supported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")

		// Initial comment establishes the stream.
		fmt.Fprintf(w, ": connected\n\n")
		flusher.Flush()

		client := NewClient(generateID())
		hub.Register(client)
		defer hub.Unregister(client)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-client.events:
				if !ok {
					return
				}
				data, _ := json.Marshal(event)
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
				flusher.Flush()
			}
		}
	}
}

// generateID produces a random client ID for the hub.
func generateID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return hex.EncodeToString([]byte("fallback"))
	}
	return hex.EncodeToString(bytes)
}
