// Package api serves the HTTP chat endpoints next to the websocket hub.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chatstore"
	"github.com/mqy/minichat/ws"
)

// maxBodyBytes limits request bodies of POST endpoints.
const maxBodyBytes = 64 * 1024

// Sender is the part of ws.Router the send endpoint needs.
type Sender interface {
	Prepare(req *ws.SendReq, sender chatstore.UserID) (*chatstore.Message, *ws.Error)
	Deliver(msg *chatstore.Message)
}

// Presence reports who is online.
type Presence interface {
	Online() []chatstore.UserID
}

// NewRouter mounts the chat endpoints under /api/chat. Every endpoint
// requires an authenticated caller.
func NewRouter(authClient auth.Client, store chatstore.Store, sender Sender, presence Presence) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logRequest)
	r.Use(chimw.Recoverer)

	h := NewHandler(store, sender, presence)

	r.Route("/api/chat", func(r chi.Router) {
		r.Use(requireAuth(authClient))

		r.Get("/", h.Conversations)
		r.Get("/conversation/{userId1}/{userId2}", h.History)
		r.Get("/users/search", h.Search)
		r.Get("/online", h.Online)
		r.Get("/call/{userId}", h.CallRoom)
		r.With(maxBodySize(maxBodyBytes)).Post("/send", h.Send)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}
