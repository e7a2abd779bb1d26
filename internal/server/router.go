// Package server assembles the HTTP surface: REST routes, the websocket
// endpoint and the hub that backs it.
package server

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pliu/cipherchat/internal/bus"
	"github.com/pliu/cipherchat/internal/delivery"
	"github.com/pliu/cipherchat/internal/handlers"
	"github.com/pliu/cipherchat/internal/messages"
	"github.com/pliu/cipherchat/internal/middleware"
	"github.com/pliu/cipherchat/internal/store"
	"github.com/pliu/cipherchat/internal/ws"
)

type Options struct {
	AcceptLegacyPayloads bool
	InboundRate          int
}

type Server struct {
	Hub     *ws.Hub
	Tracker *delivery.Tracker
	Router  *mux.Router
}

// New wires the store and bus into a hub, a delivery tracker and the
// routes. Call Run to start the hub.
func New(s store.Store, b bus.Bus, opts Options) *Server {
	hub := ws.NewHub(b, opts.InboundRate)
	tracker := delivery.NewTracker(s, hub)
	hub.SetTracker(tracker)

	authHandler := &handlers.AuthHandler{Store: s}
	msgHandler := &handlers.MessageHandler{
		Messages: messages.NewService(s, opts.AcceptLegacyPayloads),
		Tracker:  tracker,
		Hub:      hub,
	}

	r := mux.NewRouter()
	r.Use(middleware.LoggingMiddleware)

	r.HandleFunc("/auth/signup", authHandler.Signup).Methods("POST")
	r.HandleFunc("/auth/login", authHandler.Login).Methods("POST")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware)
	api.HandleFunc("/auth/check", authHandler.Check).Methods("GET")
	api.HandleFunc("/auth/upload-public-key", authHandler.UploadPublicKey).Methods("POST")
	api.HandleFunc("/auth/user/{id}/public-key", authHandler.GetPublicKey).Methods("GET")
	api.HandleFunc("/message/users", msgHandler.Users).Methods("GET")
	api.HandleFunc("/message/send/{peerId}", msgHandler.Send).Methods("POST")
	api.HandleFunc("/message/read/{peerId}", msgHandler.MarkRead).Methods("POST")
	api.HandleFunc("/message/{peerId}", msgHandler.History).Methods("GET")

	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.ServeWs(hub, w, r, middleware.UserID(r))
	})

	return &Server{Hub: hub, Tracker: tracker, Router: r}
}

// Run drives the hub until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	return s.Hub.Run(ctx)
}
