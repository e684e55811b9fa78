package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/gigchat/internal/auth"
	"github.com/npezzotti/gigchat/internal/config"
	"github.com/npezzotti/gigchat/internal/database"
	"github.com/npezzotti/gigchat/internal/server"
)

type GigChatApp struct {
	log            *log.Logger
	db             database.MessageStore
	srv            *http.Server
	cs             *server.ChatServer
	auth           auth.Provider
	allowedOrigins []string
}

func NewGigChatApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, db database.MessageStore,
	authProvider auth.Provider, cfg *config.Config) *GigChatApp {
	s := &GigChatApp{
		log:            logger,
		db:             db,
		cs:             cs,
		auth:           authProvider,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws", s.serveWs)
	mux.Handle("GET /api/conversations", s.authMiddleware(s.listConversations))
	mux.Handle("GET /api/conversations/{id}", s.authMiddleware(s.getConversation))
	mux.Handle("GET /api/unread", s.authMiddleware(s.unreadCount))
	mux.Handle("GET /api/presence", s.authMiddleware(s.presence))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *GigChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *GigChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
