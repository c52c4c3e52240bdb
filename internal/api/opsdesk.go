package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/opsdesk/internal/chat"
	"github.com/npezzotti/opsdesk/internal/config"
	"github.com/npezzotti/opsdesk/internal/database"
	"github.com/npezzotti/opsdesk/internal/feed"
)

type OpsdeskApp struct {
	log            *log.Logger
	db             database.ChatRepository
	chat           *chat.Service
	hub            *feed.Hub
	mux            *http.Server
	signingKey     []byte
	allowedOrigins []string
}

func NewOpsdeskApp(mux *http.ServeMux, logger *log.Logger, svc *chat.Service, hub *feed.Hub, db database.ChatRepository, cfg *config.Config) *OpsdeskApp {
	s := &OpsdeskApp{
		log:            logger,
		db:             db,
		chat:           svc,
		hub:            hub,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("POST /api/auth/register", s.createAccount)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("GET /api/auth/session", s.authMiddleware(s.session))
	mux.HandleFunc("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.HandleFunc("/api/account", s.authMiddleware(s.account))
	mux.HandleFunc("GET /api/rooms", s.authMiddleware(s.listRooms))
	mux.HandleFunc("POST /api/rooms/direct", s.authMiddleware(s.createDirectChat))
	mux.HandleFunc("POST /api/rooms/group", s.authMiddleware(s.createGroupChat))
	mux.HandleFunc("GET /api/rooms/{id}/messages", s.authMiddleware(s.listMessages))
	mux.HandleFunc("POST /api/rooms/{id}/messages", s.authMiddleware(s.sendMessage))
	mux.HandleFunc("POST /api/rooms/{id}/read", s.authMiddleware(s.markRead))
	mux.HandleFunc("PATCH /api/messages/{id}", s.authMiddleware(s.editMessage))
	mux.HandleFunc("DELETE /api/messages/{id}", s.authMiddleware(s.deleteMessage))
	mux.HandleFunc("GET /ws", s.authMiddleware(s.serveFeed))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = handlers.CombinedLoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	s.mux = srv
	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *OpsdeskApp) Handler() http.Handler {
	return s.mux.Handler
}

func (s *OpsdeskApp) Start() error {
	s.log.Printf("starting server on %s\n", s.mux.Addr)
	return s.mux.ListenAndServe()
}

func (s *OpsdeskApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.mux.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
