package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"

	"chatwave/internal/config"
	"chatwave/internal/database"
	"chatwave/internal/server"
)

type App struct {
	log            *log.Logger
	db             database.Repository
	srv            *http.Server
	hub            *server.Hub
	signingKey     []byte
	allowedOrigins []string
}

func NewApp(mux *http.ServeMux, logger *log.Logger, hub *server.Hub, db database.Repository, cfg *config.Config) *App {
	a := &App{
		log:            logger,
		db:             db,
		hub:            hub,
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", a.createAccount)
	mux.HandleFunc("POST /api/auth/login", a.login)
	mux.Handle("GET /api/auth/session", a.authMiddleware(a.session))
	mux.Handle("GET /api/auth/logout", a.authMiddleware(a.logout))
	mux.Handle("GET /api/users", a.authMiddleware(a.listUsers))
	mux.Handle("GET /api/messages", a.authMiddleware(a.getMessages))
	mux.Handle("POST /api/messages", a.authMiddleware(a.sendMessage))
	mux.Handle("PUT /api/messages/seen", a.authMiddleware(a.markSeen))
	mux.Handle("GET /ws", a.authMiddleware(a.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = a.errorHandler(h)

	a.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return a
}

func (a *App) Start() error {
	a.log.Printf("Starting server on %s\n", a.srv.Addr)
	return a.srv.ListenAndServe()
}

func (a *App) Shutdown(ctx context.Context) error {
	a.log.Println("Shutting down server...")
	if err := a.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	a.log.Println("Server shutdown complete")
	return nil
}
