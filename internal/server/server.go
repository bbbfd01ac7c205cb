// Package server assembles the HTTP API and runs it until its context ends.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"bookloans/internal/borrow"
	"bookloans/internal/catalog"
	"bookloans/internal/httpx"
	"bookloans/internal/users"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the services behind the API.
type Deps struct {
	Borrow   borrow.Service
	Catalog  catalog.Service
	Users    users.Service
	Verifier httpx.TokenVerifier
	Health   Pinger
	Logger   *slog.Logger
}

// NewRouter mounts every endpoint. Registration, login and catalog reads are
// public; everything else requires a bearer token.
func NewRouter(d Deps) http.Handler {
	borrowHandler := borrow.NewHandler(d.Borrow, d.Logger)
	catalogHandler := catalog.NewHandler(d.Catalog, d.Logger)
	userHandler := users.NewHandler(d.Users, d.Logger)
	authenticate := httpx.Authenticate(d.Verifier, d.Logger)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(httpx.CorrelationID)
	r.Use(httpx.Trace)
	r.Use(httpx.RequestLogger(d.Logger))

	r.Get("/healthz", healthz(d.Health, d.Logger))

	r.Route("/users", func(r chi.Router) {
		r.Post("/register", userHandler.HandleRegister)
		r.Post("/login", userHandler.HandleLogin)
		r.Group(func(r chi.Router) {
			r.Use(authenticate)
			r.Get("/", userHandler.HandleListUsers)
			r.Patch("/", userHandler.HandleUpdateProfile)
			r.Patch("/change-password", userHandler.HandleChangePassword)
			r.Get("/{userId}", userHandler.HandleGetUser)
			r.Delete("/{userId}", userHandler.HandleDeleteUser)
		})
	})

	r.Route("/books", func(r chi.Router) {
		catalogHandler.ReadRoutes(r)
		r.Group(func(r chi.Router) {
			r.Use(authenticate)
			catalogHandler.WriteRoutes(r)
		})
	})

	for path, kind := range map[string]catalog.FacetKind{
		"/authors":    catalog.FacetAuthor,
		"/categories": catalog.FacetCategory,
	} {
		h := catalog.NewFacetHandler(d.Catalog, kind, d.Logger)
		r.Route(path, func(r chi.Router) {
			h.ReadRoutes(r)
			r.Group(func(r chi.Router) {
				r.Use(authenticate)
				h.WriteRoutes(r)
			})
		})
	}

	r.Route("/borrow", func(r chi.Router) {
		r.Use(authenticate)
		borrowHandler.Routes(r)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, r, http.StatusNotFound, "Resource not found.", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, r, http.StatusMethodNotAllowed, "Method not allowed.", nil)
	})
	return r
}

func healthz(p Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			logger.ErrorContext(r.Context(), "health check failed", "error", err)
			httpx.JSON(w, r, http.StatusServiceUnavailable, "Storage unavailable.", nil)
			return
		}
		httpx.JSON(w, r, http.StatusOK, "OK", nil)
	}
}

// Server wraps http.Server with graceful shutdown.
type Server struct {
	srv             *http.Server
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

func New(addr string, handler http.Handler, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger:          logger,
		shutdownTimeout: shutdownTimeout,
	}
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.srv.BaseContext = func(net.Listener) context.Context { return context.WithoutCancel(ctx) }

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
