// Package server exposes the relay, storage and login operations over HTTP.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/stefando/uploadRelay/internal/auth"
	"github.com/stefando/uploadRelay/internal/logging"
	"github.com/stefando/uploadRelay/internal/metrics"
	"github.com/stefando/uploadRelay/internal/relay"
	"github.com/stefando/uploadRelay/internal/storage"
	"github.com/stefando/uploadRelay/internal/upload"
)

// Lister lists and signs bucket contents. *storage.Lister satisfies it.
type Lister interface {
	List(ctx context.Context, bucket string) (*storage.Listing, error)
	URL(ctx context.Context, bucket, key string) (string, error)
	Buckets(ctx context.Context) ([]storage.Bucket, error)
}

// Uploader writes one file to the object store. *upload.UploadService satisfies it.
type Uploader interface {
	UploadFile(ctx context.Context, bucket, prefix string, f *upload.File) (string, error)
}

// Authenticator exchanges credentials for tokens. *auth.LoginService satisfies it.
type Authenticator interface {
	Authenticate(ctx context.Context, req *auth.LoginRequest) (*auth.LoginResponse, error)
	Refresh(ctx context.Context, req *auth.RefreshRequest) (*auth.LoginResponse, error)
}

// Options wires the server's collaborators. Nil brokers answer 503, a nil
// Login leaves the login routes unregistered and a nil Verifier disables
// token verification.
type Options struct {
	DefaultBucket string
	MaxUploadSize int64
	// UploadRateLimit is in requests per second across all upload routes.
	// Zero disables limiting.
	UploadRateLimit float64
	UploadRateBurst int

	Lister   Lister
	Uploader Uploader
	RabbitMQ *relay.Service
	Kafka    *relay.Service
	Login    Authenticator
	Verifier auth.TokenVerifier
}

// Server is the HTTP front of the relay.
type Server struct {
	opts   Options
	router chi.Router
}

// New builds the router.
func New(opts Options) *Server {
	s := &Server{opts: opts}
	s.router = s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	// Middleware for all routes
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(auth.IdentityMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.opts.Login != nil {
			r.Post("/login", s.handleLogin)
			r.Post("/refresh", s.handleRefresh)
		}

		r.Group(func(r chi.Router) {
			if s.opts.Verifier != nil {
				r.Use(auth.RequireToken(s.opts.Verifier))
			}

			r.Get("/buckets", s.handleBuckets)
			r.Get("/files", s.handleFiles)
			r.Post("/files", s.handleFiles)
			r.Get("/files/url", s.handleFileURL)
			r.Get("/files/tree", s.handleTree)

			r.Group(func(r chi.Router) {
				if s.opts.UploadRateLimit > 0 {
					r.Use(rateLimit(rate.NewLimiter(rate.Limit(s.opts.UploadRateLimit), s.opts.UploadRateBurst)))
				}

				r.Post("/upload", s.handleUpload)
				r.Post("/rabit-mq", s.relayHandler(s.opts.RabbitMQ))
				r.Post("/rabbitmq", s.relayHandler(s.opts.RabbitMQ))
				r.Post("/kafka-producer", s.relayHandler(s.opts.Kafka))
			})
		})
	})

	return r
}

// rateLimit rejects requests beyond the limiter's budget with 429.
func rateLimit(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
