package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"wastetrack/internal/logging"
)

// RouterOptions configure the HTTP surface.
type RouterOptions struct {
	CORSOrigins    []string
	PublishRate    int // requests per PublishWindow per IP; 0 disables
	PublishWindow  time.Duration
	StreamInterval time.Duration
}

// Router returns the relay's HTTP handler.
func (r *Relay) Router(opts RouterOptions) http.Handler {
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	mux := chi.NewRouter()
	mux.Use(chimiddleware.RealIP)
	mux.Use(chimiddleware.Recoverer)
	mux.Use(withLogging(logging.Component("http")))
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Collector-ID"},
		MaxAge:         300,
	}))

	mux.Get("/api/health", r.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/socket", r.hub.ServeHTTP)

	mux.Route("/api/locations", func(api chi.Router) {
		api.Get("/collectors", r.handleCollectors)
		api.Get("/collectors.pb", r.handleCollectorsFeed)
		api.Get("/admin/collectors", r.handleAdminCollectors)
		api.Get("/nearby", r.handleNearby)
		api.Get("/stream", r.streamHandler(opts.StreamInterval))

		publish := api.With()
		if opts.PublishRate > 0 && opts.PublishWindow > 0 {
			publish = api.With(httprate.Limit(
				opts.PublishRate,
				opts.PublishWindow,
				httprate.WithKeyFuncs(httprate.KeyByIP),
				httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
					writeError(w, http.StatusTooManyRequests, "too many location updates")
				}),
			))
		}
		publish.Post("/update", r.handleUpdate)
	})
	return mux
}

func withLogging(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)
			log.Debug().
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// Server runs the HTTP listener as a supervised service.
type Server struct {
	srv             *http.Server
	shutdownTimeout time.Duration
	log             zerolog.Logger
	hub             *Hub
}

// NewServer returns a server for h on addr.
func NewServer(addr string, h http.Handler, hub *Hub, shutdownTimeout time.Duration) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		log:             logging.Component("http"),
		hub:             hub,
	}
}

// Serve listens until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("relay listening")
		errc <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutdown initiated")
	if s.hub != nil {
		s.hub.Close()
	}
	sctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(sctx); err != nil {
		s.log.Error().Err(err).Msg("http shutdown")
	} else {
		s.log.Info().Msg("http server shut down")
	}
	return ctx.Err()
}

func (s *Server) String() string { return "http:" + s.srv.Addr }
