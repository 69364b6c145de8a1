// Package api exposes refresh, status, index and auto-mapping over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/snapetech/epgmux/internal/channels"
	"github.com/snapetech/epgmux/internal/epgstore"
	"github.com/snapetech/epgmux/internal/refresh"
)

// Catalog is the source and channel store the handlers read and write.
type Catalog interface {
	ListSources(ctx context.Context) ([]channels.Source, error)
	RefreshSources(ctx context.Context) ([]refresh.Source, error)
	AddSource(ctx context.Context, name, url string) (channels.Source, error)
	ListChannels(ctx context.Context, sourceType string) ([]channels.Channel, error)
	AssignEPG(ctx context.Context, channelID int64, tvgID, label string) error
}

type Server struct {
	Addr      string
	Catalog   Catalog
	Store     *epgstore.Store
	Refresher *refresh.Orchestrator
	// MinScore is the auto-mapping threshold when a request does not set one.
	MinScore float64
	// RateLimit and Burst throttle the POST endpoints; zero disables.
	RateLimit rate.Limit
	Burst     int
	// Gatherer backs /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer

	// baseCtx outlives requests so background refreshes are not cancelled
	// when the triggering request returns.
	baseCtx context.Context
}

// Handler builds the router. ctx scopes background refreshes it starts.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.baseCtx = ctx
	gatherer := s.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/guide.xml", s.handleGuide).Methods(http.MethodGet, http.MethodHead)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/epg/status", s.handleStatus).Methods(http.MethodGet)
	a.HandleFunc("/epg/channels", s.handleEPGChannels).Methods(http.MethodGet)
	a.HandleFunc("/epg/names", s.handleEPGNames).Methods(http.MethodGet)
	a.HandleFunc("/epg/sources", s.handleListSources).Methods(http.MethodGet)

	limit := s.limiter()
	a.Handle("/epg/sources", limit(http.HandlerFunc(s.handleAddSource))).Methods(http.MethodPost)
	a.Handle("/epg/refresh", limit(http.HandlerFunc(s.handleRefresh))).Methods(http.MethodPost)
	a.Handle("/mapping/auto", limit(http.HandlerFunc(s.handleAutoMap))).Methods(http.MethodPost)
	a.Handle("/channels/{id:[0-9]+}/assign-epg", limit(http.HandlerFunc(s.handleAssign))).Methods(http.MethodPost)

	return logRequests(r)
}

// Run blocks until ctx is cancelled or the server fails to start. On shutdown it stops
// accepting new connections and waits briefly for in-flight requests to finish.
func (s *Server) Run(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = ":8000"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("api: listening on %s", addr)
		serverErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		log.Print("api: shutting down ...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("api: shutdown: %v", err)
		}
		<-serverErr
		return nil
	}
}

func (s *Server) limiter() func(http.Handler) http.Handler {
	if s.RateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	burst := s.Burst
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(s.RateLimit, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !lim.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		status := lw.status
		if status == 0 {
			status = http.StatusOK
		}
		log.Printf("http: %s %s status=%d bytes=%d dur=%s remote=%s",
			r.Method, r.URL.Path, status, lw.bytes, time.Since(start).Round(time.Millisecond), r.RemoteAddr)
	})
}
