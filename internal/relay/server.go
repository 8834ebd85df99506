package relay

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
)

// Config is the relay process's environment/flag surface (§12, §6).
type Config struct {
	Addr     string
	RedisURL string
}

// ConfigFromEnv reads PORT (default 3001) and REDIS_URL, matching the
// teacher's os.Getenv-based configuration style.
func ConfigFromEnv() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3001"
	}
	return Config{Addr: ":" + port, RedisURL: os.Getenv("REDIS_URL")}
}

// NewRouter builds the relay's HTTP surface: a per-document WebSocket
// upgrade route and a health check, both routed through gorilla/mux as
// the teacher's server does.
func NewRouter(ctx context.Context, reg *Registry, logger *log.Logger) *mux.Router {
	if logger == nil {
		logger = log.New(log.Writer(), "[relay] ", log.LstdFlags)
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	r.HandleFunc("/ws/{docID}", func(w http.ResponseWriter, req *http.Request) {
		docID := mux.Vars(req)["docID"]
		if docID == "" {
			http.Error(w, "missing docID", http.StatusBadRequest)
			return
		}
		hub := reg.HubFor(ctx, docID)
		if err := ServeWS(ctx, hub, w, req); err != nil {
			logger.Printf("doc %s: upgrade failed: %v", docID, err)
		}
	})

	return r
}

// Serve runs the relay's HTTP server until ctx is cancelled, then shuts
// it down gracefully.
func Serve(ctx context.Context, cfg Config, reg *Registry, logger *log.Logger) error {
	if logger == nil {
		logger = log.New(log.Writer(), "[relay] ", log.LstdFlags)
	}

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      NewRouter(ctx, reg, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Printf("relay listening on %s", cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
