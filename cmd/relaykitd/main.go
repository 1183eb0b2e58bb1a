// Command relaykitd runs the gateway's HTTP server: the public dispatch
// surface, the admin API, and the background health/recovery/cleanup
// workers.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gateway "github.com/relaykit/gateway"
	"github.com/relaykit/gateway/internal/admin"
	"github.com/relaykit/gateway/internal/logging"
	"github.com/relaykit/gateway/internal/version"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var cfg gateway.Config
	if cfgPath := os.Getenv("GATEWAY_CONFIG"); cfgPath != "" {
		loaded, err := gateway.LoadConfig(cfgPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		cfg = *loaded
	} else {
		cfg = gateway.Default()
	}
	if err := gateway.ValidateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logging.Setup(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	gw, err := gateway.New(cfg)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Printf("error closing gateway: %v", err)
		}
	}()

	jwtSecret := cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("GATEWAY_JWT_SECRET")
	}
	sessionTimeout := time.Duration(cfg.Auth.SessionTimeoutSeconds) * time.Second
	adminAPI := &admin.API{
		Store:      gw.Store(),
		Tracker:    gw.Tracker(),
		Pool:       gw.Pool(),
		JWTSecret:  []byte(jwtSecret),
		TokenTTL:   sessionTimeout,
		BootToken:  os.Getenv("GATEWAY_ADMIN_BOOT_TOKEN"),
	}

	r := chi.NewRouter()
	r.Mount("/", gw.Handler())
	r.Mount("/admin", adminAPI.Routes())
	r.Handle("/metrics", promhttp.Handler())

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses may run long; bounded by each group's own timeout
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	go gw.StartWorkers(workerCtx)

	go func() {
		<-ctx.Done()
		log.Println("shutting down gracefully...")
		stopWorkers()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
	}()

	log.Printf("relaykit gateway %s listening on %s", version.Short(), addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("server error: %v", err)
	}
	log.Println("server stopped.")
}
