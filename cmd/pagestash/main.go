package main

import (
	"log"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/pagestash/pagestash/internal/httpapi"
	"github.com/pagestash/pagestash/internal/pagestash"
)

type config struct {
	Addr            string        `env:"PAGESTASH_ADDR" envDefault:":8080"`
	BackendDSN      string        `env:"PAGESTASH_BACKEND_DSN"`
	AuthToken       string        `env:"PAGESTASH_AUTH_TOKEN"`
	RateLimitMax    int           `env:"PAGESTASH_RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `env:"PAGESTASH_RATE_LIMIT_WINDOW" envDefault:"1m"`
	MaxBodyBytes    int64         `env:"PAGESTASH_MAX_BODY_BYTES"`
}

func main() {
	cfg, err := env.ParseAs[config]()
	if err != nil {
		log.Fatalf("failed to parse configuration: %v", err)
	}

	backend, err := pagestash.BuildBackendFromDSN(cfg.BackendDSN)
	if err != nil {
		log.Fatalf("failed to initialize backend: %v", err)
	}
	if cfg.BackendDSN == "" {
		log.Printf("no PAGESTASH_BACKEND_DSN set, items will not survive restarts")
	}

	store, err := pagestash.NewStore(backend)
	if err != nil {
		log.Fatalf("failed to initialize item store: %v", err)
	}
	defer store.Close()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		AuthToken:       cfg.AuthToken,
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
		MaxBodyBytes:    cfg.MaxBodyBytes,
	})

	log.Printf("pagestash listening on %s", cfg.Addr)
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
