package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"scanledger/internal/cache"
	"scanledger/internal/config"
	"scanledger/internal/db"
	httpapi "scanledger/internal/http"
	"scanledger/internal/services"
	"scanledger/internal/store"
	"scanledger/internal/store/memory"
	"scanledger/internal/store/postgres"

	"github.com/joho/godotenv"
)

func main() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			log.Printf("[WARN] load .env failed: %v", err)
		}
	} else if !os.IsNotExist(err) {
		log.Printf("[WARN] stat .env failed: %v", err)
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[ERROR] open store: %v", err)
	}
	defer st.Close()

	opts := []services.Option{}
	if cfg.CacheEnabled() {
		statusCache, err := cache.NewRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.StatusCacheTTL)
		if err != nil {
			log.Printf("[WARN] status cache disabled: %v", err)
		} else {
			defer statusCache.Close()
			opts = append(opts, services.WithCache(statusCache))
		}
	}

	svc := services.New(st, cfg, opts...)
	plan, err := svc.RequireDefaultPlan(ctx)
	if err != nil {
		log.Fatalf("[ERROR] catalog check failed: %v", err)
	}
	log.Printf("[INFO] default plan %q: %d scans for %d days", plan.Name, plan.ScanQuota, plan.DurationDays)

	server := httpapi.NewServer(svc, cfg)
	httpServer := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: server.Routes(),
	}

	go func() {
		log.Printf("[INFO] server listening on %s (store=%s)", cfg.ServerAddr, cfg.StoreDriver)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[ERROR] server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] server shutdown error: %v", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		log.Printf("[WARN] using in-memory store: state is lost on exit and one global lock serializes every request, do not run it in production")
		return memory.NewSeeded(), nil
	default:
		if cfg.MigrateOnStart {
			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				return nil, err
			}
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool), nil
	}
}
