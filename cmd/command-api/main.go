package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/pairloom-app/project/internal/app/commandapi"
	"github.com/pairloom-app/project/internal/app/identity"
	"github.com/pairloom-app/project/internal/app/insights"
	"github.com/pairloom-app/project/internal/app/query"
	"github.com/pairloom-app/project/internal/platform/env"
	"github.com/pairloom-app/project/internal/platform/natsutil"
	"github.com/pairloom-app/project/internal/platform/objectstore"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	commandAddr := env.String("COMMAND_API_ADDR", env.DefaultCommandAddr)
	uiOrigin := env.String("UI_ORIGIN", "http://localhost:8081")
	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	jwtSecret := env.String("JWT_SECRET", "dev-insecure-change-me")
	shutdownTimeout := env.Duration("SHUTDOWN_TIMEOUT", 10*time.Second)

	pool, err := pgxpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	if err := waitForIdentitySchema(runCtx, identityRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(jwtSecret))
	entityQuery := query.NewEntityRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.JetStreamPublisher{JS: client.JS}
	service := commandapi.NewService(publisher.Publish)
	handler := commandapi.NewHandler(service, identitySvc, entityQuery, uiOrigin)

	if apiKey := env.String("AI_API_KEY", ""); apiKey != "" {
		handler.Insights = insights.NewClient(
			env.String("AI_BASE_URL", "https://api.openai.com/v1"),
			apiKey,
			env.String("AI_MODEL", ""),
		)
	} else {
		log.Println("AI_API_KEY not set; insight endpoints disabled")
	}

	if bucket := env.String("S3_BUCKET", ""); bucket != "" {
		store, err := objectstore.New(runCtx, objectstore.Config{
			Endpoint:      env.String("S3_ENDPOINT", ""),
			Region:        env.String("S3_REGION", "us-east-1"),
			Bucket:        bucket,
			AccessKey:     env.String("S3_ACCESS_KEY", ""),
			SecretKey:     env.String("S3_SECRET_KEY", ""),
			PublicBaseURL: env.String("S3_PUBLIC_BASE_URL", ""),
		})
		if err != nil {
			log.Fatal(err)
		}
		handler.Uploads = store
	} else {
		log.Println("S3_BUCKET not set; vision uploads disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkCommandAPIReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              commandAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Command API listening on %s\n", commandAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("command-api graceful shutdown failed: %v", err)
	}
}

func waitForIdentitySchema(ctx context.Context, repo *identity.PostgresRepository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = repo.EnsureSchema(attemptCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for identity schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkCommandAPIReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
