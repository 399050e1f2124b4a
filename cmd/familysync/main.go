package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/familysync/familysync/internal/calendar"
	"github.com/familysync/familysync/internal/config"
	"github.com/familysync/familysync/internal/familysync"
	"github.com/familysync/familysync/internal/httpapi"
	"github.com/familysync/familysync/internal/push"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "vapid-keys" {
		publicKey, privateKey, err := push.GenerateVAPIDKeys()
		if err != nil {
			log.Fatalf("failed to generate vapid keys: %v", err)
		}
		fmt.Printf("APP_VAPID_PUBLIC_KEY=%s\nAPP_VAPID_PRIVATE_KEY=%s\n", publicKey, privateKey)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	stateDSN, queueDSN, err := storageDSNs(cfg)
	if err != nil {
		log.Fatalf("failed to resolve storage backends: %v", err)
	}
	stateBackend, err := familysync.BuildStateBackendFromDSN(stateDSN)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	deliveries, err := familysync.BuildDeliveryQueueFromDSN(queueDSN, cfg.Push.QueueCapacity)
	if err != nil {
		log.Fatalf("failed to initialize push delivery queue: %v", err)
	}
	defer deliveries.Close()

	store := familysync.NewStoreWithOptions(familysync.StoreOptions{
		StateBackend: stateBackend,
		Logger:       log.Default(),
	})
	defer store.Close()

	notifier := push.NewNotifier(push.NotifierOptions{
		Audience:   store,
		Queue:      deliveries,
		BatchDelay: cfg.Push.BatchDelay,
		Logger:     log.Default(),
	})
	dispatcher := push.NewDispatcher(push.DispatcherOptions{
		Queue:         deliveries,
		Subscriptions: store,
		Sender:        buildSender(cfg),
		Workers:       cfg.Push.Workers,
		Logger:        log.Default(),
	})

	hub := httpapi.NewStreamHub()
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:         cfg.Auth.JWTSecret,
		TokenTTL:          cfg.Auth.TokenTTL,
		MaxBodyBytes:      cfg.HTTP.MaxBodyBytes,
		RateLimitRPS:      cfg.HTTP.RateLimitRPS,
		RateLimitBurst:    cfg.HTTP.RateLimitBurst,
		AllowedOrigins:    cfg.HTTP.CORSOrigins,
		VAPIDPublicKey:    cfg.Push.VAPIDPublic,
		PrometheusEnabled: cfg.PrometheusEnabled,
		RequestLogging:    true,
		Notifier:          notifier,
		Push:              dispatcher,
		Calendar:          buildImporter(cfg),
		Hub:               hub,
		Logger:            log.Default(),
	})

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	dispatcher.Start(rootCtx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("familysync listening on %s (state=%s, push queue=%s)", cfg.ListenAddr, schemeOf(stateDSN), schemeOf(queueDSN))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server failed: %v", err)
		}
	case <-rootCtx.Done():
		log.Printf("familysync stopping: %v", rootCtx.Err())
	}

	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	notifier.Stop()
	stop()
	dispatcher.Wait()
}

func buildSender(cfg *config.Config) push.Sender {
	sender, err := push.NewWebPushSender(push.VAPIDConfig{
		PublicKey:  cfg.Push.VAPIDPublic,
		PrivateKey: cfg.Push.VAPIDPrivate,
		Subject:    cfg.Push.VAPIDSubject,
	}, &http.Client{Timeout: 15 * time.Second})
	if errors.Is(err, push.ErrNotConfigured) {
		log.Printf("push notifications disabled: VAPID keys not configured")
		return nil
	}
	if err != nil {
		log.Fatalf("failed to initialize push sender: %v", err)
	}
	return sender
}

func buildImporter(cfg *config.Config) httpapi.CalendarImporter {
	importer, err := calendar.NewGoogleImporter(calendar.Options{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
	})
	if errors.Is(err, calendar.ErrNotConfigured) {
		log.Printf("google calendar import disabled: client credentials not configured")
		return nil
	}
	if err != nil {
		log.Fatalf("failed to initialize google calendar importer: %v", err)
	}
	return importer
}

// storageDSNs resolves the state and push queue DSNs. Explicit DSNs win over
// the backend profile; with neither, everything stays in memory.
func storageDSNs(cfg *config.Config) (stateDSN, queueDSN string, err error) {
	profileState, profileQueue, err := storageProfileDefaults(cfg.State.Profile, cfg.State.DataDir, cfg.State.PostgresDSN)
	if err != nil {
		return "", "", err
	}
	stateDSN = firstNonEmpty(cfg.State.DSN, profileState, "memory://")
	queueDSN = firstNonEmpty(cfg.Push.QueueDSN, profileQueue, "memory://")
	return stateDSN, queueDSN, nil
}

func storageProfileDefaults(profile, dataDir, postgresDSN string) (stateDSN, queueDSN string, err error) {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if strings.TrimSpace(dataDir) == "" {
		dataDir = ".familysync"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		postgresDSN = strings.TrimSpace(postgresDSN)
		if postgresDSN == "" {
			return "", "", fmt.Errorf("APP_POSTGRES_DSN is required when APP_BACKEND_PROFILE=%s", profile)
		}
		return postgresDSN, postgresDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"),
			"file://" + filepath.Join(dataDir, "push-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported APP_BACKEND_PROFILE: %s", profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func schemeOf(dsn string) string {
	if idx := strings.Index(dsn, "://"); idx > 0 {
		return dsn[:idx]
	}
	return "file"
}
