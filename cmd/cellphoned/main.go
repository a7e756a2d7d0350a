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
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/cellphone/internal/cellphone"
	"github.com/agentworkforce/cellphone/internal/httpapi"
	"github.com/agentworkforce/cellphone/internal/mailbox"
	"github.com/agentworkforce/cellphone/internal/permits"
	"github.com/agentworkforce/cellphone/internal/responder"
	"github.com/agentworkforce/cellphone/internal/retry"
	"github.com/agentworkforce/cellphone/internal/tracker"
)

func main() {
	logger, err := buildLogger()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	addr := os.Getenv("CELLPHONE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	backendFactory, deliveryQueue, trackerBackend, err := buildStorageFromEnv()
	if err != nil {
		logger.Fatal("failed to initialize storage backends", zap.Error(err))
	}

	hub := httpapi.NewEventHub()
	defer hub.Close()

	store := mailbox.NewStore(mailbox.StoreOptions{
		Backends:     backendFactory,
		MaxEntries:   intEnv("CELLPHONE_MAX_STORED_MESSAGES", 0),
		RetentionAge: durationEnv("CELLPHONE_RETENTION_AGE", 0),
		Notify:       hub.Sink(),
	})
	defer store.Close()

	registry := buildRegistryFromEnv(logger)

	policy := retry.NewPolicy(
		intEnv("CELLPHONE_MAX_DELIVERY_ATTEMPTS", retry.DefaultMaxAttempts),
		durationEnv("CELLPHONE_RETRY_BASE_DELAY", retry.DefaultBaseDelay),
		durationEnv("CELLPHONE_RETRY_MAX_DELAY", retry.DefaultMaxDelay),
	)
	phone, err := cellphone.New(cellphone.Options{
		Store:    store,
		Queue:    deliveryQueue,
		Registry: registry,
		Retry:    policy,
		Logger:   logger.Named("delivery"),
		Workers:  intEnv("CELLPHONE_DELIVERY_WORKERS", 0),
	})
	if err != nil {
		logger.Fatal("failed to initialize delivery service", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	phone.Start(ctx)
	defer phone.Stop()

	respTracker, err := tracker.New(tracker.Options{
		Backend:     trackerBackend,
		MaxAttempts: intEnv("CELLPHONE_MAX_RESPONSE_ATTEMPTS", 0),
		Notify:      hub.Sink(),
	})
	if err != nil {
		logger.Fatal("failed to initialize response tracker", zap.Error(err))
	}

	workerPermits := permits.NewManager(intEnv("CELLPHONE_RESPONSE_WORKERS", permits.DefaultCapacity))

	outboxDir := strings.TrimSpace(os.Getenv("CELLPHONE_OUTBOX_DIR"))
	if outboxDir != "" {
		daemon, err := responder.NewDaemon(responder.Options{
			OutboxDir:    outboxDir,
			ArchiveDir:   strings.TrimSpace(os.Getenv("CELLPHONE_ARCHIVE_DIR")),
			FailedDir:    strings.TrimSpace(os.Getenv("CELLPHONE_FAILED_DIR")),
			Tracker:      respTracker,
			Permits:      workerPermits,
			Logger:       logger.Named("responder"),
			PollInterval: durationEnv("CELLPHONE_OUTBOX_POLL_INTERVAL", 0),
			StaleAfter:   durationEnv("CELLPHONE_RESPONSE_STALE_AFTER", 0),
			Watch:        boolEnv("CELLPHONE_OUTBOX_WATCH", true),
		})
		if err != nil {
			logger.Fatal("failed to initialize response daemon", zap.Error(err))
		}
		if err := daemon.RegisterHandler("", notifyHandler(phone, logger)); err != nil {
			logger.Fatal("failed to register response handler", zap.Error(err))
		}
		go func() {
			if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("response daemon stopped", zap.Error(err))
			}
		}()
	}

	server := httpapi.NewServerWithConfig(httpapi.Deps{
		Store:    store,
		Phone:    phone,
		Registry: registry,
		Tracker:  respTracker,
		Queue:    deliveryQueue,
		Permits:  workerPermits,
		Hub:      hub,
	}, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("CELLPHONE_JWT_SECRET"),
		RateLimitMax:    intEnv("CELLPHONE_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CELLPHONE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CELLPHONE_MAX_BODY_BYTES", 0),
	})

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("cellphoned listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// notifyHandler relays each completed response artifact to a configured
// recipient. Without CELLPHONE_NOTIFY_RECIPIENT the artifact is only
// logged and archived.
func notifyHandler(phone *cellphone.CellPhone, logger *zap.Logger) responder.Handler {
	recipient := strings.TrimSpace(os.Getenv("CELLPHONE_NOTIFY_RECIPIENT"))
	sender := strings.TrimSpace(os.Getenv("CELLPHONE_NOTIFY_SENDER"))
	if sender == "" {
		sender = "response-loop"
	}
	return func(ctx context.Context, item tracker.ResponseItem, artifact responder.ResponseArtifact) error {
		if recipient == "" {
			logger.Info("response artifact handled",
				zap.String("item_id", item.ItemID),
				zap.String("status", artifact.Status))
			return nil
		}
		body := fmt.Sprintf(`{"itemId":%q,"status":%q,"response":%q,"error":%q}`,
			item.ItemID, artifact.Status, artifact.Response, artifact.Error)
		_, err := phone.Send(ctx, sender, recipient, mailbox.Payload{
			Kind: "response.notification",
			Body: []byte(body),
		}, mailbox.PriorityNormal)
		return err
	}
}

func buildLogger() (*zap.Logger, error) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("CELLPHONE_LOG_MODE")), "development") {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildRegistryFromEnv(logger *zap.Logger) *cellphone.Registry {
	registry := cellphone.NewRegistry()
	for _, spec := range strings.Split(os.Getenv("CELLPHONE_AGENTS"), ",") {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		id, role := spec, cellphone.RoleAgent
		if idx := strings.Index(spec, ":"); idx >= 0 {
			id = strings.TrimSpace(spec[:idx])
			role = strings.TrimSpace(spec[idx+1:])
		}
		if err := registry.Register(id, role); err != nil {
			logger.Warn("skipping invalid agent spec", zap.String("spec", spec), zap.Error(err))
		}
	}
	if captain := strings.TrimSpace(os.Getenv("CELLPHONE_CAPTAIN")); captain != "" {
		if err := registry.Register(captain, cellphone.RoleCaptain); err != nil {
			logger.Warn("invalid captain id", zap.String("id", captain), zap.Error(err))
		}
	}
	return registry
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func buildStorageFromEnv() (mailbox.BackendFactory, mailbox.DeliveryQueue, tracker.StateBackend, error) {
	mailboxDSN, queueDSN, trackerDSN, err := storageProfileDefaultsFromEnv()
	if err != nil {
		return nil, nil, nil, err
	}
	if dsn := strings.TrimSpace(os.Getenv("CELLPHONE_MAILBOX_DSN")); dsn != "" {
		mailboxDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("CELLPHONE_DELIVERY_QUEUE_DSN")); dsn != "" {
		queueDSN = dsn
	}
	if dsn := strings.TrimSpace(os.Getenv("CELLPHONE_TRACKER_DSN")); dsn != "" {
		trackerDSN = dsn
	}

	backendFactory, err := mailbox.BuildBackendFactoryFromDSN(mailboxDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	deliveryQueue, err := mailbox.BuildDeliveryQueueFromDSN(queueDSN, intEnv("CELLPHONE_DELIVERY_QUEUE_SIZE", 0))
	if err != nil {
		return nil, nil, nil, err
	}
	trackerBackend, err := tracker.BuildBackendFromDSN(trackerDSN)
	if err != nil {
		return nil, nil, nil, err
	}
	return backendFactory, deliveryQueue, trackerBackend, nil
}

func storageProfileDefaultsFromEnv() (mailboxDSN, queueDSN, trackerDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("CELLPHONE_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("CELLPHONE_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".cellphone"
	}
	switch profile {
	case "", "custom":
		return "", "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("CELLPHONE_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("CELLPHONE_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", "", "", fmt.Errorf("CELLPHONE_PRODUCTION_DSN or CELLPHONE_POSTGRES_DSN is required when CELLPHONE_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, productionDSN, productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "mailboxes"),
			"file://" + filepath.Join(dataDir, "delivery-queue.json"),
			"file://" + filepath.Join(dataDir, "tracker.json"),
			nil
	default:
		return "", "", "", fmt.Errorf("unsupported CELLPHONE_BACKEND_PROFILE: %s", profile)
	}
}
