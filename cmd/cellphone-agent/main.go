package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/cellphone/internal/agentsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("CELLPHONE_BASE_URL", "http://127.0.0.1:8080"), "cellphone service base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("CELLPHONE_TOKEN")), "bearer token")
	agentID := flag.String("agent", strings.TrimSpace(os.Getenv("CELLPHONE_AGENT")), "agent ID")
	inboxDir := flag.String("inbox-dir", strings.TrimSpace(os.Getenv("CELLPHONE_INBOX_DIR")), "local inbox directory")
	sendDir := flag.String("send-dir", strings.TrimSpace(os.Getenv("CELLPHONE_SEND_DIR")), "local send directory")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("CELLPHONE_AGENT_STATE_FILE")), "state file path")
	peekLimit := flag.Int("peek-limit", intEnv("CELLPHONE_PEEK_LIMIT", 100), "messages per pull")
	interval := flag.Duration("interval", durationEnv("CELLPHONE_SYNC_INTERVAL", 2*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("CELLPHONE_SYNC_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("CELLPHONE_SYNC_TIMEOUT", 15*time.Second), "per-sync timeout")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or CELLPHONE_TOKEN)")
	}
	if strings.TrimSpace(*agentID) == "" {
		log.Fatalf("agent is required (--agent or CELLPHONE_AGENT)")
	}
	if strings.TrimSpace(*inboxDir) == "" {
		log.Fatalf("inbox-dir is required (--inbox-dir or CELLPHONE_INBOX_DIR)")
	}
	if *interval <= 0 {
		*interval = 2 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := agentsync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	bridge, err := agentsync.NewBridge(client, agentsync.BridgeOptions{
		AgentID:   strings.TrimSpace(*agentID),
		InboxDir:  *inboxDir,
		SendDir:   *sendDir,
		StateFile: *stateFile,
		PeekLimit: *peekLimit,
		Logger:    log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize agent bridge: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := bridge.SyncOnce(ctx); err != nil {
			log.Printf("agent sync cycle failed: %v", err)
			return
		}
		log.Printf("agent sync cycle completed")
	}

	run()
	if *once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("agent sync stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
