package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"sessiond/internal/agent"
	"sessiond/internal/config"
	"sessiond/internal/crypto"
	"sessiond/internal/jobs"
	"sessiond/internal/logging"
	"sessiond/internal/metrics"
	"sessiond/internal/sandbox"
	"sessiond/internal/session"
	"sessiond/internal/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Structured logging (JSON in production, text in dev)
	logging.Init()

	configPath := flag.String("config", "", "path to YAML config file (optional)")
	tenantID := flag.String("tenant", "", "tenant id for one-shot turn mode")
	sessionID := flag.String("session", "", "session id to resume in one-shot turn mode (omit to create)")
	prompt := flag.String("prompt", "", "run a single agent turn with this prompt and exit")
	flag.Parse()

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err == nil {
		log.Println(".env file loaded")
	}

	var cfg *config.Config
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
		cfg = loaded
	} else {
		cfg = config.Load()
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Printf("Configuration loaded (backend: %s, sandbox strategy: %s)", cfg.Backend, cfg.SandboxStrategy)

	metrics.Init()

	// Optional at-rest encryption of session content
	var enc *crypto.EncryptionService
	if cfg.EncryptionMasterKey != "" {
		var err error
		enc, err = crypto.NewEncryptionService(cfg.EncryptionMasterKey)
		if err != nil {
			log.Fatalf("Failed to initialize encryption: %v", err)
		}
		log.Println("Session content encryption enabled")
	}

	store, err := storage.Open(cfg.Backend, cfg.Connection, storage.NewCodec(enc))
	if err != nil {
		log.Fatalf("Failed to open storage backend: %v", err)
	}
	defer store.Close()

	manager := session.NewManager(store, session.Options{
		DefaultTTL: cfg.DefaultTTL(),
	})

	scheduler, err := jobs.NewCleanupScheduler(manager, jobs.CleanupConfig{
		Interval:    cfg.CleanupInterval(),
		CronExpr:    cfg.CleanupCron,
		IdleTimeout: cfg.IdleTimeout(),
	})
	if err != nil {
		log.Fatalf("Failed to build cleanup scheduler: %v", err)
	}
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start cleanup scheduler: %v", err)
	}
	defer scheduler.Stop()

	client := sandbox.NewClient(cfg.SandboxServiceURL)
	correlator, err := sandbox.NewCorrelator(client, sandbox.Config{
		Strategy: cfg.SandboxStrategy,
		Template: cfg.SandboxTemplateID,
		Timeout:  time.Duration(cfg.SandboxTimeoutSeconds) * time.Second,
		PoolSize: cfg.SandboxPoolSize,
		MaxPause: time.Duration(cfg.SandboxMaxPauseSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to build sandbox correlator: %v", err)
	}

	healthCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := client.HealthCheck(healthCtx); err != nil {
		log.Printf("Sandbox service health check failed (turns will fail until it recovers): %v", err)
	}
	cancel()

	// The runner is the in-process entry point for turn execution;
	// transports plug in above this binary.
	runner := agent.NewRunner(manager, correlator, client,
		time.Duration(cfg.SandboxTimeoutSeconds)*time.Second)

	if *prompt != "" {
		runOneTurn(runner, *tenantID, *sessionID, *prompt)
		return
	}

	log.Println("sessiond ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	if p, ok := correlator.(*sandbox.PooledCorrelator); ok {
		drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		p.Drain(drainCtx)
		cancel()
	}
}

// runOneTurn executes a single agent turn and prints the response as JSON.
// Useful as a deployment smoke test.
func runOneTurn(runner *agent.Runner, tenantID, sessionID, prompt string) {
	if tenantID == "" {
		log.Fatal("-tenant is required with -prompt")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	resp, err := runner.RunTurn(ctx, agent.TurnRequest{
		TenantID:  tenantID,
		SessionID: sessionID,
		Prompt:    prompt,
	})
	if err != nil {
		log.Fatalf("Turn failed: %v", err)
	}

	out, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode response: %v", err)
	}
	os.Stdout.Write(append(out, '\n'))
}
