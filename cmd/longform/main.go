package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/term"

	"longform/internal/httpapi"
	"longform/internal/orch"
	"longform/pkg/config"
	"longform/pkg/logx"
	"longform/pkg/persistence"
)

// Version information - set by goreleaser via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const shutdownGrace = 30 * time.Second

func main() {
	var (
		workDir     = flag.String("workdir", ".", "Work directory (holds .longform/ and output/)")
		noAPI       = flag.Bool("noapi", false, "Disable the HTTP API server")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("longform %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		os.Exit(0)
	}

	fmt.Println("⏳ Starting up...")

	os.Exit(run(*workDir, *noAPI))
}

// run contains the main daemon logic and returns an exit code.
// This allows defers to execute before os.Exit is called.
func run(workDir string, noAPI bool) int {
	logger := logx.NewLogger("longform")

	if workDir == "." {
		logger.Warn("⚠️  -workdir not set. Using the current directory.")
	}

	if err := config.LoadConfig(workDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	if err := unlockSecrets(workDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to unlock secrets: %v\n", err)
		return 1
	}

	cfg, err := config.GetConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config not available: %v\n", err)
		return 1
	}

	// History database. One session row per daemon run; rows left active by
	// a previous run mean that run crashed.
	sessionID := persistence.GenerateSessionID()
	dbPath := filepath.Join(workDir, config.ConfigDir, config.DatabaseFilename)
	if err := persistence.Initialize(dbPath, sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize database: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := persistence.Close(); closeErr != nil {
			logger.Warn("⚠️  Failed to close database: %v", closeErr)
		}
	}()

	db := persistence.GetDB()
	if stale, markErr := persistence.MarkStaleSessions(db); markErr != nil {
		logger.Warn("⚠️  Failed to mark stale sessions: %v", markErr)
	} else if stale > 0 {
		logger.Info("🔄 Marked %d stale session(s) as crashed; paused projects can be resumed", stale)
	}

	configJSON, err := persistence.ConfigSnapshotToJSON(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to snapshot config: %v\n", err)
		return 1
	}
	if err := persistence.CreateSession(db, sessionID, configJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create session: %v\n", err)
		return 1
	}

	manager, err := orch.NewManager(workDir, *cfg.Generation, persistence.Ops())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create manager: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if !noAPI && cfg.Server != nil && cfg.Server.Enabled {
		if err := httpapi.NewServer(manager).StartServer(ctx, cfg.Server); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to start API server: %v\n", err)
			return 1
		}
	} else {
		logger.Info("📝 HTTP API disabled; projects can only be driven by a co-resident process")
	}

	logger.Info("🚀 Longform daemon ready (session %s)", sessionID)
	logger.Info("📁 Working directory: %s", workDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("🔄 Received %s, shutting down", sig)

	// Pause running pipelines and wait for them to reach a suspension point.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warn("⚠️  Shutdown incomplete: %v", err)
	}
	cancel()

	if err := persistence.UpdateSessionStatus(db, sessionID, persistence.SessionStatusShutdown); err != nil {
		logger.Warn("⚠️  Failed to mark session shutdown: %v", err)
	}

	logger.Info("✅ Shutdown complete")
	return 0
}

// unlockSecrets loads API credentials from the encrypted secrets file if one
// exists. The password comes from LONGFORM_PASSWORD or an interactive prompt;
// it doubles as the HTTP API basic-auth password.
func unlockSecrets(workDir string) error {
	if !config.SecretsFileExists(workDir) {
		return nil
	}

	password := os.Getenv("LONGFORM_PASSWORD")
	if password == "" {
		if !term.IsTerminal(syscall.Stdin) {
			return fmt.Errorf("secrets file exists but no password available (set LONGFORM_PASSWORD or run interactively)")
		}
		fmt.Print("🔐 Enter password to unlock secrets: ")
		passwordBytes, err := term.ReadPassword(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = string(passwordBytes)
		for i := range passwordBytes {
			passwordBytes[i] = 0
		}
	}

	secrets, err := config.DecryptSecretsFile(workDir, password)
	if err != nil {
		return fmt.Errorf("failed to decrypt secrets file: %w", err)
	}

	config.SetDecryptedSecrets(secrets)
	config.SetDaemonPassword(password)
	logx.Infof("✅ Secrets unlocked (%d credential(s) loaded)", len(secrets))
	return nil
}
