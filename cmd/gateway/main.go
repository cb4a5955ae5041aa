// Command gateway runs the local OpenAI/Anthropic-compatible HTTP gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/antigravity-tools/gateway/internal/account"
	"github.com/antigravity-tools/gateway/internal/auth"
	"github.com/antigravity-tools/gateway/internal/cloudcode"
	"github.com/antigravity-tools/gateway/internal/config"
	"github.com/antigravity-tools/gateway/internal/format"
	"github.com/antigravity-tools/gateway/internal/server"
	"github.com/antigravity-tools/gateway/internal/utils"
	"github.com/antigravity-tools/gateway/pkg/redis"
)

func main() {
	var (
		debugMode bool
		port      int
	)
	flag.BoolVar(&debugMode, "debug", false, "Enable debug logging")
	flag.IntVar(&port, "port", 0, "Listen port (overrides config)")
	flag.Parse()

	dataDir := config.DataDir()
	cfg, err := config.Load(dataDir)
	if err != nil {
		utils.Error("[Startup] Failed to load config: %v", err)
		os.Exit(1)
	}
	if debugMode {
		cfg.Debug = true
		utils.SetDebug(true)
	}
	if port != 0 {
		cfg.Proxy.Port = port
	}

	if err := utils.EnableFileOutput(config.LogsDir(dataDir)); err != nil {
		utils.Warn("[Startup] File logging disabled: %v", err)
	}

	store, err := account.NewStore(dataDir)
	if err != nil {
		utils.Error("[Startup] Failed to open account store: %v", err)
		os.Exit(1)
	}

	// Redis is optional: without it the token cache and signature store fall
	// back to process memory.
	var cache *redis.Client
	if cfg.RedisAddr != "" {
		cache, err = redis.NewClient(redis.Config{Addr: cfg.RedisAddr})
		if err != nil {
			utils.Warn("[Startup] Redis unavailable (%v), continuing without it", err)
			cache = nil
		}
	}

	tracker := cloudcode.NewRateLimitTracker()
	binder := cloudcode.NewSessionBinder(config.SessionBindingTTL)
	pool := account.NewManager(store, auth.NewClient(), tracker, binder, cache)

	count, err := pool.LoadAccounts()
	if err != nil {
		utils.Error("[Startup] Failed to load accounts: %v", err)
		os.Exit(1)
	}
	if count == 0 {
		utils.Warn("[Startup] No accounts configured. Run \"accounts add\" first.")
	} else {
		utils.Debug("[Startup] Pool: %s", strings.Join(pool.Emails(), ", "))
	}

	client := cloudcode.NewClient(cfg.Timeout())
	signatures := format.NewSignatureStore(cache)
	srv := server.New(cfg, pool, client, signatures)

	printBanner(cfg, count)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	case <-quit:
		utils.Info("[Server] Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			utils.Error("[Server] Forced to shutdown: %v", err)
			os.Exit(1)
		}
		if cache != nil {
			cache.Close()
		}
		utils.Success("[Server] Stopped")
	}
}

func printBanner(cfg *config.Config, accounts int) {
	base := fmt.Sprintf("http://localhost:%d", cfg.Proxy.Port)

	fmt.Println("╔══════════════════════════════════════════════════════════════╗")
	fmt.Printf("║            Antigravity Gateway v%-8s                      ║\n", config.Version)
	fmt.Println("╠══════════════════════════════════════════════════════════════╣")
	fmt.Printf("║  Listening:  %-49s ║\n", base)
	fmt.Printf("║  Accounts:   %-49d ║\n", accounts)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/chat/completions  - OpenAI Chat Completions      ║")
	fmt.Println("║    POST /v1/messages          - Anthropic Messages           ║")
	fmt.Println("║    GET  /v1/models            - List available models        ║")
	fmt.Println("║    GET  /healthz              - Health check                 ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with Claude Code:                                     ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=%-31s  ║\n", base)
	fmt.Printf("║    export ANTHROPIC_API_KEY=%-33s ║\n", utils.TruncateString(cfg.Proxy.APIKey, 33))
	fmt.Println("║                                                              ║")
	fmt.Println("║  Add Google accounts:   accounts add                         ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
