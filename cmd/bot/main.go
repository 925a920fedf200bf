// Command bot is the process entry point of the multi-account,
// multi-task market-making core.
//
// Architecture:
//
//	main.go                  — wires config, Hub, Supervisor; waits for SIGINT/SIGTERM
//	internal/config          — process-boundary config: account roster, task roster, risk thresholds
//	internal/hub             — Market-Data Hub: one upstream connection per symbol set, reconnect loop
//	internal/supervisor      — Task Supervisor: spawns/stops/crash-isolates one goroutine per task
//	internal/strategy        — Strategy Loop: per-task ladder quoting and reconciliation
//	internal/tracker         — Order Tracker: per-task order state machine
//	internal/risk            — Risk Guard: per-task halt/resume thresholds
//	internal/adapter/restws  — concrete Adapter: resty REST + gorilla/websocket stream
//	internal/signer          — wallet auth (EIP-712) and body-signing capability
//
// One account may back several tasks; one Hub serves every task sharing a
// symbol set, so a single market disconnect only pauses quoting, it never
// tears down unrelated tasks.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perpmm/internal/adapter"
	"perpmm/internal/adapter/restws"
	"perpmm/internal/config"
	"perpmm/internal/hub"
	"perpmm/internal/signer"
	"perpmm/internal/supervisor"
	"perpmm/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("MM_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	clients, err := buildAccountClients(*cfg, logger)
	if err != nil {
		logger.Error("failed to build account clients", "error", err)
		os.Exit(1)
	}

	symbols := make([]string, 0, len(cfg.Tasks))
	seen := make(map[string]bool, len(cfg.Tasks))
	for _, tsk := range cfg.Tasks {
		if !seen[tsk.Symbol] {
			seen[tsk.Symbol] = true
			symbols = append(symbols, tsk.Symbol)
		}
	}

	// Market data is account-agnostic: any one authenticated client can
	// carry the shared upstream stream for the Hub.
	marketStreamer := clients[cfg.Accounts[0].Ref]
	h := hub.New(marketStreamer, symbols, logger)

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		if err := h.Run(rootCtx); err != nil && rootCtx.Err() == nil {
			logger.Error("hub stopped unexpectedly", "error", err)
		}
	}()

	newAdapter := func(taskCfg types.TaskConfiguration) (adapter.Adapter, error) {
		client, ok := clients[taskCfg.AccountRef]
		if !ok {
			return nil, fmt.Errorf("no client built for account %q", taskCfg.AccountRef)
		}
		return client, nil
	}

	resolveCreds := func(accountRef string) (types.CredentialBundle, error) {
		acct, ok := cfg.AccountByRef(accountRef)
		if !ok {
			return types.CredentialBundle{}, fmt.Errorf("account %q not configured", accountRef)
		}
		return types.CredentialBundle{
			Chain:         acct.Chain,
			WalletAddress: acct.WalletAddress,
		}, nil
	}

	sup := supervisor.New(rootCtx, h, newAdapter, resolveCreds, cfg.Risk.ToRiskConfig(), logger)

	go func() {
		for ev := range sup.StatusEvents() {
			logger.Info("task status", "task_id", ev.TaskID, "kind", ev.Status.Kind, "msg", ev.Status.Msg)
		}
	}()

	for _, tsk := range cfg.Tasks {
		client := clients[tsk.AccountRef]
		snap, err := client.QuerySymbolPrice(rootCtx, tsk.Symbol)
		if err != nil {
			logger.Error("failed to fetch initial mark price, skipping task", "task_id", tsk.TaskID, "symbol", tsk.Symbol, "error", err)
			continue
		}

		taskCfg := tsk.ToTaskConfiguration(snap.Mark)
		if err := sup.Spawn(taskCfg); err != nil {
			logger.Error("failed to spawn task", "task_id", tsk.TaskID, "error", err)
			continue
		}
	}

	logger.Info("market maker started", "accounts", len(cfg.Accounts), "tasks", len(cfg.Tasks), "dry_run", cfg.DryRun)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	deadline := time.Duration(cfg.Shutdown.DeadlineSec * float64(time.Second))
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	summary := sup.ShutdownAndWait(deadline)
	for _, outcome := range summary.Tasks {
		logger.Info("task stopped", "task_id", outcome.TaskID, "status", outcome.Status.Kind)
	}

	rootCancel()
	<-hubDone
}

// buildAccountClients constructs one restws.Client per configured account:
// a wallet-auth instance from the account's named env var, a file-backed
// body signer keyed by the account's ref, and the shared REST+WS
// client config.
func buildAccountClients(cfg config.Config, logger *slog.Logger) (map[string]*restws.Client, error) {
	clients := make(map[string]*restws.Client, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		hexKey := os.Getenv(acct.WalletPrivateKeyEnv)
		wallet, err := signer.NewWalletAuth(hexKey, acct.ChainID)
		if err != nil {
			return nil, fmt.Errorf("account %q: build wallet auth: %w", acct.Ref, err)
		}

		keyDir := acct.SessionKeyPath
		if keyDir == "" {
			keyDir = "configs/keys"
		}
		bodySigner, err := signer.LoadOrCreate(keyDir, acct.Ref)
		if err != nil {
			return nil, fmt.Errorf("account %q: load body signer: %w", acct.Ref, err)
		}

		client := restws.New(restws.Config{
			BaseURL: cfg.API.BaseURL,
			WSURL:   cfg.API.WSURL,
			DryRun:  cfg.DryRun,
		}, wallet, bodySigner, logger)

		clients[acct.Ref] = client
	}
	return clients, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
