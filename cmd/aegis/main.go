package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aegisproxy/aegis/internal/alert"
	"github.com/aegisproxy/aegis/internal/anomaly"
	"github.com/aegisproxy/aegis/internal/api"
	"github.com/aegisproxy/aegis/internal/audit"
	"github.com/aegisproxy/aegis/internal/block"
	"github.com/aegisproxy/aegis/internal/config"
	"github.com/aegisproxy/aegis/internal/constraint"
	"github.com/aegisproxy/aegis/internal/cost"
	"github.com/aegisproxy/aegis/internal/decision"
	"github.com/aegisproxy/aegis/internal/enforcer"
	"github.com/aegisproxy/aegis/internal/engine"
	"github.com/aegisproxy/aegis/internal/gateway"
	"github.com/aegisproxy/aegis/internal/obligation"
	"github.com/aegisproxy/aegis/internal/policy"
	"github.com/aegisproxy/aegis/internal/ratelimit"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "aegis",
		Short: "Policy-enforcement proxy for AI agents",
		Long:  "AEGIS — a policy-enforcement proxy that sits between AI agents and their tools.\nEvery tool call is decided by rules and an AI judge, shaped by constraints, and audited.",
	}

	var configFile string
	var port int

	// ─── start ───
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the AEGIS gateway and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(configFile, port)
		},
	}
	startCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file (default: aegis.yaml)")
	startCmd.Flags().IntVarP(&port, "port", "p", 0, "Override HTTP port (default: 6780)")

	// ─── init ───
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Generate starter config and sample policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}

	// ─── status ───
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show a running instance's stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(port)
		},
	}
	statusCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")

	// ─── version ───
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("AEGIS %s\n", version)
			fmt.Printf("  Commit:  %s\n", commit)
			fmt.Printf("  Built:   %s\n", buildDate)
		},
	}

	// ─── policy ───
	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Policy management commands",
	}

	policyValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Parse and validate the policy directory offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyValidate(configFile)
		},
	}
	policyValidateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to config file")

	policyListCmd := &cobra.Command{
		Use:   "list",
		Short: "Show the active policy set of a running instance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPolicyList(port)
		},
	}
	policyListCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")

	policyReloadCmd := &cobra.Command{
		Use:   "reload",
		Short: "Hot-reload the policy directory without restart",
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := authedRequest(http.MethodPost, fmt.Sprintf("http://localhost:%d/api/policies/reload", p), nil)
			if err != nil {
				return fmt.Errorf("failed to connect to AEGIS: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode == http.StatusOK {
				fmt.Println("✓ Policies reloaded")
			} else {
				fmt.Printf("✗ Reload failed (HTTP %d)\n", resp.StatusCode)
			}
			return nil
		},
	}
	policyReloadCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")

	policyCmd.AddCommand(policyValidateCmd, policyListCmd, policyReloadCmd)

	// ─── audit ───
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log inspection commands",
	}

	var auditAgent string
	var auditVerdict string
	auditListCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuditList(port, auditAgent, auditVerdict)
		},
	}
	auditListCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")
	auditListCmd.Flags().StringVar(&auditAgent, "agent", "", "Filter by agent")
	auditListCmd.Flags().StringVar(&auditVerdict, "verdict", "", "Filter by verdict (PERMIT, DENY)")

	auditVerifyCmd := &cobra.Command{
		Use:   "verify [agent]",
		Short: "Verify an agent's hash chain integrity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/audit/verify/%s", p, args[0]))
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			var result map[string]any
			if err := decodeJSON(resp, &result); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			if valid, _ := result["valid"].(bool); valid {
				fmt.Printf("✓ Hash chain intact for agent %s\n", args[0])
			} else {
				fmt.Printf("✗ Hash chain broken for agent %s at entry %v\n", args[0], result["broken_at"])
			}
			return nil
		},
	}
	auditVerifyCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")

	auditCmd.AddCommand(auditListCmd, auditVerifyCmd)

	// ─── block / unblock ───
	var blockReason string
	var blockTTL string
	var blockGlobal bool
	blockCmd := &cobra.Command{
		Use:   "block [agent]",
		Short: "Block an agent (or everything with --global) at the front door",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !blockGlobal && len(args) == 0 {
				return fmt.Errorf("specify an agent or --global")
			}
			body := map[string]any{"reason": blockReason, "global": blockGlobal}
			if len(args) > 0 {
				body["agent"] = args[0]
			}
			if blockTTL != "" {
				body["ttl"] = blockTTL
			}
			p := resolvePort(port)
			resp, err := authedRequest(http.MethodPost, fmt.Sprintf("http://localhost:%d/api/blocks", p), body)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				var e map[string]any
				_ = decodeJSON(resp, &e)
				return fmt.Errorf("block failed (HTTP %d): %v", resp.StatusCode, e["error"])
			}
			if blockGlobal {
				fmt.Println("  GLOBAL BLOCK ACTIVE — every agent is refused")
			} else {
				fmt.Printf("✓ Agent %s blocked\n", args[0])
			}
			return nil
		},
	}
	blockCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")
	blockCmd.Flags().StringVar(&blockReason, "reason", "blocked from CLI", "Reason recorded with the block")
	blockCmd.Flags().StringVar(&blockTTL, "ttl", "", "Block duration (e.g. 15m); empty blocks until unblock")
	blockCmd.Flags().BoolVar(&blockGlobal, "global", false, "Block every agent")

	unblockCmd := &cobra.Command{
		Use:   "unblock [agent|global]",
		Short: "Lift a block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := resolvePort(port)
			resp, err := authedRequest(http.MethodDelete, fmt.Sprintf("http://localhost:%d/api/blocks/%s", p, args[0]), nil)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				fmt.Printf("✗ Unblock failed (HTTP %d)\n", resp.StatusCode)
				return nil
			}
			fmt.Printf("✓ %s unblocked\n", args[0])
			return nil
		},
	}
	unblockCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")

	// ─── decide ───
	var decideAgent, decideMethod, decideName, decideURI, decideArgs string
	decideCmd := &cobra.Command{
		Use:   "decide",
		Short: "Dry-run a decision without calling any tool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDecide(port, decideAgent, decideMethod, decideName, decideURI, decideArgs)
		},
	}
	decideCmd.Flags().IntVarP(&port, "port", "p", 0, "Admin API port")
	decideCmd.Flags().StringVar(&decideAgent, "agent", "", "Agent identity (required)")
	decideCmd.Flags().StringVar(&decideMethod, "method", "tools/call", "MCP method (tools/call, resources/read)")
	decideCmd.Flags().StringVar(&decideName, "tool", "", "Tool name for tools/call")
	decideCmd.Flags().StringVar(&decideURI, "uri", "", "Resource URI for resources/read")
	decideCmd.Flags().StringVar(&decideArgs, "args", "", "Tool arguments as JSON")
	_ = decideCmd.MarkFlagRequired("agent")

	rootCmd.AddCommand(startCmd, initCmd, statusCmd, versionCmd, policyCmd, auditCmd, blockCmd, unblockCmd, decideCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(configFile string, portOverride int) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = config.Discover()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := cfgLoader.Get()
	if portOverride > 0 {
		cfg.Server.Port = portOverride
	}

	logger := newLogger(cfg.Server.LogLevel)

	// Audit storage.
	var store audit.Store
	switch cfg.Storage.Driver {
	case "", "sqlite":
		s, err := audit.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("failed to open audit storage: %w", err)
		}
		store = s
	case "memory":
		store = audit.NewMemoryStore()
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	if err := store.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize audit storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	sink := audit.NewSink(store, 1024, logger)
	defer sink.Close()

	// Retention pruning runs in the background while the server is up.
	if cfg.Storage.Retention > 0 {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if n, err := store.PruneOlderThan(cfg.Storage.Retention); err != nil {
					logger.Error("audit retention prune failed", "error", err)
				} else if n > 0 {
					logger.Info("audit entries pruned", "count", n)
				}
			}
		}()
	}

	// Policy store and directory loader.
	cond, err := policy.NewConditionEvaluator(logger)
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	pstore := policy.NewStore(cond, logger)
	loader := policy.NewLoader(pstore, logger)
	if cfg.PoliciesDir != "" {
		if _, err := os.Stat(cfg.PoliciesDir); err == nil {
			if err := loader.LoadDir(cfg.PoliciesDir); err != nil {
				return fmt.Errorf("failed to load policies: %w", err)
			}
			if err := loader.Watch(cfg.PoliciesDir); err != nil {
				logger.Warn("policy hot-reload unavailable", "error", err)
			} else {
				defer loader.StopWatch()
			}
		} else {
			logger.Warn("policy directory missing, starting with an empty set (run 'aegis init')",
				"dir", cfg.PoliciesDir)
		}
	}

	// Decision engine: rules, optional AI judge, cache.
	costTracker := cost.NewTracker(logger)
	var judge *engine.Judge
	if cfg.Engine.UseAI {
		judge = engine.NewJudge(cfg.Engine.AIModel, cfg.Engine.AITimeout, costTracker, logger)
	}
	eng := engine.New(cfg.Engine, pstore, policy.NewEvaluator(cond, logger), judge, logger)

	// Serving-path processors.
	limiter := ratelimit.NewLimiter(cfg.RateLimit.SweepInterval, logger)
	constraints := constraint.NewManager(cfg.Enforcer.ConstraintTimeout, logger)
	constraints.RegisterAdmitter(constraint.NewRateLimiter(limiter, cfg.RateLimit, logger))
	constraints.RegisterAdmitter(constraint.NewTimeWindow(logger))
	if len(cfg.Geo.Ranges) > 0 {
		geo, err := constraint.NewGeoRestrictor(cfg.Geo, logger)
		if err != nil {
			return fmt.Errorf("invalid geo configuration: %w", err)
		}
		constraints.RegisterAdmitter(geo)
	}
	constraints.RegisterTransformer(constraint.NewAnonymizer(cfg.Anonymize, logger))
	constraints.SetBaseline(cfg.RateLimit.DefaultLimit)

	// Background work: obligations and alerting.
	alerts := alert.NewManager(cfg.Alerts, logger)
	obligations := obligation.NewManager(cfg.Enforcer.ObligationTimeout, cfg.Enforcer.ObligationRetries, 4, logger)
	obligations.Register(obligation.NewLogExecutor(logger))
	obligations.Register(obligation.NewNotifier(alerts))
	obligations.Register(obligation.NewRetentionScheduler(logger))
	defer obligations.Close()

	// Enforcement pipeline.
	collector, err := decision.NewCollector(cfg.Enforcer.BusinessHours, cfg.Enforcer.DelegationMaxDepth, cfg.Enforcer.SensitiveKeywords)
	if err != nil {
		return fmt.Errorf("invalid enforcer configuration: %w", err)
	}
	blocks := block.NewList(logger)
	enf := enforcer.New(collector, blocks, eng, constraints, obligations, sink, logger)

	// Anomaly detection observes the persisted audit stream.
	detector, err := anomaly.NewDetector(cfg.Anomaly, cfg.Enforcer.BusinessHours, cfg.Enforcer.SensitiveKeywords, cfg.Enforcer.BlockTTL, blocks, logger)
	if err != nil {
		return fmt.Errorf("invalid anomaly configuration: %w", err)
	}
	sink.Subscribe(detector.Observer())
	if alerts.HasSenders() {
		detector.AddListener(func(a anomaly.Alert) {
			alerts.Send(alert.Alert{
				Type:      "anomaly",
				Severity:  alertSeverity(a.Severity),
				Title:     fmt.Sprintf("Anomaly: %s", a.Pattern),
				Message:   a.Message,
				Agent:     a.Agent,
				Resource:  a.Resource,
				Details:   a.Details,
				Timestamp: a.Timestamp,
			})
		})
	}

	// Admin API.
	apiServer := api.NewServer(cfg.Server, api.Deps{
		Enforcer:    enf,
		Engine:      eng,
		Policies:    pstore,
		Loader:      loader,
		PoliciesDir: cfg.PoliciesDir,
		Audit:       store,
		Sink:        sink,
		Blocks:      blocks,
		Obligations: obligations,
		Costs:       costTracker,
	}, logger)
	sink.Subscribe(apiServer.AuditObserver())
	detector.AddListener(apiServer.AlertListener())

	// MCP gateway.
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		up, err := gateway.NewStreamableClient(cfg.Gateway.UpstreamURL, version, logger)
		if err != nil {
			return fmt.Errorf("failed to create upstream client: %w", err)
		}
		gw = gateway.New(enf, up, version, logger)

		startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = gw.Start(startCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to connect to upstream %s: %w", cfg.Gateway.UpstreamURL, err)
		}
		defer func() { _ = gw.Close() }()

		apiServer.Mux().Handle("/mcp", gw.Handler())
	}

	printBanner(cfg)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutting down...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		_ = apiServer.Shutdown(shutCtx)
	}()

	if err := apiServer.Start(api.APIAddr(cfg.Server.Port)); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// alertSeverity folds the detector's four levels onto the alert
// channel's three.
func alertSeverity(s string) string {
	switch s {
	case anomaly.SeverityCritical:
		return alert.SeverityCritical
	case anomaly.SeverityLow:
		return alert.SeverityInfo
	default:
		return alert.SeverityWarning
	}
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}

func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Printf("  ║   AEGIS %-33s║\n", version)
	fmt.Println("  ║   Policy enforcement for AI agents       ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	if cfg.Gateway.Enabled {
		fmt.Printf("  → MCP:       http://localhost:%d/mcp → %s\n", cfg.Server.Port, cfg.Gateway.UpstreamURL)
	}
	fmt.Printf("  → API:       http://localhost:%d/api\n", cfg.Server.Port)
	fmt.Printf("  → Stream:    ws://localhost:%d/api/stream\n", cfg.Server.Port)
	fmt.Printf("  → Storage:   %s (%s)\n", cfg.Storage.Driver, cfg.Storage.Path)
	fmt.Printf("  → Policies:  %s\n", cfg.PoliciesDir)
	fmt.Println()
}

// ─── init ───

func runInit() error {
	configPath := "aegis.yaml"
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("  ⚠ %s already exists (skipping)\n", configPath)
	} else {
		if err := config.GenerateDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("  ✓ Generated %s\n", configPath)
	}

	if err := os.MkdirAll("policies", 0o755); err != nil {
		return fmt.Errorf("failed to create policies/: %w", err)
	}
	fmt.Println("  ✓ Created policies/")

	for name, content := range samplePolicies() {
		path := filepath.Join("policies", name)
		if _, err := os.Stat(path); err == nil {
			fmt.Printf("  ⚠ %s already exists (skipping)\n", path)
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		fmt.Printf("  ✓ Created %s\n", path)
	}

	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    1. Edit aegis.yaml — point gateway.upstream_url at your MCP tool server")
	fmt.Println("    2. Edit policies/*.yaml to match your agents and tools")
	fmt.Println("    3. aegis start")
	return nil
}

// samplePolicies returns the starter policy documents written by init.
// The baseline permits discovery and ordinary tool use with logging;
// the guardrails document carries the prohibitions.
func samplePolicies() map[string]string {
	return map[string]string{
		"10-baseline.yaml": `uid: baseline-access
name: Baseline agent access
status: active
priority: 10
permission:
  - action:
      value: tools/list
    target:
      uid: "*"
  - action:
      value: tools/call
    target:
      uid: "*"
    duty:
      - action:
          value: log
      - action:
          value: 100/min
  - action:
      value: resources/read
    target:
      uid: "*"
    duty:
      - action:
          value: log
      - action:
          value: anonymize-pii
`,
		"90-guardrails.yaml": `uid: guardrails
name: Global guardrails
status: active
priority: 90
permission:
  - action:
      value: tools/call
    target:
      uid: "*"
    constraint:
      - leftOperand: emergency_flag
        operator: eq
        rightOperand: true
    duty:
      - action:
          value: log
      - action:
          value: notify:security
prohibition:
  - action:
      value: "*"
    target:
      uid: "*:/etc/*"
  - action:
      value: "*"
    target:
      uid: "*password*"
  - action:
      value: tools/call
    target:
      uid: "*"
    constraint:
      - leftOperand: trust_score
        operator: lt
        rightOperand: 0.3
`,
	}
}

// ─── offline policy validation ───

func runPolicyValidate(configFile string) error {
	cfgLoader := config.NewLoader()
	if configFile == "" {
		configFile = config.Discover()
	}
	if configFile != "" {
		if err := cfgLoader.Load(configFile); err != nil {
			fmt.Printf("✗ Invalid config: %s\n", err)
			return err
		}
		fmt.Printf("✓ Config file valid: %s\n", configFile)
	} else {
		fmt.Println("⚠ No config file found, using defaults")
	}
	cfg := cfgLoader.Get()

	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cond, err := policy.NewConditionEvaluator(quiet)
	if err != nil {
		return fmt.Errorf("failed to create condition evaluator: %w", err)
	}
	store := policy.NewStore(cond, quiet)
	loader := policy.NewLoader(store, quiet)

	if err := loader.LoadDir(cfg.PoliciesDir); err != nil {
		fmt.Printf("✗ %s\n", err)
		return err
	}

	policies := store.List()
	fmt.Printf("✓ %d policies valid in %s\n", len(policies), cfg.PoliciesDir)
	for _, p := range policies {
		fmt.Printf("  • %-25s priority %-4d %d permissions, %d prohibitions\n",
			p.UID, p.Priority, len(p.Permissions), len(p.Prohibitions))
	}
	return nil
}

// ─── running-instance commands ───

func runStatus(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/stats", p))
	if err != nil {
		fmt.Printf("AEGIS is not running on port %d\n", p)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	var stats map[string]any
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}

	fmt.Println("AEGIS Status")
	fmt.Println("────────────")
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(stats)
}

func runPolicyList(port int) error {
	p := resolvePort(port)
	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/api/policies", p))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	policies, _ := result["policies"].([]any)
	if len(policies) == 0 {
		fmt.Println("No policies loaded.")
		return nil
	}

	fmt.Printf("%-25s %-10s %-10s %-12s %s\n", "UID", "STATUS", "PRIORITY", "PERMISSIONS", "PROHIBITIONS")
	fmt.Println(strings.Repeat("─", 75))
	for _, item := range policies {
		m := item.(map[string]any)
		fmt.Printf("%-25v %-10v %-10v %-12v %v\n",
			m["uid"], m["status"], m["priority"], m["permissions"], m["prohibitions"])
	}
	fmt.Printf("\nPolicy set version: %v\n", result["version"])
	return nil
}

func runAuditList(port int, agent, verdict string) error {
	p := resolvePort(port)
	url := fmt.Sprintf("http://localhost:%d/api/audit?limit=20", p)
	if agent != "" {
		url += "&agent=" + agent
	}
	if verdict != "" {
		url += "&verdict=" + verdict
	}

	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	entries, ok := result["entries"].([]any)
	if !ok || len(entries) == 0 {
		fmt.Println("No audit entries found.")
		return nil
	}

	fmt.Printf("%-26s %-15s %-8s %-9s %s\n", "TIMESTAMP", "AGENT", "VERDICT", "OUTCOME", "RESOURCE")
	fmt.Println(strings.Repeat("─", 95))
	for _, item := range entries {
		m := item.(map[string]any)
		fmt.Printf("%-26v %-15v %-8v %-9v %v\n",
			m["timestamp"], truncate(str(m["agent"]), 15), m["verdict"], m["outcome"], m["resource"])
	}
	return nil
}

func runDecide(port int, agent, method, tool, uri, argsJSON string) error {
	raw := map[string]any{
		"request_id": fmt.Sprintf("cli-%d", time.Now().UnixNano()),
		"method":     method,
		"agent_id":   agent,
	}
	if tool != "" {
		raw["name"] = tool
	}
	if uri != "" {
		raw["uri"] = uri
	}
	if argsJSON != "" {
		var args map[string]any
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return fmt.Errorf("invalid --args JSON: %w", err)
		}
		raw["arguments"] = args
	}

	body, _ := json.Marshal(raw)
	p := resolvePort(port)
	resp, err := http.Post(fmt.Sprintf("http://localhost:%d/api/decide", p), "application/json", strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var result map[string]any
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("decide failed (HTTP %d): %v", resp.StatusCode, result["error"])
	}

	verdict := str(result["verdict"])
	mark := "✗"
	if verdict == "PERMIT" {
		mark = "✓"
	}
	fmt.Printf("%s %s — %v\n", mark, verdict, result["reason"])
	if md, ok := result["metadata"].(map[string]any); ok {
		fmt.Printf("  engine: %v, confidence: %v\n", md["engine"], result["confidence"])
	}
	if cs, ok := result["constraints"].([]any); ok && len(cs) > 0 {
		fmt.Printf("  constraints: %v\n", cs)
	}
	if obs, ok := result["obligations"].([]any); ok && len(obs) > 0 {
		fmt.Printf("  obligations: %v\n", obs)
	}
	return nil
}

// ─── helpers ───

// authedRequest sends a mutating admin request, attaching the bearer
// token from AEGIS_ADMIN_TOKEN when set.
func authedRequest(method, url string, body any) (*http.Response, error) {
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("AEGIS_ADMIN_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return http.DefaultClient.Do(req)
}

func resolvePort(port int) int {
	if port == 0 {
		return 6780
	}
	return port
}

func decodeJSON(resp *http.Response, v any) error {
	return json.NewDecoder(resp.Body).Decode(v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-2] + ".."
}

func str(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
