// Package main is the CLI entry point for netguardd.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/netguard/netguardd/internal/control"
	"github.com/netguard/netguardd/internal/daemon"
	"github.com/netguard/netguardd/internal/domain"
	"github.com/netguard/netguardd/internal/engine"
	"github.com/netguard/netguardd/internal/infra"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netguardd",
	Short: "Per-application outbound connection firewall",
	Long: `netguardd arbitrates outbound network connections per application.
Known executables are allowed or blocked by rule; unknown executables are
blocked and held pending until the user decides.

Enforcement is off until explicitly enabled.`,
	Version: Version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the arbitration daemon",
	Long: `Runs the daemon in the foreground: loads persisted rules, listens on the
control socket for agent commands, and arbitrates connection attempts
delivered over the interception socket.`,
	RunE: runRun,
}

var enableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Turn enforcement on",
	RunE:  runEnable,
}

var disableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Turn enforcement off",
	Long:  `Turns enforcement off. Pending connections are kept and can still be resolved.`,
	RunE:  runDisable,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show enforcement state and counters",
	RunE:  runStatus,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List connections awaiting a decision",
	RunE:  runPending,
}

var respondCmd = &cobra.Command{
	Use:   "respond <id>",
	Short: "Resolve a pending connection",
	Long: `Resolves a pending connection by id. The decision applies to future
connections only; the held connection itself stays blocked.

With --remember the executable is added to the rule registry so future
attempts are decided without asking.`,
	Args: cobra.ExactArgs(1),
	RunE: runRespond,
}

var allowCmd = &cobra.Command{
	Use:   "allow <path>",
	Short: "Add an allow rule for an executable",
	Args:  cobra.ExactArgs(1),
	RunE:  runAllow,
}

var blockCmd = &cobra.Command{
	Use:   "block <path>",
	Short: "Add a block rule for an executable",
	Args:  cobra.ExactArgs(1),
	RunE:  runBlock,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	configPath   string
	respondAllow bool
	respondDeny  bool
	remember     bool
	jsonOutput   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	respondCmd.Flags().BoolVar(&respondAllow, "allow", false, "Allow future connections from this executable")
	respondCmd.Flags().BoolVar(&respondDeny, "deny", false, "Deny future connections from this executable")
	respondCmd.Flags().BoolVar(&remember, "remember", false, "Persist the decision as a registry rule")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(allowCmd)
	rootCmd.AddCommand(blockCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := createLogger(cfg.LogPath)
	defer func() { _ = logger.Sync() }()

	keyProvider := infra.NewFileKeyProvider(cfg.DataDir)
	key, err := keyProvider.EnsureKey()
	if err != nil {
		return fmt.Errorf("database key: %w", err)
	}

	store, err := infra.NewRuleStore(cfg.DataDir, key)
	if err != nil {
		return fmt.Errorf("open rule store: %w", err)
	}

	eng := engine.New(engine.Config{
		RegistryCapacity: cfg.RegistryCapacity,
		QueueCapacity:    cfg.QueueCapacity,
	}, logger)

	service := control.NewService(eng, store, logger)
	server := control.NewServer(cfg.ControlSocket, service, logger)
	hook := infra.NewSocketHook(cfg.HookSocket, infra.NewProcessResolver(), logger)
	metrics := infra.NewMetrics(eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	d := daemon.New(daemon.Config{
		StatsLogInterval: cfg.StatsLogInterval,
		MetricsAddr:      cfg.MetricsAddr,
	}, eng, hook, server, store, metrics, logger)

	if err := d.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newClient() (*control.Client, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return control.NewClient(cfg.ControlSocket), nil
}

func runEnable(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Enable(); err != nil {
		return fmt.Errorf("enable enforcement: %w", err)
	}
	fmt.Println("Enforcement enabled.")
	return nil
}

func runDisable(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	if err := client.Disable(); err != nil {
		return fmt.Errorf("disable enforcement: %w", err)
	}
	fmt.Println("Enforcement disabled. Pending connections are kept.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	stats, err := client.Stats()
	if err != nil {
		return fmt.Errorf("query daemon: %w", err)
	}

	fmt.Println("\n=== netguardd Status ===")
	if stats.Enabled {
		fmt.Println("Enforcement: ON")
	} else {
		fmt.Println("Enforcement: OFF")
	}
	fmt.Printf("Connections seen:    %d\n", stats.TotalConnections)
	fmt.Printf("Connections allowed: %d\n", stats.AllowedConnections)
	fmt.Printf("Connections blocked: %d\n", stats.BlockedConnections)
	fmt.Printf("Awaiting decision:   %d\n", stats.PendingCount)
	fmt.Println("========================")
	return nil
}

const pendingListBudget = 64 * 1024

func runPending(cmd *cobra.Command, args []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	entries, err := client.GetPending(pendingListBudget)
	if err != nil {
		return fmt.Errorf("query daemon: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("No connections awaiting a decision.")
		return nil
	}

	fmt.Println("\n=== Pending Connections ===")
	for _, e := range entries {
		fmt.Printf("\n[%d] pid %d\n", e.ID, e.ProcessID)
		fmt.Printf("  Executable: %s\n", e.ExecutablePath)
		fmt.Printf("  Remote:     %s:%d\n", e.RemoteAddr, e.RemotePort)
		fmt.Printf("  Since:      %s ago\n", time.Since(e.CreatedAt).Round(time.Second))
	}
	fmt.Printf("\nRespond with: netguardd respond <id> --allow|--deny [--remember]\n")
	return nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	if respondAllow == respondDeny {
		return fmt.Errorf("exactly one of --allow or --deny is required")
	}

	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid connection id %q", args[0])
	}

	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.Respond(id, respondAllow, remember); err != nil {
		if errors.Is(err, control.ErrNotFound) {
			return fmt.Errorf("no pending connection with id %d", id)
		}
		return fmt.Errorf("respond: %w", err)
	}

	if respondAllow {
		fmt.Printf("Connection %d resolved: allow future connections.\n", id)
	} else {
		fmt.Printf("Connection %d resolved: deny future connections.\n", id)
	}
	if remember {
		fmt.Println("Decision remembered as a registry rule.")
	}
	return nil
}

func runAllow(cmd *cobra.Command, args []string) error {
	return addRule(args[0], domain.VerdictPermit)
}

func runBlock(cmd *cobra.Command, args []string) error {
	return addRule(args[0], domain.VerdictBlock)
}

func addRule(path string, verdict domain.Verdict) error {
	client, err := newClient()
	if err != nil {
		return err
	}

	if err := client.AddRule(path, verdict); err != nil {
		if errors.Is(err, engine.ErrRegistryFull) {
			return fmt.Errorf("rule registry is full")
		}
		return fmt.Errorf("add rule: %w", err)
	}

	fmt.Printf("Rule added: %s %s\n", verdict, path)
	return nil
}

func createLogger(logPath string) *zap.Logger {
	config := zap.NewProductionConfig()
	if logPath != "" {
		config.OutputPaths = []string{logPath}
		config.ErrorOutputPaths = []string{logPath}
	}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		// Fallback to stderr if file logging fails
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		fmt.Printf(`{"version":"%s","commit":"%s","build_time":"%s"}`+"\n",
			Version, Commit, BuildTime)
	} else {
		fmt.Printf("netguardd %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}
