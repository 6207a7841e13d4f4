package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/zeroharbor/guardian/pkg/config"
	"github.com/zeroharbor/guardian/pkg/events"
	"github.com/zeroharbor/guardian/pkg/log"
	"github.com/zeroharbor/guardian/pkg/metrics"
	"github.com/zeroharbor/guardian/pkg/notify"
	"github.com/zeroharbor/guardian/pkg/orchestrator"
	"github.com/zeroharbor/guardian/pkg/storage"
	"github.com/zeroharbor/guardian/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "guardian",
	Short: "Guardian - proxy abuse detection and fleet-wide enforcement",
	Long: `Guardian watches xray traffic logs across a fleet of nodes,
detects accounts exceeding their per-inbound concurrent-address limit,
and enforces timed firewall bans on every node.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Guardian version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the guardian daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}

		notifier, err := notify.NewNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
		if err != nil {
			return fmt.Errorf("invalid telegram config: %w", err)
		}
		if notifier.Enabled() {
			log.AddHook(notify.NewForwardHook(notifier))
		}

		st, err := store.New(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer st.Close()

		state, err := storage.Open(dataDir)
		if err != nil {
			return err
		}
		defer state.Close()

		metrics.SetVersion(Version)
		metrics.Serve(cfg.MetricsListen)

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		orch := orchestrator.New(cfg, cfgPath, st, state, broker)

		batcher := notify.NewBatcher(notifier, broker)
		go batcher.Run(ctx)

		poller := notify.NewPoller(notifier, orch, st, state, cfg.Telegram.Admins)
		go poller.Run(ctx)

		log.Info("guardian starting")
		return orch.Run(ctx)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the guardian configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Println("=== Config ===")
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", config.DefaultPath, "Path to config file")
	runCmd.Flags().String("data-dir", "/var/lib/guardian", "Directory for local state")

	configShowCmd.Flags().String("config", config.DefaultPath, "Path to config file")
	configCmd.AddCommand(configShowCmd)
}
