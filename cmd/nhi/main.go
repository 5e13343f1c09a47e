package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhilabs/nhi/pkg/config"
	"github.com/nhilabs/nhi/pkg/control"
	"github.com/nhilabs/nhi/pkg/log"
	"github.com/nhilabs/nhi/pkg/node"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var dataDir string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nhi",
	Short: "nhi - live migration of native processes across a cluster",
	Long: `nhi supervises long-lived native workloads as durable instances:
the process behind an instance can be checkpointed, resurrected on
another node, and kept warm on shadows, while its identity and output
history survive.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"nhi version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "data", "Node data directory")

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(startDetachedCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(cancelMigrationCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(nodesCmd)
}

// client returns a control client bound to the daemon's socket.
func client() *control.Client {
	return control.NewClient(filepath.Join(dataDir, control.SocketName))
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Manage the local node daemon",
}

var nodeRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the node daemon",
	Long: `Run the nhi node daemon: the instance store, the process manager,
UDP discovery, the peer session listener, the shadow sync engine and
the migration coordinator.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		// Flags override the file.
		if cmd.Flags().Changed("listen-addr") {
			cfg.ListenAddr, _ = cmd.Flags().GetString("listen-addr")
		}
		if cmd.Flags().Changed("discovery-port") {
			cfg.DiscoveryPort, _ = cmd.Flags().GetInt("discovery-port")
		}
		if cmd.Flags().Changed("node-name") {
			cfg.NodeName, _ = cmd.Flags().GetString("node-name")
		}
		if cmd.Flags().Changed("checkpoint-tool") {
			cfg.CheckpointTool, _ = cmd.Flags().GetString("checkpoint-tool")
		}
		if cmd.Flags().Changed("daemonizer") {
			cfg.Daemonizer, _ = cmd.Flags().GetString("daemonizer")
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel, _ = cmd.Flags().GetString("log-level")
		}
		if cmd.Flags().Changed("metrics-addr") {
			cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
		}
		if cmd.Flags().Changed("no-networking") {
			standalone, _ := cmd.Flags().GetBool("no-networking")
			cfg.NetworkingEnabled = !standalone
		}
		if cmd.Flags().Changed("sync-interval") {
			interval, _ := cmd.Flags().GetDuration("sync-interval")
			cfg.ShadowSyncInterval = config.Duration(interval)
		}
		cfg.DataDir = dataDir

		log.Init(log.Config{
			Level:      log.Level(cfg.LogLevel),
			JSONOutput: cfg.LogJSON,
		})

		n, err := node.New(cfg, Version)
		if err != nil {
			return err
		}
		if err := n.Start(); err != nil {
			return err
		}

		fmt.Printf("Node %s (%s) is running. Press Ctrl+C to stop.\n", cfg.NodeName, n.ID())

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		n.Stop()
		return nil
	},
}

func init() {
	nodeCmd.AddCommand(nodeRunCmd)

	nodeRunCmd.Flags().String("config", "", "Path to YAML config file")
	nodeRunCmd.Flags().String("listen-addr", "0.0.0.0:8080", "TCP address for peer sessions")
	nodeRunCmd.Flags().Int("discovery-port", 8081, "UDP port for discovery beacons")
	nodeRunCmd.Flags().String("node-name", "", "Human-readable node name")
	nodeRunCmd.Flags().String("checkpoint-tool", "criu", "Path to the external checkpoint/restore tool")
	nodeRunCmd.Flags().String("daemonizer", "nhi-daemonize", "Path to the detach helper")
	nodeRunCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	nodeRunCmd.Flags().String("metrics-addr", "", "Address for the Prometheus endpoint (empty disables)")
	nodeRunCmd.Flags().Bool("no-networking", false, "Run standalone without discovery or peers")
	nodeRunCmd.Flags().Duration("sync-interval", 30*time.Second, "Shadow sync interval")
}
