package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridiandb/meridian/pkg/config"
	"github.com/meridiandb/meridian/pkg/log"
	"github.com/meridiandb/meridian/pkg/server"
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
	Use:   "meridian",
	Short: "Meridian - distributed shard-per-core key-value store",
	Long: `Meridian is a distributed key-value storage engine with per-range
consensus, tunable consistency, a durable write-ahead log, adaptive
compression, and a publish-through-consensus coordination plane,
delivered as a single binary.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Meridian version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start a Meridian node",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")
		listenAddr, _ := cmd.Flags().GetString("listen")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		peers, _ := cmd.Flags().GetStringSlice("peer")

		cfg, err := config.Load(configPath)
		if err != nil {
			// Invalid configuration is fatal; refuse to start.
			return err
		}
		if nodeID != "" {
			cfg.Node.ID = nodeID
		}
		if listenAddr != "" {
			cfg.Node.ListenAddr = listenAddr
		}
		if dataDir != "" {
			cfg.Node.DataDir = dataDir
		}
		if len(peers) > 0 {
			cfg.Node.Peers = peers
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		srv, err := server.New(cfg)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			return err
		}

		log.Logger.Info().
			Str("node_id", cfg.Node.ID).
			Str("listen_addr", cfg.Node.ListenAddr).
			Str("version", Version).
			Msg("meridian node running")

		// Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		log.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Stop(ctx)
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to YAML configuration file")
	serverCmd.Flags().String("node-id", "", "Node identifier (overrides config)")
	serverCmd.Flags().String("listen", "", "Listen address host:port (overrides config)")
	serverCmd.Flags().String("data-dir", "", "Data directory (overrides config)")
	serverCmd.Flags().StringSlice("peer", nil, "Peer in node_id=host:port form (repeatable)")
}
