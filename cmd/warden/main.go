package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/warden/pkg/api"
	"github.com/cuemby/warden/pkg/audit"
	"github.com/cuemby/warden/pkg/auth"
	"github.com/cuemby/warden/pkg/backup"
	"github.com/cuemby/warden/pkg/blob"
	"github.com/cuemby/warden/pkg/config"
	"github.com/cuemby/warden/pkg/events"
	"github.com/cuemby/warden/pkg/incident"
	"github.com/cuemby/warden/pkg/keymgmt"
	"github.com/cuemby/warden/pkg/keystore"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/monitor"
	"github.com/cuemby/warden/pkg/policy"
	"github.com/cuemby/warden/pkg/probes"
	"github.com/cuemby/warden/pkg/restore"
	"github.com/cuemby/warden/pkg/storage"
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
	Use:   "warden",
	Short: "Warden - Secure backup and restore gateway for classified data",
	Long: `Warden is a backup and restore gateway for classified data. Every
submission is encrypted with the active key version, every restore runs
through policy, incident, and integrity gates, and every decision lands
on a tamper-evident hash-chained audit log.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Warden version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(validateChainCmd)
	rootCmd.AddCommand(bootstrapKeyCmd)
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the Warden gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Listen.Addr = listen
		}
		if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
			cfg.Storage.DataDir = dataDir
		}
		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Output:     os.Stderr,
		})

		store, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		defer store.Close()

		blobs := blob.NewFileStore(cfg.Storage.BlobRoot)
		keys := keystore.NewFileStore(cfg.Keys.Dir, cfg.Keys.ActiveVersion)
		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		auditSvc := audit.NewService(store)
		authSvc := auth.NewService(store, auditSvc)
		engine := policy.NewEngine()
		incidents := incident.NewService(store, auditSvc, broker, cfg.Incident.DefaultLevel)
		keyMgmt := keymgmt.NewService(store, keys, auditSvc, incidents, authSvc, broker)
		backups := backup.NewService(store, blobs, keyMgmt, engine, auditSvc, broker, backup.Config{
			Bucket:                 cfg.Storage.Bucket,
			DefaultClassification:  cfg.Backup.DefaultClassification,
			ClassificationRequired: cfg.Backup.ClassificationRequired,
		})
		alerts := monitor.NewService(store, auditSvc, auditSvc, broker)
		tokens := restore.NewTokenStore()
		restores := restore.NewService(store, blobs, keys, authSvc, engine, auditSvc, incidents, tokens, broker, restore.Config{
			Bucket:   cfg.Storage.Bucket,
			TokenTTL: cfg.TokenTTL(),
		}).WithMonitor(alerts)

		registry := probes.NewRegistry(
			probes.StoreChecker(store),
			probes.BlobChecker(blobs, cfg.Storage.Bucket),
			probes.KeystoreChecker(keys),
		)

		server := api.NewServer(api.Config{
			Addr:              cfg.Listen.Addr,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, api.Services{
			Auth:      authSvc,
			Policies:  engine,
			Audit:     auditSvc,
			Backups:   backups,
			Restores:  restores,
			Incidents: incidents,
			Keys:      keyMgmt,
			Alerts:    alerts,
			Probes:    registry,
			Store:     store,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			log.Info("Shutdown signal received")
		case err := <-errCh:
			if err != nil {
				return err
			}
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Stop(ctx); err != nil {
			return fmt.Errorf("failed to shut down cleanly: %w", err)
		}
		return nil
	},
}

var validateChainCmd = &cobra.Command{
	Use:   "validate-chain",
	Short: "Validate the full audit hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: false, Output: os.Stderr})

		store, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		defer store.Close()

		result, err := audit.NewService(store).ValidateChain(cmd.Context())
		if err != nil {
			return err
		}
		if !result.Valid {
			return fmt.Errorf("chain invalid at index %d (%s): %s",
				result.Failure.ChainIndex, result.Failure.EventID, result.Failure.Reason)
		}
		fmt.Printf("Chain valid: %d entries checked\n", result.CheckedEntries)
		return nil
	},
}

// bootstrapKeyCmd mints the first API key directly against the store so a
// fresh deployment has an authenticated admin before the API is reachable.
var bootstrapKeyCmd = &cobra.Command{
	Use:   "bootstrap-key",
	Short: "Mint an initial API key directly in the metadata store",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		role, _ := cmd.Flags().GetString("role")
		department, _ := cmd.Flags().GetString("department")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: false, Output: os.Stderr})

		store, err := storage.NewBoltStore(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}
		defer store.Close()

		authSvc := auth.NewService(store, audit.NewService(store))
		rawKey, record, err := authSvc.CreateKey(cmd.Context(), nil, auth.CreateKeyParams{
			Role:        role,
			Department:  department,
			Description: "bootstrap key",
		}, "")
		if err != nil {
			return err
		}

		fmt.Printf("Key ID:  %s\n", record.KeyID)
		fmt.Printf("Role:    %s\n", record.Role)
		fmt.Printf("API key: %s\n", rawKey)
		fmt.Println("The raw key is shown once and cannot be recovered.")
		return nil
	},
}

func init() {
	serverCmd.Flags().String("config", "", "Path to the YAML config file")
	serverCmd.Flags().String("listen", "", "Listen address, overrides the config file")
	serverCmd.Flags().String("data-dir", "", "Data directory, overrides the config file")
	validateChainCmd.Flags().String("config", "", "Path to the YAML config file")
	bootstrapKeyCmd.Flags().String("config", "", "Path to the YAML config file")
	bootstrapKeyCmd.Flags().String("role", "super_admin", "Role for the new key")
	bootstrapKeyCmd.Flags().String("department", "security", "Department for the new key")
}
