// Package main is the entry point for the vaultctl CLI.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/finvault/finvault/internal/config"
	"github.com/finvault/finvault/internal/storage"
	"github.com/finvault/finvault/internal/vault"
)

const version = "2.0.0"

var (
	configPath string
	output     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vaultctl",
		Short: "Local vault authentication and data protection CLI",
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "vaultctl.yaml", "Path to YAML config file")
	rootCmd.PersistentFlags().StringVar(&output, "output", "text", "Output format: text, json")

	// Subcommand registration
	rootCmd.AddCommand(setupPinCmd())
	rootCmd.AddCommand(verifyPinCmd())
	rootCmd.AddCommand(changePinCmd())
	rootCmd.AddCommand(recoverPinCmd())
	rootCmd.AddCommand(emergencyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(integrityCheckCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(migrateStatusCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(wipeCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired subsystem for one CLI invocation.
type app struct {
	cfg        *config.Config
	store      *storage.Store
	sc         *vault.SecurityContext
	keys       *vault.KeyManager
	sessions   *vault.SessionManager
	gate       *vault.PinGate
	integrity  *vault.DataIntegrityManager
	backups    *vault.BackupCodec
	migrations *vault.MigrationManager
}

func openApp() (*app, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()

	store, err := storage.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}

	sc := vault.NewSecurityContext(store,
		vault.WithLogger(log),
		vault.WithKeyCacheTTL(time.Duration(cfg.KeyCache.TTLSeconds)*time.Second),
		vault.WithSessionWindow(time.Duration(cfg.Session.WindowSeconds)*time.Second),
		vault.WithSessionMaxAge(time.Duration(cfg.Session.MaxAgeHours)*time.Hour),
	)

	keys := vault.NewKeyManager(sc)
	sessions := vault.NewSessionManager(sc)
	gate := vault.NewPinGate(sc, keys, sessions)
	integrity := vault.NewDataIntegrityManager(sc, keys)

	return &app{
		cfg:        cfg,
		store:      store,
		sc:         sc,
		keys:       keys,
		sessions:   sessions,
		gate:       gate,
		integrity:  integrity,
		backups:    vault.NewBackupCodec(sc),
		migrations: vault.NewMigrationManager(sc, gate, keys, integrity),
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close store: %v\n", err)
	}
}

// readPin returns the PIN from the flag when given, otherwise prompts on
// stdin.
func readPin(flagValue, prompt string) (vault.SensitiveBytes, error) {
	if flagValue != "" {
		return vault.SensitiveBytes(flagValue), nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading PIN: %w", err)
	}
	return vault.SensitiveBytes(strings.TrimSpace(line)), nil
}

// loadAllBuckets reads every stored data bucket into one map keyed by
// bucket name, decrypting with key where required.
func loadAllBuckets(a *app, key []byte) (map[string]any, error) {
	names, err := a.store.ListKeys("data.")
	if err != nil {
		return nil, err
	}

	buckets := make(map[string]any, len(names))
	for _, storeKey := range names {
		name := strings.TrimPrefix(storeKey, "data.")
		plaintext, err := a.sc.LoadBucket(name, key)
		if err != nil {
			return nil, fmt.Errorf("loading bucket %s: %w", name, err)
		}
		var data any
		if err := json.Unmarshal(plaintext, &data); err != nil {
			return nil, fmt.Errorf("parsing bucket %s: %w", name, err)
		}
		buckets[name] = data
	}
	return buckets, nil
}

func printJSON(v any) error {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(blob))
	return nil
}

func reportValidation(res *vault.ValidationResult) {
	if output == "json" {
		printJSON(res)
		return
	}
	switch {
	case res.Success:
		fmt.Println("PIN accepted")
	case res.IsLocked:
		fmt.Printf("Locked out for %s\n", res.LockoutRemaining.Round(time.Second))
	default:
		fmt.Printf("PIN rejected (%d attempts remaining)\n", res.AttemptsRemaining)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("vaultctl version %s\n", version)
		},
	}
}

func setupPinCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "setup-pin",
		Short: "Set the PIN and create the master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(pin, "New PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			if err := a.gate.SetupPin(p); err != nil {
				return err
			}
			fmt.Println("PIN configured")
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN value (prompted when omitted)")
	return cmd
}

func verifyPinCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "verify-pin",
		Short: "Validate the PIN and start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(pin, "PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			res, err := a.gate.ValidatePin(p)
			if err != nil {
				return err
			}
			reportValidation(res)
			if !res.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN value (prompted when omitted)")
	return cmd
}

func changePinCmd() *cobra.Command {
	var oldPin, newPin string
	cmd := &cobra.Command{
		Use:   "change-pin",
		Short: "Change the PIN after validating the current one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			op, err := readPin(oldPin, "Current PIN")
			if err != nil {
				return err
			}
			defer op.Zero()
			np, err := readPin(newPin, "New PIN")
			if err != nil {
				return err
			}
			defer np.Zero()

			if err := a.gate.ChangePin(op, np); err != nil {
				var lockErr *vault.LockoutError
				if errors.As(err, &lockErr) {
					return fmt.Errorf("locked out for %s", lockErr.Remaining.Round(time.Second))
				}
				return err
			}
			fmt.Println("PIN changed")
			return nil
		},
	}
	cmd.Flags().StringVar(&oldPin, "old-pin", "", "Current PIN (prompted when omitted)")
	cmd.Flags().StringVar(&newPin, "new-pin", "", "New PIN (prompted when omitted)")
	return cmd
}

func recoverPinCmd() *cobra.Command {
	var newPin string
	cmd := &cobra.Command{
		Use:   "recover-pin",
		Short: "Replace the PIN credential after an out-of-band recovery",
		Long: "Rewrites the PIN credential without touching key material.\n" +
			"Data encrypted under the old PIN-derived key stays unreadable\n" +
			"until restored from backup.",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			np, err := readPin(newPin, "New PIN")
			if err != nil {
				return err
			}
			defer np.Zero()

			if err := a.gate.UpdatePinForRecovery(np); err != nil {
				return err
			}
			fmt.Println("PIN credential replaced; previously encrypted data requires a backup restore")
			return nil
		},
	}
	cmd.Flags().StringVar(&newPin, "new-pin", "", "New PIN (prompted when omitted)")
	return cmd
}

func emergencyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emergency",
		Short: "Manage the emergency PIN",
	}

	var setupPin string
	setup := &cobra.Command{
		Use:   "setup",
		Short: "Set the emergency PIN",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(setupPin, "Emergency PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			if err := a.gate.SetupEmergencyPin(p); err != nil {
				return err
			}
			fmt.Println("Emergency PIN configured")
			return nil
		},
	}
	setup.Flags().StringVar(&setupPin, "pin", "", "Emergency PIN (prompted when omitted)")

	var verifyPin string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Validate the emergency PIN and start a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(verifyPin, "Emergency PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			res, err := a.gate.ValidateEmergencyPin(p)
			if err != nil {
				return err
			}
			reportValidation(res)
			if !res.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	verify.Flags().StringVar(&verifyPin, "pin", "", "Emergency PIN (prompted when omitted)")

	cmd.AddCommand(setup, verify)
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key, session, and migration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			hasKey, err := a.keys.HasMasterKey()
			if err != nil {
				return err
			}
			migration, err := a.migrations.CheckMigrationStatus()
			if err != nil {
				return err
			}

			status := struct {
				MasterKey       bool   `json:"master_key"`
				SessionValid    bool   `json:"session_valid"`
				SchemeVersion   string `json:"scheme_version"`
				MigrationNeeded bool   `json:"migration_needed"`
			}{
				MasterKey:       hasKey,
				SessionValid:    a.sessions.IsSessionValid(),
				SchemeVersion:   migration.CurrentVersion,
				MigrationNeeded: migration.MigrationNeeded,
			}

			if output == "json" {
				return printJSON(status)
			}
			fmt.Printf("master key:       %v\n", status.MasterKey)
			fmt.Printf("session valid:    %v\n", status.SessionValid)
			fmt.Printf("scheme version:   %s\n", status.SchemeVersion)
			fmt.Printf("migration needed: %v\n", status.MigrationNeeded)
			return nil
		},
	}
}

func integrityCheckCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "integrity-check",
		Short: "Run the comprehensive integrity check over all data buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(pin, "PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			key, err := a.keys.GetMasterKey(p)
			if err != nil {
				return err
			}

			data, err := loadAllBuckets(a, key)
			if err != nil {
				return err
			}
			report, err := a.integrity.PerformComprehensiveIntegrityCheck(data)
			if err != nil {
				return err
			}

			if output == "json" {
				return printJSON(report)
			}
			fmt.Printf("overall valid: %v\n", report.OverallValid)
			fmt.Printf("risk level:    %s\n", report.RiskLevel)
			for _, rec := range report.Recommendations {
				fmt.Printf("  - %s\n", rec)
			}
			if !report.OverallValid {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN value (prompted when omitted)")
	return cmd
}

func backupCmd() *cobra.Command {
	var pin, out string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Export all data buckets as an encrypted backup envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(pin, "PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			key, err := a.keys.GetMasterKey(p)
			if err != nil {
				return err
			}
			data, err := loadAllBuckets(a, key)
			if err != nil {
				return err
			}

			envelope, err := a.backups.CreateEncryptedBackup(data, p)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, []byte(envelope), 0o600); err != nil {
				return fmt.Errorf("writing backup: %w", err)
			}
			fmt.Printf("Backup written to %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN value (prompted when omitted)")
	cmd.Flags().StringVar(&out, "out", "vault-backup.json", "Output file")
	return cmd
}

func restoreCmd() *cobra.Command {
	var pin, in string
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore data buckets from an encrypted backup envelope",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := readPin(pin, "Backup PIN")
			if err != nil {
				return err
			}
			defer p.Zero()

			envelope, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("reading backup: %w", err)
			}
			restored, err := a.backups.RestoreEncryptedBackup(string(envelope), p)
			if err != nil {
				return err
			}

			buckets, ok := restored.(map[string]any)
			if !ok {
				return fmt.Errorf("backup payload is not a bucket map")
			}

			key, err := a.keys.GetMasterKey(p)
			if err != nil {
				// Backup PIN may differ from the current PIN; store
				// restored buckets unencrypted and let the caller
				// re-protect them.
				key = nil
			}
			for name, data := range buckets {
				if err := a.sc.SaveBucket(name, data, key); err != nil {
					return err
				}
			}

			// The restored data set is a mutation like any other: the
			// tamper records must describe it, not the pre-restore state.
			if _, err := a.integrity.CreateIntegrityRecord(buckets); err != nil {
				return err
			}
			if key != nil {
				if _, err := a.integrity.CreateSecureIntegrityRecord(buckets); err != nil {
					return err
				}
			}
			fmt.Printf("Restored %d buckets from %s\n", len(buckets), in)
			return nil
		},
	}
	cmd.Flags().StringVar(&pin, "pin", "", "PIN the backup was created with (prompted when omitted)")
	cmd.Flags().StringVar(&in, "in", "vault-backup.json", "Input file")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade legacy storage to the current protection scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			result, err := a.migrations.PerformMigration()
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(result)
			}
			fmt.Printf("migration %s: success=%v\n", result.ID, result.Success)
			for _, item := range result.MigratedItems {
				fmt.Printf("  migrated: %s\n", item)
			}
			for _, w := range result.Warnings {
				fmt.Printf("  warning: %s\n", w)
			}
			for _, e := range result.Errors {
				fmt.Printf("  error: %s\n", e)
			}
			if !result.Success {
				os.Exit(1)
			}
			return nil
		},
	}
}

func migrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-status",
		Short: "Show pending migration work and risk",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			status, err := a.migrations.CheckMigrationStatus()
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(status)
			}
			fmt.Printf("current version: %s\n", status.CurrentVersion)
			fmt.Printf("target version:  %s\n", status.TargetVersion)
			fmt.Printf("needed:          %v\n", status.MigrationNeeded)
			fmt.Printf("risk:            %s\n", status.RiskLevel)
			fmt.Printf("estimated time:  %s\n", status.EstimatedTime)
			return nil
		},
	}
}

func rollbackCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll a migration back to the baseline scheme",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("rollback deletes migrated data; pass --yes to confirm")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.migrations.RollbackMigration(); err != nil {
				return err
			}
			fmt.Println("Migration rolled back")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the rollback")
	return cmd
}

func auditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Run the key security audit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			audit, err := a.keys.PerformSecurityAudit()
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(audit)
			}
			fmt.Printf("overall risk: %s\n", audit.OverallRisk)
			for _, v := range audit.Vulnerabilities {
				fmt.Printf("  vulnerability: %s\n", v)
			}
			for _, r := range audit.Recommendations {
				fmt.Printf("  recommendation: %s\n", r)
			}
			return nil
		},
	}
}

func wipeCmd() *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete all credentials, keys, sessions, and integrity records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("wipe is irreversible; pass --yes to confirm")
			}
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.gate.ClearAllSecurityData(); err != nil {
				return err
			}
			fmt.Println("All security data wiped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the wipe")
	return cmd
}

// watchCmd owns the process ticker that drives session expiry checks and
// key cache eviction.
func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the session expiry and key eviction ticker",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			defer a.close()

			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				With().Timestamp().Logger()

			a.sessions.OnExpired(func() {
				log.Info().Msg("session expired")
			})

			interval := time.Duration(a.cfg.Session.CheckIntervalSeconds) * time.Second
			ticker := time.NewTicker(interval)
			defer ticker.Stop()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

			log.Info().Dur("interval", interval).Msg("watching sessions and key cache")
			for {
				select {
				case <-ticker.C:
					a.sessions.CheckExpiry()
					if evicted := a.keys.EvictExpired(); evicted > 0 {
						log.Debug().Int("evicted", evicted).Msg("evicted expired cached keys")
					}
				case <-stop:
					log.Info().Msg("shutting down")
					return nil
				}
			}
		},
	}
}
