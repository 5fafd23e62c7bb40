package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/researchaccelerator-hub/telegram-post-tracker/account"
	"github.com/researchaccelerator-hub/telegram-post-tracker/common"
	"github.com/researchaccelerator-hub/telegram-post-tracker/scheduler"
	"github.com/researchaccelerator-hub/telegram-post-tracker/store"
	"github.com/researchaccelerator-hub/telegram-post-tracker/telegramhelper"
)

func main() {
	// Local overrides for TG_API_ID / TG_API_HASH and TRACKER_ settings.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	rootCmd := &cobra.Command{
		Use:   "telegram-post-tracker",
		Short: "Tracks engagement metrics of public Telegram posts via paid and free search sweeps",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	rootCmd.AddCommand(runCmd(), authCmd())

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sweep scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)

			trackerID := uuid.New().String()
			log.Info().
				Str("tracker_id", trackerID).
				Str("query", cfg.Query).
				Msg("Starting tracker")

			if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0755); err != nil {
				return fmt.Errorf("create data dir: %w", err)
			}
			st, err := store.Open(cfg.DatabasePath)
			if err != nil {
				return err
			}
			reg, err := account.Load(cfg.RegistryPath, cfg.StorageRoot)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			sched := scheduler.New(cfg, reg, st, &telegramhelper.RealTelegramService{})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sched.Run(gctx)
			})
			if err := g.Wait(); err != nil {
				return err
			}
			log.Info().Str("tracker_id", trackerID).Msg("Tracker stopped")
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Interactively log an account in and add it to the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := common.LoadConfig()
			if err != nil {
				return err
			}
			applyLogLevel(cfg.LogLevel)

			reg, err := account.Load(cfg.RegistryPath, cfg.StorageRoot)
			if err != nil {
				return err
			}

			var acct *account.Account
			if idx := reg.IndexOf(name); idx >= 0 {
				acct = reg.Accounts[idx]
			} else {
				acct = &account.Account{
					Name:        name,
					DatabaseDir: filepath.Join(cfg.StorageRoot, name, ".tdlib", "database"),
					FilesDir:    filepath.Join(cfg.StorageRoot, name, ".tdlib", "files"),
				}
				reg.Accounts = append(reg.Accounts, acct)
			}

			svc := &telegramhelper.RealTelegramService{}
			tdlib, err := svc.InitializeClient(acct, cfg.TDLibVerbosity)
			if err != nil {
				return err
			}
			defer telegramhelper.CloseClient(tdlib)

			me, err := tdlib.GetMe()
			if err != nil {
				return fmt.Errorf("verify login: %w", err)
			}
			log.Info().
				Str("account", acct.Name).
				Str("first_name", me.FirstName).
				Msg("Account logged in")

			limits, err := tdlib.GetPublicPostSearchLimits()
			if err != nil {
				log.Warn().Err(err).Msg("Failed to fetch initial quota limits")
			} else {
				acct.ApplyLimits(limits.DailyFreeQueryCount, limits.RemainingFreeQueryCount, limits.NextFreeQueryIn, limits.StarCount, time.Now())
			}

			return reg.Save()
		},
	}
	cmd.Flags().StringVar(&name, "name", "account0", "registry name for the account")
	return cmd
}

func applyLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		log.Warn().Str("level", level).Msg("Unknown log level, keeping default")
		return
	}
	zerolog.SetGlobalLevel(parsed)
}
