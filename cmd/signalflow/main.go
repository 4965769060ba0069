// Signalflow — сервис pipelines для рынков предсказаний.
//
// Один процесс поднимает orchestrator, планировщик стадий, исполнение
// ордеров, триггеры и HTTP control surface. Несколько экземпляров
// работают с одной базой PostgreSQL и делят runs через lease.
//
// Использование:
//
//	signalflow [--config signalflow.toml]
//	signalflow migrate [--config signalflow.toml]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/Signalflow/internal/config"
	"github.com/shaiso/Signalflow/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var configPath string

	loadConfig := func() (*config.Config, error) {
		path := configPath
		if path == "" {
			path = os.Getenv("SIGNALFLOW_CONFIG")
		}
		if path == "" {
			path = "signalflow.toml"
		}
		return config.Load(path)
	}

	rootCmd := &cobra.Command{
		Use:           "signalflow",
		Short:         "Signalflow — prediction market pipeline service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			// Ожидаем сигнал завершения
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return serve(ctx, cfg)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to TOML config (default: $SIGNALFLOW_CONFIG or signalflow.toml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)

			store, _, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			logger.Info("schema applied", "driver", cfg.Store.Driver)
			return nil
		},
	})

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
