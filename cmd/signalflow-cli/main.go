// Signalflow CLI — инструмент командной строки для управления
// runs, ордерами и pipelines через HTTP API.
//
// Использование:
//
//	signalflow-cli [--api-url URL] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	run        Управление runs
//	order      Ордера
//	positions  Позиции по рынкам
//	pipeline   Каталог pipelines
//	trigger    Расписания
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaiso/Signalflow/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var jsonOutput bool

	defaultURL := "http://localhost:8080"
	if v := os.Getenv("SIGNALFLOW_API_URL"); v != "" {
		defaultURL = v
	}

	rootCmd := &cobra.Command{
		Use:           "signalflow-cli",
		Short:         "Signalflow CLI — prediction market pipelines",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", defaultURL, "API server URL (env: SIGNALFLOW_API_URL)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *cli.Client { return cli.NewClient(apiURL) }
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewOrderCmd(clientFn, outputFn),
		cli.NewPositionsCmd(clientFn, outputFn),
		cli.NewPipelineCmd(clientFn, outputFn),
		cli.NewTriggerCmd(clientFn, outputFn),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
