package cli

import (
	"strconv"

	"github.com/spf13/cobra"
)

// NewTriggerCmd создаёт группу команд для расписаний.
// Триггеры задаются в конфигурации сервера, CLI только показывает их.
func NewTriggerCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Inspect scheduled pipeline triggers",
	}

	cmd.AddCommand(newTriggerListCmd(clientFn, outputFn))

	return cmd
}

func newTriggerListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			triggers, err := client.ListTriggers(cmd.Context())
			if err != nil {
				return err
			}

			headers := []string{"NAME", "PIPELINE", "CRON", "INTERVAL", "TIMEZONE", "ENABLED", "NEXT_DUE", "LAST_RUN"}
			rows := make([][]string, len(triggers))
			for i, t := range triggers {
				interval := ""
				if t.IntervalSec > 0 {
					interval = strconv.Itoa(t.IntervalSec) + "s"
				}
				rows[i] = []string{
					t.Name, t.Pipeline, t.CronExpr, interval, t.Timezone,
					strconv.FormatBool(t.Enabled), t.NextDueAt, t.LastRunID,
				}
			}

			out.Print(headers, rows, triggers)
			return nil
		},
	}
}
