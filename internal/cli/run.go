package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewRunCmd создаёт группу команд для управления runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Manage runs",
	}

	cmd.AddCommand(
		newRunListCmd(clientFn, outputFn),
		newRunStartCmd(clientFn, outputFn),
		newRunShowCmd(clientFn, outputFn),
		newRunCancelCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
		newRunWaitCmd(clientFn, outputFn),
	)

	return cmd
}

func newRunListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var pipeline string
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			runs, err := client.ListRuns(cmd.Context(), ListRunsOpts{
				Pipeline: pipeline,
				Status:   status,
				Limit:    limit,
			})
			if err != nil {
				return err
			}

			headers := []string{"ID", "PIPELINE", "STATUS", "EXECUTION", "CREATED"}
			rows := make([][]string, len(runs))
			for i, r := range runs {
				rows[i] = []string{r.ID, r.Pipeline, r.Status, executionOutcome(r.Execution), r.CreatedAt}
			}

			out.Print(headers, rows, runs)
			return nil
		},
	}

	cmd.Flags().StringVar(&pipeline, "pipeline", "", "Filter by pipeline name")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (PENDING, RUNNING, SUCCEEDED, FAILED, ABORTED)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of results")

	return cmd
}

func newRunStartCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var specFile string
	var inputs []string
	var idempotencyKey string

	cmd := &cobra.Command{
		Use:   "start [PIPELINE]",
		Short: "Start a new run",
		Long: "Start a run of a catalog pipeline, or of an inline definition " +
			"read from --file (YAML or JSON).",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			req := CreateRunRequest{IdempotencyKey: idempotencyKey}
			if len(args) == 1 {
				req.Pipeline = args[0]
			}

			if specFile != "" {
				spec, err := readSpecFile(specFile)
				if err != nil {
					return err
				}
				req.Spec = spec
			}
			if req.Pipeline == "" && req.Spec == nil {
				return fmt.Errorf("pipeline name or --file is required")
			}

			parsed, err := parseInputs(inputs)
			if err != nil {
				return err
			}
			req.Inputs = parsed

			run, err := client.CreateRun(cmd.Context(), req)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run started: %s", run.ID))
			out.Print(
				[]string{"ID", "PIPELINE", "STATUS", "CREATED"},
				[][]string{{run.ID, run.Pipeline, run.Status, run.CreatedAt}},
				run,
			)
			return nil
		},
	}

	cmd.Flags().StringVarP(&specFile, "file", "f", "", "Inline pipeline definition (YAML or JSON)")
	cmd.Flags().StringSliceVar(&inputs, "input", nil, "Input values as KEY=VALUE (repeatable)")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Return the existing run for a repeated key")

	return cmd
}

func newRunShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show run details and stage status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			status, err := client.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			printRunStatus(out, status)
			return nil
		},
	}
}

func newRunCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a pending or running run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			run, err := client.CancelRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Run cancelled: %s", run.ID))
			return nil
		},
	}
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks RUN_ID",
		Short: "List task attempts of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			tasks, err := client.ListTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			headers := []string{"ID", "STAGE", "CAPABILITY", "ATTEMPT", "STATUS", "ERROR_KIND", "ERROR"}
			rows := make([][]string, len(tasks))
			for i, t := range tasks {
				rows[i] = []string{
					t.ID, t.StageID, t.Capability, strconv.Itoa(t.Attempt),
					t.Status, t.ErrorKind, t.Error,
				}
			}

			out.Print(headers, rows, tasks)
			return nil
		},
	}
}

func newRunWaitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var timeout time.Duration
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until a run finishes and its execution is recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			status, err := client.WaitRun(ctx, args[0], interval)
			if err != nil {
				return err
			}

			printRunStatus(out, status)
			if status.Run.Status != "SUCCEEDED" {
				return fmt.Errorf("run %s finished with status %s", status.Run.ID, status.Run.Status)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "Maximum time to wait")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "Polling interval")

	return cmd
}

func printRunStatus(out *Output, status *RunStatusResponse) {
	if out.jsonMode {
		out.JSON(status)
		return
	}

	run := status.Run
	out.Table(
		[]string{"ID", "PIPELINE", "STATUS", "EXECUTION", "ERROR", "CREATED"},
		[][]string{{run.ID, run.Pipeline, run.Status, executionOutcome(run.Execution), run.Error, run.CreatedAt}},
	)
	out.Linef("")

	rows := make([][]string, len(status.Stages))
	for i, s := range status.Stages {
		rows[i] = []string{s.ID, s.Capability, s.Status, strconv.Itoa(s.Attempts), s.ErrorKind, s.Error}
	}
	out.Table([]string{"STAGE", "CAPABILITY", "STATUS", "ATTEMPTS", "ERROR_KIND", "ERROR"}, rows)

	if run.Signal != nil {
		out.Linef("\nsignal: %s %s %s x%d @ %s (confidence %s)",
			run.Signal.Side, run.Signal.MarketID, run.Signal.Outcome,
			run.Signal.Size, run.Signal.Price, run.Signal.Confidence)
	}
	if run.Execution != nil && run.Execution.OrderKey != "" {
		out.Linef("order: %s", run.Execution.OrderKey)
	}
}

func executionOutcome(e *Execution) string {
	if e == nil {
		return ""
	}
	return e.Outcome
}

// parseInputs разбирает KEY=VALUE. Значение, похожее на JSON
// (число, bool, объект, массив), декодируется, иначе остаётся строкой.
func parseInputs(kvs []string) (map[string]any, error) {
	if len(kvs) == 0 {
		return nil, nil
	}

	inputs := make(map[string]any, len(kvs))
	for _, kv := range kvs {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 || parts[0] == "" {
			return nil, fmt.Errorf("invalid input format %q, expected KEY=VALUE", kv)
		}

		var v any
		if err := json.Unmarshal([]byte(parts[1]), &v); err != nil {
			v = parts[1]
		}
		inputs[parts[0]] = v
	}
	return inputs, nil
}

// readSpecFile читает определение pipeline из YAML или JSON и
// возвращает его как JSON.
func readSpecFile(path string) (json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec file: %w", err)
	}

	var spec map[string]any
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse spec file: %w", err)
	}

	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	return raw, nil
}
