package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/transitsuite/tspjob/internal/coreapp"
	"github.com/transitsuite/tspjob/internal/domain"
	"github.com/transitsuite/tspjob/internal/platform/logger"
	"github.com/transitsuite/tspjob/internal/platform/procconfig"
)

// tspjobctl is the thin CLI wrapper spec.md §6 names: run/list/status
// against the same Run Store a daemon process uses. Grounded on
// jontk-slurm-client/cmd/slurm-cli/main.go's Cobra root-command +
// subcommand-per-verb shape (global persistent flags, a version
// command, one Run func per verb); it links in no job bodies itself, so
// `run`/`list` only report on whatever a co-deployed daemon binary
// registered into the shared catalog.
//
// Exit codes per spec.md §6: 0 success, 1 job failure, 2 usage/registry
// error, 3 runtime startup failure.

var (
	outputFmt string

	rootCmd = &cobra.Command{
		Use:   "tspjobctl",
		Short: "operator CLI for the tspjob runtime",
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format for list: table, or any other value for tab-separated name and schedule kind lines (run and status ignore it)")
	rootCmd.AddCommand(runCmd, listCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

// buildCore wires a Core against the same Run Store a daemon uses, with
// no job catalog of its own — callers provide defs from a host binary
// that links in real job bodies. The reference wiring here uses none,
// since job bodies are out of this module's scope (spec.md §1).
func buildCore() (*coreapp.Core, error) {
	pcfg := procconfig.Load()
	log, err := logger.New(pcfg.LogMode)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	store, err := procconfig.OpenStore(context.Background(), pcfg, log)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	cfg := coreapp.LoadConfig(log)
	return coreapp.New(cfg, coreapp.Dependencies{Store: store, Log: log}, nil)
}

var runCmd = &cobra.Command{
	Use:   "run <job_name> [key=value ...]",
	Short: "synchronously trigger a single job, bypassing its schedule",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// --retry does not currently override the job's own declared
		// RetryPolicy (Trigger has no per-call override path); it only
		// changes how this command reports a dead-letter outcome. A
		// true bypass would need the Dispatcher to accept a one-shot
		// retry-policy override alongside the trigger.
		retry, _ := cmd.Flags().GetBool("retry")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		core, err := buildCore()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}

		jobName := args[0]
		inputs, err := parseKeyValues(args[1:])
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		since := time.Now().UTC()
		if err := core.Trigger(jobName, inputs); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}

		run, err := awaitRun(core, jobName, since, timeout)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		printRun(run)

		if run.Status == domain.RunSucceeded {
			return nil
		}
		if run.Status == domain.RunDead && retry {
			fmt.Fprintln(os.Stderr, "run exhausted its retry budget and landed in dead state")
		}
		os.Exit(1)
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("retry", false, "report a dead outcome as an exhausted retry budget; the job's declared retry policy applies either way")
	runCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the run to reach a terminal state")
}

// awaitRun polls for the Run Record the trigger produced. The Dispatcher
// enqueues asynchronously, so there is no synchronous run_id handed
// back; the newest run for jobName created after since is it, since
// tspjobctl's own trigger is the only writer a human invocation races
// against in practice.
func awaitRun(core *coreapp.Core, jobName string, since time.Time, timeout time.Duration) (*domain.RunRecord, error) {
	deadline := time.Now().Add(timeout)
	ctx := context.Background()
	var run *domain.RunRecord
	for time.Now().Before(deadline) {
		runs, err := core.TailRuns(ctx, domain.RunFilter{JobName: jobName, Since: since}, 1)
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			run = runs[0]
			if run.Status.Terminal() {
				return run, nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	if run != nil {
		return run, fmt.Errorf("run %s did not reach a terminal state within %s (last status: %s)", run.RunID, timeout, run.Status)
	}
	return nil, fmt.Errorf("no run observed for job %q within %s", jobName, timeout)
}

func parseKeyValues(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(args))
	for _, arg := range args {
		key, val, found := strings.Cut(arg, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", arg)
		}
		out[key] = val
	}
	return out, nil
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "print registered jobs and their next fire times",
	RunE: func(cmd *cobra.Command, args []string) error {
		core, err := buildCore()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		defs := core.Registry.List()
		if outputFmt == "table" {
			fmt.Printf("%-30s %-14s %-25s\n", "JOB NAME", "SCHEDULE", "NEXT FIRE")
			fmt.Println(strings.Repeat("-", 72))
			for _, def := range defs {
				next, ok, err := core.Resolver.Next(def.Schedule, time.Now().UTC())
				nextStr := "n/a"
				if err == nil && ok {
					nextStr = next.Format(time.RFC3339)
				}
				fmt.Printf("%-30s %-14s %-25s\n", def.Name, def.Schedule.Kind, nextStr)
			}
		} else {
			for _, def := range defs {
				fmt.Printf("%s\t%s\n", def.Name, def.Schedule.Kind)
			}
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <run_id>",
	Short: "print a Run Record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID, err := uuid.Parse(args[0])
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid run_id:", err)
			os.Exit(2)
		}
		core, err := buildCore()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(3)
		}
		run, err := core.Status(context.Background(), runID)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		printRun(run)
		return nil
	},
}

func printRun(run *domain.RunRecord) {
	fmt.Printf("Run ID:     %s\n", run.RunID)
	fmt.Printf("Job:        %s\n", run.JobName)
	fmt.Printf("Attempt:    %d\n", run.Attempt)
	fmt.Printf("Status:     %s\n", run.Status)
	if run.ErrorKind != "" {
		fmt.Printf("Error Kind: %s\n", run.ErrorKind)
		fmt.Printf("Error:      %s\n", run.ErrorMessage)
	}
	if run.StartedAt != nil {
		fmt.Printf("Started:    %s\n", run.StartedAt.Format(time.RFC3339))
	}
	if run.FinishedAt != nil {
		fmt.Printf("Finished:   %s\n", run.FinishedAt.Format(time.RFC3339))
	}
}
