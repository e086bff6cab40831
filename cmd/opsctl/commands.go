package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"opsconsole/pkg/console"
)

// clientFlags is shared by every command that talks to the service.
func clientFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "console service address",
			Value: envOr("CONSOLE_ADDR", "http://127.0.0.1:8080"),
		},
		&cli.StringFlag{
			Name:  "api-key",
			Usage: "bearer token for the service API",
			Value: envOr("CONSOLE_API_KEY", ""),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newClient(cmd *cli.Command) (*console.Client, error) {
	return console.NewClient(console.ClientConfig{
		BaseURL: cmd.String("addr"),
		APIKey:  cmd.String("api-key"),
	})
}

func jobTypeArg(cmd *cli.Command) (string, error) {
	jobType := cmd.Args().First()
	if jobType == "" {
		return "", fmt.Errorf("job type argument is required")
	}
	return jobType, nil
}

// parseParams turns repeated name=value flags into launch parameters.
func parseParams(pairs []string) (map[string]int, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]int, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, expected name=value", pair)
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid value for parameter %q: %q is not an integer", name, raw)
		}
		params[name] = value
	}
	return params, nil
}

func launchAction(ctx context.Context, cmd *cli.Command) error {
	jobType, err := jobTypeArg(cmd)
	if err != nil {
		return err
	}
	params, err := parseParams(cmd.StringSlice("param"))
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}

	resp, launchErr := client.Launch(ctx, jobType, params)
	var conflict *console.ConflictError
	switch {
	case launchErr == nil:
		fmt.Printf("Launched %s as run %s at %s\n",
			resp.JobType, resp.Name, resp.StartedAt.Format(time.RFC3339))
	case errors.As(launchErr, &conflict):
		// Not an error for the operator: the job is already doing the work.
		fmt.Printf("Already running: run %s started at %s\n",
			conflict.Name, conflict.StartedAt.Format(time.RFC3339))
	default:
		return launchErr
	}

	if !cmd.Bool("watch") {
		return nil
	}
	return watchRun(ctx, client, jobType, 5*time.Second, false)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	jobType, err := jobTypeArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	snap, err := client.Status(ctx, jobType)
	if err != nil {
		return err
	}

	fmt.Printf("Job type:  %s\n", snap.JobType)
	fmt.Printf("State:     %s\n", stateOf(snap))
	if snap.Name != "" {
		fmt.Printf("Run:       %s\n", snap.Name)
	}
	if snap.StartedAt != nil {
		fmt.Printf("Started:   %s\n", snap.StartedAt.Format(time.RFC3339))
	}
	if snap.FinishedAt != nil {
		fmt.Printf("Finished:  %s\n", snap.FinishedAt.Format(time.RFC3339))
		if snap.StartedAt != nil {
			fmt.Printf("Duration:  %s\n", snap.FinishedAt.Sub(*snap.StartedAt).Round(time.Second))
		}
	}
	if snap.Result != nil && snap.Result.Reason != "" {
		fmt.Printf("Reason:    %s\n", snap.Result.Reason)
	}
	if cmd.Bool("show-output") && snap.Output != "" {
		fmt.Printf("\n--- Output ---\n%s", snap.Output)
		if !strings.HasSuffix(snap.Output, "\n") {
			fmt.Println()
		}
	}
	return nil
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	jobType, err := jobTypeArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	return watchRun(ctx, client, jobType, cmd.Duration("interval"), cmd.Bool("long-poll"))
}

// watchRun follows the job until its run finishes, streaming output as it
// arrives. Interrupting the watch leaves the job running on the host.
func watchRun(ctx context.Context, client *console.Client, jobType string, interval time.Duration, longPoll bool) error {
	poller := console.NewPoller(client, jobType, console.PollerConfig{
		Interval: interval,
		LongPoll: longPoll,
	})
	defer poller.Stop()

	// printed is only touched by observer callbacks, which all run on the
	// poller goroutine.
	printed := 0
	done := make(chan *console.ResultRecord, 1)
	poller.Start(ctx, console.Observer{
		OnStatus: func(snap *console.Snapshot) {
			if len(snap.Output) > printed {
				fmt.Print(snap.Output[printed:])
				printed = len(snap.Output)
			}
		},
		OnError: func(err error) {
			fmt.Fprintf(os.Stderr, "poll failed, retrying: %v\n", err)
		},
		OnDone: func(rec *console.ResultRecord) {
			done <- rec
		},
	})

	select {
	case rec := <-done:
		renderRecord(rec)
		if rec.Result != nil && !rec.Result.Success {
			return fmt.Errorf("run %s failed", rec.Name)
		}
		return nil
	case <-ctx.Done():
		fmt.Println("\nStopped watching. The job keeps running on the execution host.")
		return nil
	}
}

func resultAction(ctx context.Context, cmd *cli.Command) error {
	jobType, err := jobTypeArg(cmd)
	if err != nil {
		return err
	}
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	rec, err := client.Result(ctx, jobType)
	if console.IsNotFound(err) {
		return fmt.Errorf("no finished run recorded for %q", jobType)
	}
	if err != nil {
		return err
	}
	renderRecord(rec)
	if rec.Result != nil && !rec.Result.Success {
		return fmt.Errorf("run %s failed", rec.Name)
	}
	return nil
}

func listAction(ctx context.Context, cmd *cli.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	jobs, err := client.List(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No job types configured")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Type", "State", "Run", "Started", "Duration", "Description")
	for _, info := range jobs {
		started, duration := "-", "-"
		if info.StartedAt != nil {
			started = info.StartedAt.Format("2006-01-02 15:04")
			if info.FinishedAt != nil {
				duration = info.FinishedAt.Sub(*info.StartedAt).Round(time.Second).String()
			}
		}
		table.Append(info.JobType, stateOf(&info.Snapshot), orDash(info.Name),
			started, duration, info.Description)
	}
	table.Render()
	return nil
}

func pingAction(ctx context.Context, cmd *cli.Command) error {
	client, err := newClient(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := client.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("Service at %s is up (%s)\n", cmd.String("addr"), time.Since(start).Round(time.Millisecond))
	return nil
}

// renderRecord prints the structured outcome of a finished run.
func renderRecord(rec *console.ResultRecord) {
	fmt.Printf("\n=== Run %s (%s) ===\n\n", rec.Name, rec.JobType)
	outcome := "failed"
	if rec.Result != nil && rec.Result.Success {
		outcome = "succeeded"
		if rec.Result.Unconfirmed {
			outcome = "succeeded (unconfirmed)"
		}
	}
	fmt.Printf("Outcome:   %s\n", outcome)
	fmt.Printf("Started:   %s\n", rec.StartedAt.Format(time.RFC3339))
	fmt.Printf("Finished:  %s\n", rec.FinishedAt.Format(time.RFC3339))
	fmt.Printf("Duration:  %s\n", rec.FinishedAt.Sub(rec.StartedAt).Round(time.Second))
	if rec.ExitCode != nil {
		fmt.Printf("Exit code: %d\n", *rec.ExitCode)
	}
	if rec.Result == nil {
		return
	}
	if rec.Result.Reason != "" {
		fmt.Printf("Reason:    %s\n", rec.Result.Reason)
	}
	s := rec.Result.Summary
	fmt.Printf("Counts:    added=%d modified=%d fetched=%d errors=%d\n",
		s.Added, s.Modified, s.Fetched, s.Errors)
	if !rec.Result.Success && rec.Result.RawTail != "" {
		fmt.Printf("\n--- Last output ---\n%s\n", rec.Result.RawTail)
	}
}

func stateOf(snap *console.Snapshot) string {
	switch {
	case snap.Running:
		return "running"
	case snap.SessionActive:
		return "finishing"
	case snap.FinishedAt == nil:
		return "never ran"
	case snap.Result != nil && snap.Result.Success:
		return "succeeded"
	default:
		return "failed"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
