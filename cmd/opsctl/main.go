// opsctl is the operator CLI for the pipeline operations console. It talks
// to the console service over its HTTP API.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Command output goes to stdout; keep logs on stderr so pipelines stay
	// scriptable.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	app := &cli.Command{
		Name:  "opsctl",
		Usage: "Launch and observe pipeline jobs through the console service",
		Commands: []*cli.Command{
			{
				Name:      "launch",
				Usage:     "Launch a job",
				ArgsUsage: "<job-type>",
				Flags: append(clientFlags(),
					&cli.StringSliceFlag{
						Name:  "param",
						Usage: "launch parameter as name=value, repeatable",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "keep watching until the run finishes",
					},
				),
				Action: launchAction,
			},
			{
				Name:      "status",
				Usage:     "Show the latest run state of a job type",
				ArgsUsage: "<job-type>",
				Flags: append(clientFlags(),
					&cli.BoolFlag{
						Name:  "show-output",
						Usage: "print the retained session output",
					},
				),
				Action: statusAction,
			},
			{
				Name:      "watch",
				Usage:     "Follow a job until its run finishes",
				ArgsUsage: "<job-type>",
				Flags: append(clientFlags(),
					&cli.DurationFlag{
						Name:  "interval",
						Usage: "poll interval",
						Value: 5 * time.Second,
					},
					&cli.BoolFlag{
						Name:  "long-poll",
						Usage: "hold status requests server-side instead of sleeping",
					},
				),
				Action: watchAction,
			},
			{
				Name:      "result",
				Usage:     "Show the recorded outcome of the most recent run",
				ArgsUsage: "<job-type>",
				Flags:     clientFlags(),
				Action:    resultAction,
			},
			{
				Name:   "list",
				Usage:  "List all configured job types",
				Flags:  clientFlags(),
				Action: listAction,
			},
			{
				Name:   "ping",
				Usage:  "Check that the console service is reachable",
				Flags:  clientFlags(),
				Action: pingAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}
