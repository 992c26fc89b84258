package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"routinely/internal/app"
	logx "routinely/pkg/logx"
)

func main() {
	cmd := &cli.Command{
		Name:   "routinely",
		Usage:  "Reminder scheduling for routines and calendar events",
		Action: serve(app.ModeServe),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "./config.yaml",
				Sources: cli.EnvVars("ROUTINELY_CONFIG"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and every enabled reminder context",
				Action: serve(app.ModeServe),
			},
			{
				Name:   "worker",
				Usage:  "Run the background context fed by the schedule bridge",
				Action: serve(app.ModeWorker),
			},
			{
				Name:   "sweep",
				Usage:  "Deliver reminders due this minute for every owner, then exit",
				Action: sweep,
			},
			{
				Name:   "import-ics",
				Usage:  "Store the events of an ICS file for an owner",
				Action: importICS,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Aliases: []string{"f"}, Usage: "ICS file, - for stdin", Required: true},
					&cli.StringFlag{Name: "owner", Usage: "Owner ID", Required: true},
					&cli.StringFlag{Name: "connection", Usage: "Calendar connection ID", Value: "import"},
				},
			},
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logx.NewConsole("info").Error("fatal", logx.Err(err))
		os.Exit(1)
	}
}

func serve(mode app.Mode) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		a, err := app.New(ctx, cmd.String("config"), app.Options{Mode: mode})
		if err != nil {
			return err
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, reason)
		if reason == app.StopFatalError {
			if err := a.Err(); err != nil {
				return err
			}
			return errors.New("stopped unexpectedly")
		}
		return nil
	}
}

func sweep(ctx context.Context, cmd *cli.Command) error {
	a, err := app.New(ctx, cmd.String("config"), app.Options{Mode: app.ModeSweep})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return a.SweepOnce(ctx)
}

func importICS(ctx context.Context, cmd *cli.Command) error {
	var (
		body []byte
		err  error
	)
	if path := cmd.String("file"); path == "-" {
		body, err = io.ReadAll(os.Stdin)
	} else {
		body, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("read ics: %w", err)
	}

	a, err := app.New(ctx, cmd.String("config"), app.Options{Mode: app.ModeImport})
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	n, err := a.ImportICS(ctx, strings.TrimSpace(cmd.String("owner")), cmd.String("connection"), body)
	if err != nil {
		return err
	}
	fmt.Printf("imported %d event instance(s)\n", n)
	return nil
}
