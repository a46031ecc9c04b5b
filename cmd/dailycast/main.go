package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli"

	"dailycast/internal/app"
)

var version = "dev"

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "dailycast: %s\n", err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	c := cli.NewApp()
	c.Name = "dailycast"
	c.Usage = "send one message to a list of recipients every day at a fixed local time"
	c.Version = version
	c.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "config, c",
			Value:  "./config.yaml",
			Usage:  "path to the YAML or JSON config",
			EnvVar: "DAILYCAST_CONFIG",
		},
		cli.StringFlag{
			Name:  "env-file",
			Value: ".env",
			Usage: "dotenv file loaded before the config (missing is fine)",
		},
	}
	c.Before = loadEnv
	c.Action = run
	c.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "run the daemon (scheduler, messenger and dashboard)",
			Action: run,
		},
		{
			Name:   "check",
			Usage:  "validate the config and schedule file and print the send times",
			Action: check,
		},
		{
			Name:   "send-now",
			Usage:  "connect, send the current message to every recipient once and exit",
			Action: sendNow,
		},
	}
	return c
}

func loadEnv(c *cli.Context) error {
	path := c.GlobalString("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func run(c *cli.Context) error {
	a, err := app.New(c.GlobalString("config"))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func check(c *cli.Context) error {
	return app.Check(c.GlobalString("config"), os.Stdout)
}

func sendNow(c *cli.Context) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	sum, err := app.SendNow(ctx, c.GlobalString("config"), os.Stdout)
	if sum.ID != "" {
		fmt.Printf("broadcast %s: %d sent, %d failed in %s\n", sum.ID, sum.Total-sum.Failed, sum.Failed, sum.Took.Truncate(time.Millisecond))
	}
	return err
}
