// zonectl runs the zone pipeline's tool steps against a local
// checkout: the same fmt/init/validate/plan/security sequence the
// orchestrator drives per run, without the control plane.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/zonepilot-labs/zonepilot-go/internal/config"
	"github.com/zonepilot-labs/zonepilot-go/internal/platform/env"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := &cli.Command{
		Name:  "zonectl",
		Usage: "Run zone pipeline steps against a local checkout",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to the stack config file",
				Value: "zonepilot.yaml",
			},
			&cli.StringFlag{
				Name:  "dir",
				Usage: "repository checkout root",
				Value: ".",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Verify the stack config parses and the tool binaries are installed",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.check(ctx)
				},
			},
			{
				Name:  "fmt",
				Usage: "Check zone declarations for canonical formatting",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.fmtCheck(ctx)
				},
			},
			{
				Name:  "init",
				Usage: "Initialize providers and backend state",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.init(ctx)
				},
			},
			{
				Name:  "validate",
				Usage: "Validate zone declarations",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.validate(ctx)
				},
			},
			{
				Name:  "plan",
				Usage: "Compute the change set against live state",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.plan(ctx)
				},
			},
			{
				Name:  "security",
				Usage: "Run the static security scan (informational)",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.security(ctx)
				},
			},
			{
				Name:  "act",
				Usage: "Execute the verify pipeline locally through the engine",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.act(ctx)
				},
			},
			{
				Name:  "cleanup",
				Usage: "Remove local tool state and plan files",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.cleanup()
				},
			},
			{
				Name:  "all",
				Usage: "Run check, fmt, init, validate, plan and security in order",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					app, err := newApp(cmd)
					if err != nil {
						return err
					}
					return app.all(ctx)
				},
			},
		},
	}

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error("zonectl failed", "error", err)
		os.Exit(1)
	}
}

type app struct {
	stack config.Stack
	dir   string
	token string
}

func newApp(cmd *cli.Command) (*app, error) {
	stack, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(cmd.String("dir"))
	if err != nil {
		return nil, fmt.Errorf("resolve dir: %w", err)
	}
	return &app{
		stack: stack,
		dir:   dir,
		token: env.String("ZONEPILOT_PROVIDER_TOKEN", ""),
	}, nil
}

func (a *app) check(ctx context.Context) error {
	for _, binary := range []string{a.stack.Tool.Binary, a.stack.Scanner.Binary} {
		path, err := exec.LookPath(binary)
		if err != nil {
			return fmt.Errorf("%s not found on PATH", binary)
		}
		fmt.Printf("%s: %s\n", binary, path)
	}
	workDir := filepath.Join(a.dir, a.stack.WorkDir)
	info, err := os.Stat(workDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("work dir missing: %s", workDir)
	}
	fmt.Printf("stack %q ok, work dir %s\n", a.stack.Name, workDir)
	return nil
}

func (a *app) cleanup() error {
	workDir := filepath.Join(a.dir, a.stack.WorkDir)
	targets := []string{
		filepath.Join(workDir, ".terraform"),
		filepath.Join(workDir, a.stack.Tool.PlanFile),
	}
	for _, target := range targets {
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("remove %s: %w", target, err)
		}
		fmt.Printf("removed %s\n", target)
	}
	return nil
}

// all mirrors the verify pipeline's tool sequence and stops at the
// first failing step.
func (a *app) all(ctx context.Context) error {
	steps := []step{
		{name: "check", fn: a.check},
		{name: "fmt", fn: a.fmtCheck},
		{name: "init", fn: a.init},
		{name: "validate", fn: a.validate},
		{name: "plan", fn: a.plan},
		{name: "security", fn: a.security},
	}
	return runSteps(ctx, steps)
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

func runSteps(ctx context.Context, steps []step) error {
	for _, s := range steps {
		fmt.Printf("==> %s\n", s.name)
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
