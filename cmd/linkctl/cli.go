package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ashureev/linkgate/internal/directory"
	"github.com/ashureev/linkgate/internal/domain"
	"github.com/ashureev/linkgate/internal/hostsdk/line"
	"github.com/ashureev/linkgate/internal/redirect"
	"github.com/ashureev/linkgate/internal/store"
)

// repoOpener opens the repository on first use.
type repoOpener func() (store.Repository, error)

func newRepoOpener(dbPath string) repoOpener {
	return func() (store.Repository, error) {
		return store.NewSQLite(dbPath)
	}
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(open repoOpener) *cli.App {
	app := &cli.App{
		Name:    "linkctl",
		Usage:   "Employee directory and deep-link administration",
		Version: Version,
		Commands: []*cli.Command{
			employeeCmd(open),
			explainCmd(),
			cleanupCmd(open),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// employeeCmd groups directory management subcommands.
func employeeCmd(open repoOpener) *cli.Command {
	return &cli.Command{
		Name:  "employee",
		Usage: "Manage the employee directory",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create or update an employee",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "uid", Required: true, Usage: "Employee UID"},
					&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "Display name"},
					&cli.StringFlag{Name: "phone", Aliases: []string{"p"}, Required: true, Usage: "Registered phone number"},
					&cli.StringFlag{Name: "department", Aliases: []string{"d"}, Usage: "Department"},
				},
				Action: func(c *cli.Context) error {
					phone := directory.NormalizePhone(c.String("phone"))
					if phone == "" {
						return outputError(fmt.Errorf("invalid phone number %q", c.String("phone")))
					}

					return withRepo(c.Context, open, func(ctx context.Context, repo store.Repository) error {
						emp := &domain.Employee{
							UID:         strings.TrimSpace(c.String("uid")),
							DisplayName: strings.TrimSpace(c.String("name")),
							Phone:       phone,
							Department:  strings.TrimSpace(c.String("department")),
						}
						if err := repo.UpsertEmployee(ctx, emp); err != nil {
							return err
						}
						saved, err := repo.GetEmployee(ctx, emp.UID)
						if err != nil {
							return err
						}
						return outputJSON(c.App.Writer, saved)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List employees",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "unlinked", Usage: "Only employees without a linked host account"},
				},
				Action: func(c *cli.Context) error {
					return withRepo(c.Context, open, func(ctx context.Context, repo store.Repository) error {
						employees, err := repo.ListEmployees(ctx)
						if err != nil {
							return err
						}
						out := make([]*domain.Employee, 0, len(employees))
						for _, e := range employees {
							if c.Bool("unlinked") && e.IsLinked() {
								continue
							}
							out = append(out, e)
						}
						return outputJSON(c.App.Writer, out)
					})
				},
			},
		},
	}
}

type explainOutput struct {
	Kind          string `json:"kind"`
	DecodePasses  int    `json:"decode_passes"`
	CanonicalPath string `json:"canonical_path,omitempty"`
	Target        string `json:"target,omitempty"`
	Rejected      string `json:"rejected,omitempty"`
}

// explainCmd shows how a deep-link parameter value would be handled.
func explainCmd() *cli.Command {
	return &cli.Command{
		Name:      "explain",
		Usage:     "Explain the redirect decision for a liff.state value",
		ArgsUsage: "<value>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "path", Value: "/", Usage: "Path the page was opened on"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return outputError(fmt.Errorf("a liff.state value is required"))
			}

			d := redirect.Explain(c.Args().First(), c.String("path"))
			out := explainOutput{
				Kind:          d.Kind.String(),
				DecodePasses:  d.DecodePasses,
				CanonicalPath: d.CanonicalPath,
				Target:        d.Target(),
			}
			if d.Rejected != nil {
				out.Rejected = d.Rejected.Error()
			}
			return outputJSON(c.App.Writer, out)
		},
	}
}

type cleanupOutput struct {
	HostSessions  int64 `json:"host_sessions_deleted"`
	LoginAttempts int64 `json:"login_attempts_deleted"`
}

// cleanupCmd removes expired host sessions and stale login attempts.
func cleanupCmd(open repoOpener) *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Delete expired host sessions and stale login attempts",
		Action: func(c *cli.Context) error {
			return withRepo(c.Context, open, func(ctx context.Context, repo store.Repository) error {
				var out cleanupOutput
				var err error
				if out.HostSessions, err = repo.DeleteExpiredHostSessions(ctx, time.Now()); err != nil {
					return err
				}
				if out.LoginAttempts, err = repo.CleanupLoginAttempts(ctx, line.LoginAttemptTTL); err != nil {
					return err
				}
				return outputJSON(c.App.Writer, out)
			})
		},
	}
}

func withRepo(ctx context.Context, open repoOpener, fn func(context.Context, store.Repository) error) error {
	repo, err := open()
	if err != nil {
		return outputError(err)
	}
	defer repo.Close()

	if err := fn(ctx, repo); err != nil {
		return outputError(err)
	}
	return nil
}

// outputJSON writes v as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats error for CLI.
func outputError(err error) error {
	return cli.Exit(err.Error(), 1)
}
