// Package cli provides the command tree for a runtime binary: serving the
// HTTP API, running migrations, operating the job worker and minting
// session tokens. Embedding applications pass their programmatic
// configuration (schemas, hooks, jobs, functions) to NewRootCmd and get a
// ready command tree back.
package cli

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratacms/strata/cms"
	"github.com/stratacms/strata/config"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/server"
)

// flags shared by every subcommand.
type rootFlags struct {
	cfgFile  string
	port     int
	dbURL    string
	logLevel string
}

// NewRootCmd builds the command tree around an application configuration.
// appCfg.Runtime is ignored; the runtime configuration always comes from
// files, environment and flags so one binary serves every environment.
func NewRootCmd(appCfg *cms.Config) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "strata",
		Short:         "Schema-driven headless CMS runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (default searches ./config.yaml, ~/.strata, /etc/strata)")
	root.PersistentFlags().IntVar(&flags.port, "port", 0, "HTTP port (overrides configuration)")
	root.PersistentFlags().StringVar(&flags.dbURL, "db-url", "", "Postgres connection string (overrides configuration)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (overrides configuration)")

	root.AddCommand(serveCmd(appCfg, flags))
	root.AddCommand(migrateCmd(appCfg, flags))
	root.AddCommand(jobsCmd(appCfg, flags))
	root.AddCommand(tokenCmd(flags))
	return root
}

// Execute runs the command tree and exits non-zero on failure.
func Execute(appCfg *cms.Config) {
	if err := NewRootCmd(appCfg).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadRuntime reads the deployment configuration and applies flag
// overrides.
func loadRuntime(flags *rootFlags) (*config.Config, error) {
	rt, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, err
	}
	if flags.port > 0 {
		rt.Server.Port = flags.port
	}
	if flags.dbURL != "" {
		rt.DB.URL = flags.dbURL
	}
	if flags.logLevel != "" {
		rt.Logger.Level = flags.logLevel
	}
	return rt, nil
}

// newApp wires an application from configuration and flags. The caller
// owns the returned app and must Close it.
func newApp(cmd *cobra.Command, appCfg *cms.Config, flags *rootFlags) (*cms.App, error) {
	rt, err := loadRuntime(flags)
	if err != nil {
		return nil, err
	}
	cfg := *appCfg
	cfg.Runtime = rt
	return cms.New(cmd.Context(), &cfg)
}

func serveCmd(appCfg *cms.Config, flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server with an in-process job worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(cmd, appCfg, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.Serve(ctx)
		},
	}
}

func migrateCmd(appCfg *cms.Config, flags *rootFlags) *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage schema migrations",
	}

	run := func(cmd *cobra.Command, fn func(app *cms.App) error) error {
		app, err := newApp(cmd, appCfg, flags)
		if err != nil {
			return err
		}
		defer app.Close()
		return fn(app)
	}

	migrate.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(app *cms.App) error {
				n, err := app.Migrate(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("applied %d migration(s)\n", n)
				return nil
			})
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Revert the last migration batch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(app *cms.App) error {
				n, err := app.Runner.Down(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("reverted %d migration(s)\n", n)
				return nil
			})
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show executed and pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(app *cms.App) error {
				status, err := app.Runner.Status(cmd.Context())
				if err != nil {
					return err
				}
				for _, applied := range status.Executed {
					cmd.Printf("up      %s (batch %d)\n", applied.ID, applied.Batch)
				}
				for _, id := range status.Pending {
					cmd.Printf("pending %s\n", id)
				}
				return nil
			})
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Revert every executed migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(app *cms.App) error {
				n, err := app.Runner.Reset(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("reverted %d migration(s)\n", n)
				return nil
			})
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "fresh",
		Short: "Revert everything, then re-apply all migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, func(app *cms.App) error {
				n, err := app.Runner.Fresh(cmd.Context())
				if err != nil {
					return err
				}
				cmd.Printf("applied %d migration(s)\n", n)
				return nil
			})
		},
	})
	migrate.AddCommand(&cobra.Command{
		Use:   "generate [name]",
		Short: "Diff registered schemas against the latest snapshot and write a migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, func(app *cms.App) error {
				m, err := app.GenerateMigration(args[0])
				if err != nil {
					return err
				}
				if m == nil {
					cmd.Println("no schema changes")
					return nil
				}
				cmd.Printf("wrote %s\n", m.ID)
				return nil
			})
		},
	})
	return migrate
}

func jobsCmd(appCfg *cms.Config, flags *rootFlags) *cobra.Command {
	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Operate the background job worker",
	}
	jobs.AddCommand(&cobra.Command{
		Use:   "listen",
		Short: "Consume jobs until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := newApp(cmd, appCfg, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			return app.ListenJobs(ctx)
		},
	})
	jobs.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Drain currently queued jobs and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd, appCfg, flags)
			if err != nil {
				return err
			}
			defer app.Close()
			n, err := app.RunJobsOnce(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("processed %d job(s)\n", n)
			return nil
		},
	})
	return jobs
}

// tokenCmd mints a session token from the configured secret, for scripting
// and for bootstrapping the first admin session.
func tokenCmd(flags *rootFlags) *cobra.Command {
	var (
		user     string
		email    string
		roles    []string
		lifetime time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(flags)
			if err != nil {
				return err
			}
			secret := rt.Server.JWTSecret
			if secret == "" {
				secret = rt.Secret
			}
			token, err := server.NewJWTService(secret).GenerateToken(&crud.Session{
				UserID: user,
				Email:  email,
				Roles:  normalizeRoles(roles),
			}, lifetime)
			if err != nil {
				return err
			}
			cmd.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "admin", "subject user id")
	cmd.Flags().StringVar(&email, "email", "", "email claim")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{crud.AdminRole}, "comma-separated roles")
	cmd.Flags().DurationVar(&lifetime, "lifetime", config.JWTExpiration, "token lifetime")
	return cmd
}

func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.TrimSpace(role)
		if role != "" {
			out = append(out, role)
		}
	}
	return out
}
