package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/znz-systems/relaywarm/internal/config"
	"github.com/znz-systems/relaywarm/internal/database"
	"github.com/znz-systems/relaywarm/internal/stats"
	"github.com/znz-systems/relaywarm/internal/thread"
	"github.com/znz-systems/relaywarm/migrations"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "relaywarm",
		Usage:   "warm up relay servers with paced, self-correcting traffic",
		Version: version,
		Before: func(c *cli.Context) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogger(cfg.LogLevel, cfg.LogFormat)
			c.App.Metadata = map[string]interface{}{"config": cfg}
			return nil
		},
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the webhook endpoint, queue dispatcher and scheduled jobs",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "down", Usage: "roll back `N` migrations instead of applying"},
				},
				Action: migrate,
			},
			{
				Name:   "advance",
				Usage:  "run the daily warmup pass once",
				Action: advance,
			},
			{
				Name:   "sweep",
				Usage:  "run retention, daily aggregation and counter cleanup once",
				Action: sweep,
			},
			{
				Name:  "test-connection",
				Usage: "send a test message through one relay server",
				Flags: []cli.Flag{
					&cli.Int64Flag{Name: "server", Required: true, Usage: "relay server `ID`"},
					&cli.StringFlag{Name: "to", Required: true, Usage: "recipient `ADDRESS`"},
				},
				Action: testConnection,
			},
			{
				Name:   "status",
				Usage:  "show warmup day, quota and today's volume per server",
				Action: status,
			},
			{
				Name:   "chains",
				Usage:  "list reply chains detected from template names",
				Action: chains,
			},
			{
				Name:   "secret",
				Usage:  "print the webhook secret, creating it if needed",
				Action: printSecret,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("relaywarm failed", "error", err)
		os.Exit(1)
	}
}

func configFrom(c *cli.Context) *config.Config {
	return c.App.Metadata["config"].(*config.Config)
}

func migrate(c *cli.Context) error {
	cfg := configFrom(c)
	if n := c.Int("down"); n > 0 {
		if err := database.RollbackMigrations(migrations.FS, cfg.DatabaseURL, n); err != nil {
			return fmt.Errorf("roll back migrations: %w", err)
		}
		slog.Info("migrations rolled back", "steps", n)
		return nil
	}
	if err := database.RunMigrations(migrations.FS, cfg.DatabaseURL); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("migrations applied")
	return nil
}

func advance(c *cli.Context) error {
	a, err := newApp(c.Context, configFrom(c))
	if err != nil {
		return err
	}
	defer a.Close()
	return a.engine.AdvanceAll(c.Context)
}

func sweep(c *cli.Context) error {
	a, err := newApp(c.Context, configFrom(c))
	if err != nil {
		return err
	}
	defer a.Close()
	return a.maintenance(c.Context)
}

func testConnection(c *cli.Context) error {
	a, err := newApp(c.Context, configFrom(c))
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.pipeline.TestConnection(c.Context, c.Int64("server"), c.String("to"))
	fmt.Fprintln(c.App.Writer, report.Message)
	return err
}

func chains(c *cli.Context) error {
	cfg := configFrom(c)
	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	templates, err := a.templates.ListTemplates(c.Context)
	if err != nil {
		return fmt.Errorf("list templates: %w", err)
	}
	for _, ch := range thread.Chains(templates, cfg.Thread.Suffix) {
		steps := make([]string, 0, len(ch.Steps))
		for _, s := range ch.Steps {
			name := s.Name
			if s.Missing {
				name += " (missing)"
			}
			steps = append(steps, name)
		}
		fmt.Fprintf(c.App.Writer, "%s: %s\n", ch.Root, strings.Join(steps, " -> "))
	}
	return nil
}

func printSecret(c *cli.Context) error {
	a, err := newApp(c.Context, configFrom(c))
	if err != nil {
		return err
	}
	defer a.Close()

	secret, err := a.secrets.Secret(c.Context)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, secret)
	return nil
}

func status(c *cli.Context) error {
	cfg := configFrom(c)
	a, err := newApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	servers, err := a.servers.ListServers(c.Context, false)
	if err != nil {
		return fmt.Errorf("list servers: %w", err)
	}
	quota := stats.QuotaParams{StartVolume: cfg.Warmup.StartVolume, GrowthPercent: cfg.Warmup.GrowthPercent}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDOMAIN\tACTIVE\tDAY\tQUOTA\tSENT TODAY\tREPLIES TODAY\tACTIVE THREADS")
	for i := range servers {
		s := &servers[i]
		sent, err := a.stats.SentToday(c.Context, s.ID)
		if err != nil {
			return err
		}
		threads, err := a.stats.ThreadStats(c.Context, s.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%d\t%s\t%t\t%d\t%d\t%d\t%d\t%d\n",
			s.ID, s.Domain, s.Active, s.WarmupDay, stats.DailyQuota(s, quota), sent, threads.RepliesToday, threads.ActiveThreads)
	}
	return w.Flush()
}
