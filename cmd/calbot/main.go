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

	"github.com/urfave/cli/v2"

	"calbot/internal/app"
	"calbot/internal/calendar"
	"calbot/internal/config"
	"calbot/internal/storage"
	logx "calbot/pkg/logx"
)

const stopTimeout = 15 * time.Second

func main() {
	// Missing .env files are fine.
	_ = config.LoadDotEnv()

	cliApp := &cli.App{
		Name:  "calbot",
		Usage: "Telegram calendar reminders",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML or JSON config (default $" + config.EnvConfigPath + " or " + config.DefaultPath + ")",
			},
		},
		Action: runAction,
		Commands: []*cli.Command{
			runCommand(),
			checkCommand(),
			exportCommand(),
			importCommand(),
			dueCommand(),
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		logx.NewConsole("info").Error("calbot failed", logx.Err(err))
		os.Exit(1)
	}
}

func cfgPath(c *cli.Context) string {
	return config.ResolvePath(c.String("config"))
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:   "run",
		Usage:  "Run the bot until SIGINT or SIGTERM (default).",
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	a, err := app.NewApp(cfgPath(c))
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(c.Context); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigs:
		reason = app.ReasonFor(sig)
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, reason); err != nil {
		return err
	}
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

func checkCommand() *cli.Command {
	return &cli.Command{
		Name:  "check",
		Usage: "Validate the config file and exit.",
		Action: func(c *cli.Context) error {
			m := config.NewConfigManager(cfgPath(c))
			cfg, err := m.Load()
			if err != nil {
				return err
			}
			interval, look, err := app.DueWindow(cfg)
			if err != nil {
				return err
			}
			loc, _ := cfg.Location()
			fmt.Fprintf(c.App.Writer, "config ok: %s\n  timezone      %s\n  poll interval %s\n  lookahead     %s\n  storage       %s\n",
				m.Path(), loc, interval, look, storageName(cfg))
			return nil
		},
	}
}

func storageName(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Storage.Driver); d != "" {
		return d
	}
	return "sqlite"
}

// openOffline opens the store without the token check so maintenance
// commands work on hosts that never talk to Telegram.
func openOffline(c *cli.Context) (*config.Config, storage.Store, *time.Location, error) {
	cfg, err := config.NewConfigManager(cfgPath(c)).Parse()
	if err != nil {
		return nil, nil, nil, err
	}
	st, loc, err := app.OpenStore(cfg, logx.NewConsole(cfg.Logging.Level))
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, st, loc, nil
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write stored events as an iCalendar file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "output file (default stdout)"},
			&cli.Int64Flag{Name: "group", Usage: "only events of this chat"},
		},
		Action: func(c *cli.Context) error {
			_, st, _, err := openOffline(c)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.FindAll(c.Context)
			if err != nil {
				return err
			}
			if g := c.Int64("group"); g != 0 {
				events = calendar.Filter(events, calendar.InGroup(g))
			}
			body := calendar.ExportICS(events, app.ICSProdID)

			var w io.Writer = c.App.Writer
			if p := c.String("out"); p != "" {
				f, err := os.Create(p)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			_, err = io.WriteString(w, body)
			return err
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Load VEVENTs from an iCalendar file into a chat.",
		ArgsUsage: "<file.ics>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "group", Required: true, Usage: "owning chat id"},
			&cli.Int64Flag{Name: "channel", Usage: "destination chat id (default: the group)"},
			&cli.IntFlag{Name: "thread", Usage: "destination topic id"},
			&cli.Int64Flag{Name: "owner", Usage: "user id recorded as creator"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("import needs exactly one file", 2)
			}
			_, st, loc, err := openOffline(c)
			if err != nil {
				return err
			}
			defer st.Close()

			f, err := os.Open(c.Args().First())
			if err != nil {
				return err
			}
			defer f.Close()

			channel := c.Int64("channel")
			if channel == 0 {
				channel = c.Int64("group")
			}
			defaults := calendar.Event{
				OwnerID:   c.Int64("owner"),
				GroupID:   c.Int64("group"),
				ChannelID: channel,
				ThreadID:  c.Int("thread"),
			}
			events, err := calendar.ImportICS(f, defaults, loc)
			if err != nil {
				return err
			}

			var errs []error
			n := 0
			for _, ev := range events {
				if _, err := st.Insert(c.Context, ev); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", ev.Name, err))
					continue
				}
				n++
			}
			fmt.Fprintf(c.App.Writer, "imported %d of %d events\n", n, len(events))
			return errors.Join(errs...)
		},
	}
}

func dueCommand() *cli.Command {
	return &cli.Command{
		Name:  "due",
		Usage: "List the events a tick at --at would fire, without sending.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "at", Usage: "RFC3339 instant (default now)"},
		},
		Action: func(c *cli.Context) error {
			cfg, st, loc, err := openOffline(c)
			if err != nil {
				return err
			}
			defer st.Close()

			now := time.Now().In(loc)
			if raw := c.String("at"); raw != "" {
				if now, err = time.Parse(time.RFC3339, raw); err != nil {
					return cli.Exit("--at must be RFC3339, e.g. 2026-01-02T09:00:00Z", 2)
				}
				now = now.In(loc)
			}
			_, look, err := app.DueWindow(cfg)
			if err != nil {
				return err
			}
			events, err := st.FindAll(c.Context)
			if err != nil {
				return err
			}
			due := calendar.SelectDue(events, now, look)
			fmt.Fprintf(c.App.Writer, "%d due at %s (±%s)\n", len(due), calendar.FormatWall(now), look)
			for _, ev := range due {
				fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\t%s\n",
					ev.ID, calendar.FormatWall(calendar.CandidateTime(ev, now)), ev.Recurrence.Title(), ev.Name)
			}
			return nil
		},
	}
}
