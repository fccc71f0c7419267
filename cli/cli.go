// Package cli wires the learnlog commands: the HTTP server, the
// extraction trigger, and administrative uploads.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"gorm.io/gorm"

	"github.com/learnlog/learnlog/config"
	"github.com/learnlog/learnlog/logstore"
	"github.com/learnlog/learnlog/store"
)

const AppName = "learnlog"

type App struct {
	logger zerolog.Logger
	cli    *cli.App
}

func New() *App {

	// Set default log level to info
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	logger :=
		log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339Nano,
		})

	app := &App{
		logger: logger,
		cli: &cli.App{
			Name:  AppName,
			Usage: "Ingest learning-tool logs and extract structured events",
			Flags: []cli.Flag{
				&cli.BoolFlag{
					Name:  "verbose",
					Usage: "Enable verbose (debug) logging",
				},
				&cli.StringFlag{
					Name:    "config",
					Aliases: []string{"c"},
					Usage:   "Path to the YAML config file",
				},
			},
			Before: func(ctx *cli.Context) error {
				if ctx.Bool("verbose") {
					zerolog.SetGlobalLevel(zerolog.DebugLevel)
				}
				return nil
			},
		},
	}
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "serve",
		Usage:  "Run the log upload and retrieval server",
		Action: app.serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Listen address (overrides config)",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "process",
		Usage:  "Extract events from stored log files",
		Action: app.process,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "level",
				Aliases: []string{"l"},
				Usage:   "Minimum level for generic log events (name or numeric code)",
				Value:   "error",
			},
			&cli.Int64SliceFlag{
				Name:  "id",
				Usage: "Restrict to explicit log file ids (repeatable)",
			},
			&cli.Uint64Flag{
				Name:  "repo",
				Usage: "Restrict to one repository id",
			},
			&cli.BoolFlag{
				Name:  "reset",
				Usage: "Reprocess already-processed files, deleting their derived events first",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:      "upload",
		Usage:     "Ingest a log file from disk on behalf of a repository",
		ArgsUsage: "FILE",
		Action:    app.upload,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "repo",
				Usage:    "Owning repository URI",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "name",
				Usage: "Declared filename (defaults to the file's base name)",
			},
			&cli.StringFlag{
				Name:  "date",
				Usage: "Associated date (YYYY-MM-DD, overrides filename derivation)",
			},
		},
	})
	app.cli.Commands = append(app.cli.Commands, &cli.Command{
		Name:   "migrate",
		Usage:  "Create or update the database schema",
		Action: app.migrate,
	})
	return app
}

func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}

// SetVersion sets the version information for the CLI application
func (a *App) SetVersion(version, commit, date string) {
	a.cli.Version = version
	if commit != "none" && commit != "" {
		a.cli.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit[:8], date)
	}
}

// open loads configuration and connects the database and blob store.
func (a *App) open(ctx *cli.Context) (*config.Config, *gorm.DB, *logstore.Store, error) {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := store.Open(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, db, logstore.New(db, cfg.BlobDir, a.logger), nil
}
