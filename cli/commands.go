package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/learnlog/learnlog/extract"
	"github.com/learnlog/learnlog/model"
	"github.com/learnlog/learnlog/server"
	"github.com/learnlog/learnlog/store"
)

func (a *App) serve(ctx *cli.Context) error {
	cfg, db, blobs, err := a.open(ctx)
	if err != nil {
		return err
	}
	if err := store.Migrate(db); err != nil {
		return err
	}

	listen := cfg.Listen
	if addr := ctx.String("listen"); addr != "" {
		listen = addr
	}

	srv := server.New(db, blobs, &server.TokenAuthenticator{DB: db}, a.logger)
	return srv.Listen(listen)
}

func (a *App) process(ctx *cli.Context) error {
	_, db, blobs, err := a.open(ctx)
	if err != nil {
		return err
	}

	opts := extract.Options{
		MinLevel:     model.ParseLevel(ctx.String("level")),
		RepositoryID: ctx.Uint64("repo"),
		Reset:        ctx.Bool("reset"),
	}
	for _, id := range ctx.Int64Slice("id") {
		if id > 0 {
			opts.IDs = append(opts.IDs, uint64(id))
		}
	}

	processor := extract.NewProcessor(db, blobs, a.logger)
	stats, err := processor.Run(ctx.Context, opts)
	if err != nil {
		return fmt.Errorf("processing batch failed: %w", err)
	}

	a.logger.Info().
		Int("files", stats.Files).
		Int("skipped", stats.Skipped).
		Int("log_events", stats.LogEvents).
		Int("test_events", stats.TestEvents).
		Int("tool_runs", stats.ToolRuns).
		Int("dropped", stats.Dropped).
		Msg("Processing complete")
	return nil
}

func (a *App) upload(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("expected exactly one FILE argument")
	}
	path := ctx.Args().First()

	_, db, blobs, err := a.open(ctx)
	if err != nil {
		return err
	}

	var repo model.Repository
	if err := db.Where("uri = ?", ctx.String("repo")).First(&repo).Error; err != nil {
		return fmt.Errorf("unknown repository %q: %w", ctx.String("repo"), err)
	}

	var date *time.Time
	if raw := ctx.String("date"); raw != "" {
		t, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return fmt.Errorf("invalid date %q: %w", raw, err)
		}
		date = &t
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := ctx.String("name")
	if name == "" {
		name = filepath.Base(path)
	}

	file, err := blobs.Ingest(ctx.Context, data, name, &repo, date)
	if err != nil {
		return err
	}

	a.logger.Info().
		Uint64("id", file.ID).
		Str("kind", file.Kind.String()).
		Uint("lines", file.NumLines).
		Str("sha256", file.SHA256).
		Msg("Log file stored")
	return nil
}

func (a *App) migrate(ctx *cli.Context) error {
	_, db, _, err := a.open(ctx)
	if err != nil {
		return err
	}
	return store.Migrate(db)
}
