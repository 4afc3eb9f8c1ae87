package main

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/urfave/cli/v3"

	"github.com/matthewjhunter/chatmem/internal/config"
	"github.com/matthewjhunter/chatmem/internal/logging"
)

// setup installs the configured logger and opens the stores. The caller
// closes the returned stores.
func setup(ctx context.Context, cfg *config.Config, c *cli.Command) (context.Context, *config.Stores, error) {
	logger := logging.New(cfg.LogLevel, errWriter(c))
	logging.SetDefault(logger)
	ctx = logging.With(ctx, logger)

	if err := cfg.Validate(); err != nil {
		return ctx, nil, err
	}
	stores, err := cfg.OpenStores(ctx)
	if err != nil {
		return ctx, nil, err
	}
	logger.Debug("stores opened", "db", cfg.DBPath, "postgres", cfg.PostgresDSN != "")
	return ctx, stores, nil
}

func outWriter(c *cli.Command) io.Writer {
	if w := c.Root().Writer; w != nil {
		return w
	}
	return os.Stdout
}

func errWriter(c *cli.Command) io.Writer {
	if w := c.Root().ErrWriter; w != nil {
		return w
	}
	return os.Stderr
}

// progress is a spinner whose suffix can be updated from worker goroutines.
type progress struct {
	sp *spinner.Spinner
}

func newProgress(w io.Writer, initial string) *progress {
	sp := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(w))
	sp.Suffix = " " + initial
	return &progress{sp: sp}
}

func (p *progress) Start() { p.sp.Start() }
func (p *progress) Stop() { p.sp.Stop() }

func (p *progress) Set(text string) {
	p.sp.Lock()
	p.sp.Suffix = " " + text
	p.sp.Unlock()
}
