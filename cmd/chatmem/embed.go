package main

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/matthewjhunter/chatmem"
	"github.com/matthewjhunter/chatmem/internal/config"
)

func embedCommand() *cli.Command {
	var cfg config.Config

	return &cli.Command{
		Name:  "embed",
		Usage: "Embed every stored message that has no usable vector",
		Flags: config.Flags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			provider, err := cfg.NewProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			bar := newProgress(errWriter(c), "preparing "+provider.Model())
			bar.Start()

			pcfg := cfg.PipelineConfig()
			pcfg.InitProgress = func(pct float64) {
				bar.Set(fmt.Sprintf("preparing %s %.0f%%", provider.Model(), pct))
			}
			res := chatmem.NewPipeline(provider, stores.Messages(), pcfg).GenerateMissing(ctx, func(p chatmem.PipelineProgress) {
				bar.Set(fmt.Sprintf("%d/%d %s (about %s left)", p.Processed, p.Total, p.Label, p.Remaining.Round(time.Second)))
			})
			bar.Stop()

			fmt.Fprintf(outWriter(c), "run %s: %d processed, %d embedded, %d failed in %s\n",
				res.RunID, res.TotalProcessed, res.Successful, res.Failed, res.Elapsed.Round(time.Millisecond))

			if res.Err != nil {
				return res.Err
			}
			if !res.Success {
				return goerr.New("some messages could not be embedded", goerr.V("failed", res.Failed))
			}
			return nil
		},
	}
}

func pullCommand() *cli.Command {
	var cfg config.Config

	return &cli.Command{
		Name:  "pull",
		Usage: "Prepare the embedding model and report its dimension",
		Flags: config.Flags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			provider, err := cfg.NewProvider(ctx)
			if err != nil {
				return err
			}
			defer provider.Close()

			bar := newProgress(errWriter(c), "preparing "+provider.Model())
			bar.Start()
			err = provider.Initialize(ctx, func(pct float64) {
				bar.Set(fmt.Sprintf("preparing %s %.0f%%", provider.Model(), pct))
			})
			bar.Stop()
			if err != nil {
				return err
			}

			fmt.Fprintf(outWriter(c), "%s ready, %d dimensions\n", provider.Model(), provider.Dimensions())
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	var cfg config.Config

	return &cli.Command{
		Name:  "stats",
		Usage: "Show embedding coverage and memory counts",
		Flags: config.Flags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			embedder, err := cfg.NewEmbedder(ctx)
			if err != nil {
				return err
			}
			cov, err := chatmem.EmbeddingCoverage(ctx, stores.Messages(), embedder.Model(), int(cfg.Dimensions))
			if err != nil {
				return err
			}
			memories, err := stores.SQLite.CountMemories(ctx)
			if err != nil {
				return err
			}

			w := outWriter(c)
			fmt.Fprintf(w, "Messages with embeddings: %d of %d (%.1f%%) for %s\n",
				cov.WithEmbedding, cov.Total, cov.Percentage, embedder.Model())
			if model, dim, err := stores.SQLite.EmbeddingModel(ctx); err == nil && model != "" {
				fmt.Fprintf(w, "Last embedding model: %s (%d dimensions)\n", model, dim)
			}
			fmt.Fprintf(w, "Memories: %d\n", memories)
			return nil
		},
	}
}
