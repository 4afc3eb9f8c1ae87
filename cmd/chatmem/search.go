package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/matthewjhunter/chatmem"
	"github.com/matthewjhunter/chatmem/internal/config"
)

func searchCommand() *cli.Command {
	var (
		cfg           config.Config
		limit         int64
		minSimilarity float64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of results",
			Value:       chatmem.DefaultMaxResults,
			Destination: &limit,
		},
		&cli.FloatFlag{
			Name:        "min-similarity",
			Usage:       "Drop results below this cosine similarity",
			Value:       0.3,
			Destination: &minSimilarity,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:      "search",
		Usage:     "Semantic search over stored messages",
		ArgsUsage: "<query>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(query) == "" {
				return goerr.New("query is required")
			}

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

			if err := provider.Initialize(ctx, nil); err != nil {
				return err
			}

			engine := chatmem.NewSearchEngine(stores.Messages(), provider)
			results, err := engine.SearchText(ctx, query, chatmem.SearchOpts{
				MinSimilarity: minSimilarity,
				MaxResults:    int(limit),
			})
			if err != nil {
				return err
			}

			w := outWriter(c)
			if len(results) == 0 {
				fmt.Fprintln(w, "No matching messages found.")
				return nil
			}
			for i, r := range results {
				fmt.Fprintf(w, "[%d] %.3f  %s | %s | %s\n", i+1, r.Similarity, r.ConversationTitle, r.Message.Role,
					r.Timestamp.Local().Format("2006-01-02 15:04"))
				fmt.Fprintf(w, "    %s\n", r.Message.Content)
			}
			return nil
		},
	}
}

func keywordCommand() *cli.Command {
	var (
		cfg   config.Config
		limit int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of results",
			Value:       chatmem.DefaultMaxResults,
			Destination: &limit,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:      "keyword",
		Usage:     "Full-text search over stored messages (SQLite only)",
		ArgsUsage: "<words>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			query := strings.Join(c.Args().Slice(), " ")

			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			if stores.Postgres != nil {
				return goerr.New("keyword search needs messages stored in SQLite")
			}

			hits, err := stores.SQLite.KeywordSearch(ctx, query, int(limit))
			if err != nil {
				return err
			}

			w := outWriter(c)
			if len(hits) == 0 {
				fmt.Fprintln(w, "No matching messages found.")
				return nil
			}
			for i, h := range hits {
				fmt.Fprintf(w, "[%d] %.2f  %s | %s\n    %s\n", i+1, h.Score, h.ConversationTitle, h.Message.Role, h.Message.Content)
			}
			return nil
		},
	}
}
