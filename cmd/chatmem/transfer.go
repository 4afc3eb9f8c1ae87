package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/matthewjhunter/chatmem"
	"github.com/matthewjhunter/chatmem/internal/config"
)

// formatFor picks the export format from an explicit flag or a file
// extension, defaulting to JSON.
func formatFor(flag, path string) string {
	if flag != "" {
		return strings.ToLower(flag)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return chatmem.FormatYAML
	default:
		return chatmem.FormatJSON
	}
}

func exportCommand() *cli.Command {
	var (
		cfg    config.Config
		output string
		format string
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "output",
			Aliases:     []string{"o"},
			Usage:       "Write to this file instead of stdout",
			Destination: &output,
		},
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "json or yaml (default from the output extension, else json)",
			Destination: &format,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:  "export",
		Usage: "Export all memories",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			data, err := chatmem.ExportMemories(ctx, stores.SQLite)
			if err != nil {
				return err
			}

			var w io.Writer = outWriter(c)
			if output != "" {
				f, err := os.Create(output)
				if err != nil {
					return goerr.Wrap(err, "creating output file", goerr.V("path", output))
				}
				defer f.Close()
				w = f
			}
			if err := chatmem.WriteExport(w, data, formatFor(format, output)); err != nil {
				return err
			}

			if output != "" {
				fmt.Fprintf(errWriter(c), "exported %d memories to %s\n", len(data.Memories), output)
			}
			return nil
		},
	}
}

func importCommand() *cli.Command {
	var (
		cfg          config.Config
		format       string
		skipExisting bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "format",
			Aliases:     []string{"f"},
			Usage:       "json or yaml (default from the file extension, else json)",
			Destination: &format,
		},
		&cli.BoolFlag{
			Name:        "skip-existing",
			Usage:       "Leave memories whose key already exists untouched",
			Destination: &skipExisting,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:      "import",
		Usage:     "Import memories from an export file (\"-\" for stdin)",
		ArgsUsage: "<file>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			path := c.Args().First()
			if path == "" {
				return goerr.New("input file is required")
			}

			var r io.Reader = os.Stdin
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return goerr.Wrap(err, "opening input file", goerr.V("path", path))
				}
				defer f.Close()
				r = f
			}

			data, err := chatmem.ReadExport(r, formatFor(format, path))
			if err != nil {
				return err
			}

			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			result, err := chatmem.ImportMemories(ctx, stores.SQLite, data, chatmem.ImportOpts{SkipExisting: skipExisting})
			if err != nil {
				return err
			}

			fmt.Fprintf(outWriter(c), "imported %d memories, skipped %d\n", result.Imported, result.Skipped)
			return nil
		},
	}
}
