package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"github.com/matthewjhunter/chatmem/internal/config"
	"github.com/matthewjhunter/chatmem/mcpserver"
)

func memoryCommand() *cli.Command {
	return &cli.Command{
		Name:  "memory",
		Usage: "Read and write the key/value memory store",
		Commands: []*cli.Command{
			memoryWriteCommand("remember", "Store a memory, replacing any with the same key", false),
			memoryWriteCommand("update", "Change an existing memory", true),
			memoryFunctionCommand("recall", "Look up memories by key or search term", "<query>",
				func(ctx context.Context, fn *mcpserver.MemoryFunctions, args []string) string {
					return fn.Recall(ctx, strings.Join(args, " "))
				}),
			memoryFunctionCommand("forget", "Delete a memory", "<key>",
				func(ctx context.Context, fn *mcpserver.MemoryFunctions, args []string) string {
					return fn.Forget(ctx, strings.Join(args, " "))
				}),
			memoryFunctionCommand("list", "List memories, optionally one category", "[category]",
				func(ctx context.Context, fn *mcpserver.MemoryFunctions, args []string) string {
					return fn.ListMemories(ctx, strings.Join(args, " "))
				}),
			memoryFunctionCommand("categories", "List memory categories", "",
				func(ctx context.Context, fn *mcpserver.MemoryFunctions, _ []string) string {
					return fn.ListCategories(ctx)
				}),
			memoryFunctionCommand("call", "Invoke a memory function with JSON arguments", "<function> [json]",
				func(ctx context.Context, fn *mcpserver.MemoryFunctions, args []string) string {
					if len(args) == 0 {
						return "Error: function name is required."
					}
					return fn.Call(ctx, args[0], strings.Join(args[1:], " "))
				}),
		},
	}
}

// runFunction prints a bridge result and turns failures into a non-zero exit.
func runFunction(c *cli.Command, result string) error {
	if mcpserver.IsError(result) {
		return goerr.New(strings.TrimPrefix(result, "Error: "))
	}
	fmt.Fprintln(outWriter(c), result)
	return nil
}

func memoryFunctionCommand(name, usage, argsUsage string, run func(context.Context, *mcpserver.MemoryFunctions, []string) string) *cli.Command {
	var cfg config.Config

	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: argsUsage,
		Flags:     config.Flags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			fn := mcpserver.NewMemoryFunctions(stores.SQLite)
			return runFunction(c, run(ctx, fn, c.Args().Slice()))
		},
	}
}

func memoryWriteCommand(name, usage string, update bool) *cli.Command {
	var (
		cfg       config.Config
		category  string
		tags      string
		important bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "category",
			Aliases:     []string{"c"},
			Usage:       "Grouping such as preference, personal, work",
			Destination: &category,
		},
		&cli.StringFlag{
			Name:        "tags",
			Aliases:     []string{"t"},
			Usage:       "Comma-separated keywords",
			Destination: &tags,
		},
		&cli.BoolFlag{
			Name:        "important",
			Aliases:     []string{"i"},
			Usage:       "Mark the memory as important",
			Destination: &important,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<key> <value>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() < 2 {
				return goerr.New("key and value are required")
			}
			key := c.Args().First()
			value := strings.Join(c.Args().Slice()[1:], " ")

			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			fn := mcpserver.NewMemoryFunctions(stores.SQLite)
			if update {
				return runFunction(c, fn.Update(ctx, key, value, category, tags, important))
			}
			return runFunction(c, fn.Remember(ctx, key, value, category, tags, important))
		},
	}
}
