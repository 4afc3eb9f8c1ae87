// Command chatmem-mcp is an MCP server that gives an assistant durable
// key/value memory and semantic search over stored conversation messages.
//
// Usage:
//
//	chatmem-mcp [--db path] [--backend ollama] [--model nomic-embed-text]
//
// The server communicates over stdio using newline-delimited JSON-RPC (the
// MCP stdio transport), so all logging goes to stderr. Pass --no-messages to
// expose only the memory tools.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/urfave/cli/v3"

	"github.com/matthewjhunter/chatmem"
	"github.com/matthewjhunter/chatmem/internal/config"
	"github.com/matthewjhunter/chatmem/internal/logging"
	"github.com/matthewjhunter/chatmem/mcpserver"
)

const version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chatmem-mcp: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	var (
		cfg        config.Config
		noMessages bool
	)

	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:        "no-messages",
			Usage:       "Expose only the memory tools",
			Sources:     cli.EnvVars("CHATMEM_NO_MESSAGES"),
			Destination: &noMessages,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:    "chatmem-mcp",
		Usage:   "MCP server for chatmem memories and message search",
		Version: version,
		Flags:   flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			logger := logging.New(cfg.LogLevel, os.Stderr)
			logging.SetDefault(logger)
			ctx = logging.With(ctx, logger)

			if err := cfg.Validate(); err != nil {
				return err
			}
			stores, err := cfg.OpenStores(ctx)
			if err != nil {
				return err
			}
			defer stores.Close()

			var (
				messages chatmem.EmbeddingStore
				provider *chatmem.Provider
			)
			if !noMessages {
				if provider, err = cfg.NewProvider(ctx); err != nil {
					return err
				}
				defer provider.Close()
				messages = stores.Messages()
			}

			server := mcp.NewServer(&mcp.Implementation{
				Name:    "chatmem",
				Version: version,
			}, nil)
			mcpserver.NewMemoryServer(stores.SQLite, messages, provider).Register(server)

			logger.Info("chatmem-mcp starting",
				"db", cfg.DBPath,
				"backend", cfg.Backend,
				"messages", !noMessages,
			)
			return server.Run(ctx, &mcp.StdioTransport{})
		},
	}
}
