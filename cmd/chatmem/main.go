// Command chatmem manages a chatmem database from the shell: it embeds
// stored messages, runs semantic and keyword search, and reads and writes
// the key/value memory store.
//
// Usage:
//
//	chatmem embed [--backend ollama] [--model nomic-embed-text]
//	chatmem search "what did we say about the trip"
//	chatmem memory remember favorite_color blue --category preference
//	chatmem export --format yaml --output memories.yaml
//
// Every flag can also be set through a CHATMEM_* environment variable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "chatmem: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "chatmem",
		Usage: "Semantic memory for chat conversations",
		Commands: []*cli.Command{
			embedCommand(),
			pullCommand(),
			statsCommand(),
			searchCommand(),
			keywordCommand(),
			messageCommand(),
			memoryCommand(),
			exportCommand(),
			importCommand(),
		},
	}
}
