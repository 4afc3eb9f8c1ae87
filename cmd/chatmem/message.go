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

func messageCommand() *cli.Command {
	return &cli.Command{
		Name:  "message",
		Usage: "Add and browse conversation messages",
		Commands: []*cli.Command{
			messageAddCommand(),
			messageListCommand(),
		},
	}
}

func messageAddCommand() *cli.Command {
	var (
		cfg    config.Config
		convID int64
		title  string
		role   string
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "conversation",
			Aliases:     []string{"c"},
			Usage:       "Conversation to append to (a new one is created when 0)",
			Destination: &convID,
		},
		&cli.StringFlag{
			Name:        "title",
			Usage:       "Title of the new conversation",
			Value:       "Untitled",
			Destination: &title,
		},
		&cli.StringFlag{
			Name:        "role",
			Aliases:     []string{"r"},
			Usage:       "Message role: user, assistant, system",
			Value:       "user",
			Destination: &role,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:      "add",
		Usage:     "Store a message; run embed afterwards to index it",
		ArgsUsage: "<content>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			content := strings.Join(c.Args().Slice(), " ")
			if strings.TrimSpace(content) == "" {
				return goerr.New("message content is required")
			}

			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			w := stores.Writer()
			if convID == 0 {
				if convID, err = w.AddConversation(ctx, title); err != nil {
					return err
				}
			}
			id, err := w.AddMessage(ctx, chatmem.Message{
				ConversationID: convID,
				Role:           role,
				Content:        content,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(outWriter(c), "message %d added to conversation %d\n", id, convID)
			return nil
		},
	}
}

func messageListCommand() *cli.Command {
	var (
		cfg    config.Config
		convID int64
	)

	flags := []cli.Flag{
		&cli.IntFlag{
			Name:        "conversation",
			Aliases:     []string{"c"},
			Usage:       "Show this conversation's messages instead of listing conversations",
			Destination: &convID,
		},
	}
	flags = append(flags, config.Flags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List conversations, or the messages of one (SQLite only)",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, stores, err := setup(ctx, &cfg, c)
			if err != nil {
				return err
			}
			defer stores.Close()

			if stores.Postgres != nil {
				return goerr.New("listing needs messages stored in SQLite")
			}

			out := outWriter(c)
			if convID == 0 {
				convs, err := stores.SQLite.ListConversations(ctx)
				if err != nil {
					return err
				}
				for _, conv := range convs {
					fmt.Fprintf(out, "%d\t%s\t%s\n", conv.ID, conv.UpdatedAt.Local().Format("2006-01-02 15:04"), conv.Title)
				}
				return nil
			}

			msgs, err := stores.SQLite.ListMessages(ctx, convID)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				marker := " "
				if len(m.Embedding) > 0 {
					marker = "*"
				}
				fmt.Fprintf(out, "%d%s\t%s\t%s\n", m.ID, marker, m.Role, m.Content)
			}
			return nil
		},
	}
}
