package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
	"github.com/lrhodin/clinicchat/pkg/connector"
)

var historyCommand = &cli.Command{
	Name:   "history",
	Usage:  "Print the locally cached conversation",
	Before: requiresAuth,
	Action: cmdHistory,
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Value:   50,
			Usage:   "Number of messages to print",
		},
	},
}

func cmdHistory(ctx *cli.Context) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	conv, err := sess.cache.GetConversation(ctx.Context)
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}
	if conv == nil {
		fmt.Println("No cached conversation, run 'clinicchat chat' first")
		return nil
	}
	msgs, err := sess.cache.ListLatestMessages(ctx.Context, conv.ConversationID, ctx.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to read cache: %w", err)
	}
	userID := sess.creds.UserID
	out := newTranscript(os.Stdout, func(msg clinicapi.Message) bool { return connector.IsMine(msg, userID) })
	fmt.Printf("Conversation %d, last synced %s\n", conv.ConversationID, formatAge(conv.UpdatedAt))
	out.print(msgs...)
	return nil
}
