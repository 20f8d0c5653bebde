package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var forgetCommand = &cli.Command{
	Name:   "forget",
	Usage:  "Delete the locally cached conversation",
	Before: requiresAuth,
	Action: cmdForget,
}

func cmdForget(ctx *cli.Context) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	if err = sess.cache.ClearConversation(ctx.Context); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	fmt.Println("Local chat history deleted")
	return nil
}
