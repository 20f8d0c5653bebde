package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
	"github.com/lrhodin/clinicchat/pkg/connector"
)

var chatCommand = &cli.Command{
	Name:    "chat",
	Aliases: []string{"c"},
	Usage:   "Open the clinic chat",
	Before:  requiresAuth,
	Action:  cmdChat,
}

// readLines forwards stdin lines until EOF. It cannot be interrupted, so it
// runs outside the errgroup and the process exit ends it.
func readLines(in io.Reader, lines chan<- string) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
	close(lines)
}

func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func cmdChat(ctx *cli.Context) error {
	sess, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var client *connector.ChatClient
	authLost := make(chan struct{}, 1)
	out := newTranscript(os.Stdout, func(msg clinicapi.Message) bool { return client.IsMine(msg) })
	client = connector.NewChatClient(sess.cfg, sess.api, sess.creds.UserID, sess.cache, connector.ClientHandlers{
		OnNewMessages: func(res connector.MergeResult) {
			out.print(res.Added...)
		},
		OnConversation: func(conversationID, staffID int64) {
			sess.log.Debug().Int64("chat_id", conversationID).Int64("staff_id", staffID).Msg("Conversation started")
		},
		OnAuthLost: func() { notify(authLost) },
	}, sess.log)

	if err = client.Connect(runCtx); errors.Is(err, clinicapi.ErrUnauthorized) {
		return fmt.Errorf("your session has expired, run 'clinicchat login' again")
	} else if err != nil {
		return err
	}
	defer client.Disconnect()
	out.header(client.Resolution())
	out.print(client.Messages()...)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	tokenChanged := make(chan struct{}, 1)
	eg, egCtx := errgroup.WithContext(runCtx)
	if sess.tokens != nil {
		eg.Go(func() error {
			return sess.tokens.Watch(egCtx, func(string) { notify(tokenChanged) })
		})
	}
	eg.Go(func() error {
		watchJobControl(egCtx, client)
		return nil
	})
	eg.Go(func() error {
		for {
			select {
			case <-egCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errQuit
				}
				if err := handleInput(egCtx, line, client, out); err != nil {
					return err
				}
			case <-authLost:
				out.notice("Your session has expired. Run 'clinicchat login' in another terminal to continue.")
			case <-tokenChanged:
				if client.IsConnected() {
					continue
				}
				if err := client.Connect(egCtx); err != nil {
					out.notice("Reconnect failed: %v", err)
					continue
				}
				out.notice("Reconnected")
				out.print(client.Messages()...)
			}
		}
	})
	err = eg.Wait()
	if errors.Is(err, errQuit) {
		return nil
	}
	return err
}

func handleInput(ctx context.Context, line string, client *connector.ChatClient, out *transcript) error {
	if strings.HasPrefix(line, "/") {
		return runSlashCommand(line, client, out)
	}
	sent, err := client.Send(ctx, line)
	var sendErr *connector.SendError
	switch {
	case err == nil:
		out.print(sent)
	case errors.Is(err, connector.ErrEmptyMessage):
	case errors.Is(err, connector.ErrNotConnected):
		out.notice("Not connected, log in again to send messages")
	case errors.Is(err, clinicapi.ErrUnauthorized):
		// OnAuthLost prints the notice.
	case errors.As(err, &sendErr):
		out.print(sendErr.Provisional)
		out.notice("Message not sent: %v", sendErr.Err)
	default:
		out.notice("Message not sent: %v", err)
	}
	return nil
}
