package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lrhodin/clinicchat/pkg/connector"
)

// slashEvent is passed to slash command handlers.
type slashEvent struct {
	client *connector.ChatClient
	out    *transcript
	args   []string
}

func (e *slashEvent) Reply(format string, args ...any) {
	e.out.notice(format, args...)
}

type slashCommand struct {
	Name        string
	Aliases     []string
	Args        string
	Description string
	Func        func(e *slashEvent) error
}

var errQuit = errors.New("quit")

var slashCommands []*slashCommand

func init() {
	slashCommands = []*slashCommand{
		cmdSlashHelp,
		cmdSlashStatus,
		cmdSlashHistory,
		cmdSlashQuit,
	}
}

var cmdSlashHelp = &slashCommand{
	Name:        "help",
	Aliases:     []string{"h", "?"},
	Description: "Show this list",
	Func: func(e *slashEvent) error {
		sorted := make([]*slashCommand, len(slashCommands))
		copy(sorted, slashCommands)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
		for _, cmd := range sorted {
			usage := "/" + cmd.Name
			if cmd.Args != "" {
				usage += " " + cmd.Args
			}
			e.Reply("%-16s %s", usage, cmd.Description)
		}
		return nil
	},
}

var cmdSlashStatus = &slashCommand{
	Name:        "status",
	Description: "Show the connection and polling state",
	Func: func(e *slashEvent) error {
		snap := e.client.Snapshot()
		if !e.client.IsConnected() {
			e.Reply("Disconnected")
		}
		e.Reply("State: %s, poll interval %s", snap.State, snap.PollInterval)
		if snap.State == connector.StateFastPolling {
			e.Reply("Fast polls left: %d", snap.FastPollRemaining)
		}
		if snap.ConversationID != 0 {
			e.Reply("Conversation %d with staff %d", snap.ConversationID, snap.StaffID)
		} else {
			e.Reply("No conversation yet, staff %d will receive your first message", snap.StaffID)
		}
		msgs := e.client.Messages()
		if len(msgs) > 0 {
			e.Reply("%d messages, last %s", len(msgs), formatAge(msgs[len(msgs)-1].CreatedAt))
		}
		return nil
	},
}

var cmdSlashHistory = &slashCommand{
	Name:        "history",
	Args:        "[N]",
	Description: "Reprint the last N messages (default 20)",
	Func: func(e *slashEvent) error {
		n := 20
		if len(e.args) > 0 {
			parsed, err := strconv.Atoi(e.args[0])
			if err != nil || parsed <= 0 {
				return fmt.Errorf("invalid message count %q", e.args[0])
			}
			n = parsed
		}
		msgs := e.client.Messages()
		if len(msgs) > n {
			msgs = msgs[len(msgs)-n:]
		}
		if len(msgs) == 0 {
			e.Reply("No messages yet")
			return nil
		}
		e.out.lock.Lock()
		defer e.out.lock.Unlock()
		for _, msg := range msgs {
			e.out.line(msg)
		}
		return nil
	},
}

var cmdSlashQuit = &slashCommand{
	Name:        "quit",
	Aliases:     []string{"q", "exit"},
	Description: "Leave the chat",
	Func: func(e *slashEvent) error {
		return errQuit
	},
}

func findSlashCommand(name string) *slashCommand {
	for _, cmd := range slashCommands {
		if cmd.Name == name {
			return cmd
		}
		for _, alias := range cmd.Aliases {
			if alias == name {
				return cmd
			}
		}
	}
	return nil
}

// runSlashCommand handles a line starting with "/". Only errQuit is returned;
// other failures are printed.
func runSlashCommand(line string, client *connector.ChatClient, out *transcript) error {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return nil
	}
	cmd := findSlashCommand(strings.ToLower(fields[0]))
	if cmd == nil {
		out.notice("Unknown command /%s, try /help", fields[0])
		return nil
	}
	err := cmd.Func(&slashEvent{client: client, out: out, args: fields[1:]})
	if errors.Is(err, errQuit) {
		return err
	} else if err != nil {
		out.notice("/%s failed: %v", cmd.Name, err)
	}
	return nil
}
