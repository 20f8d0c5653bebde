package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
	"github.com/lrhodin/clinicchat/pkg/connector"
)

const transcriptWidth = 72

// transcript prints chat messages once each, own messages right-aligned.
type transcript struct {
	out    io.Writer
	isMine func(clinicapi.Message) bool
	staff  string

	lock    sync.Mutex
	printed map[string]struct{}
}

func newTranscript(out io.Writer, isMine func(clinicapi.Message) bool) *transcript {
	return &transcript{
		out:     out,
		isMine:  isMine,
		staff:   "Clinic",
		printed: make(map[string]struct{}),
	}
}

func messageKey(msg clinicapi.Message) string {
	if msg.ID != 0 {
		return fmt.Sprintf("id:%d", msg.ID)
	}
	return "local:" + msg.LocalID
}

func (t *transcript) setStaffName(name string) {
	if name == "" {
		return
	}
	t.lock.Lock()
	t.staff = name
	t.lock.Unlock()
}

func (t *transcript) header(res *connector.Resolution) {
	if res == nil {
		return
	}
	t.setStaffName(res.StaffName)
	t.lock.Lock()
	defer t.lock.Unlock()
	switch {
	case res.ConversationID != 0:
		fmt.Fprintf(t.out, "Chatting with %s (conversation %d)\n", t.staff, res.ConversationID)
	default:
		fmt.Fprintf(t.out, "Your first message will start a conversation with %s\n", t.staff)
	}
	if res.Degraded {
		fmt.Fprintln(t.out, "The clinic could not be reached, showing saved history")
	}
	fmt.Fprintln(t.out, "Type /help for commands")
}

// print writes the messages not printed before. A message that was shown
// while pending is shown again once the server accepts it.
func (t *transcript) print(msgs ...clinicapi.Message) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for _, msg := range msgs {
		key := messageKey(msg)
		if _, ok := t.printed[key]; ok {
			continue
		}
		t.printed[key] = struct{}{}
		if msg.LocalID != "" {
			t.printed["local:"+msg.LocalID] = struct{}{}
		}
		t.line(msg)
	}
}

func (t *transcript) line(msg clinicapi.Message) {
	stamp := "--:--"
	if !msg.CreatedAt.IsZero() {
		stamp = msg.CreatedAt.Local().Format("15:04")
	}
	body := strings.ReplaceAll(msg.Body, "\n", "\n    ")
	if t.isMine(msg) {
		text := fmt.Sprintf("%s [%s]", body, stamp)
		if msg.Pending {
			text += " (not sent)"
		}
		fmt.Fprintf(t.out, "%*s\n", transcriptWidth, text)
	} else {
		fmt.Fprintf(t.out, "[%s] %s: %s\n", stamp, t.staff, body)
	}
}

func (t *transcript) notice(format string, args ...any) {
	t.lock.Lock()
	defer t.lock.Unlock()
	fmt.Fprintf(t.out, "* "+format+"\n", args...)
}

func formatAge(ts time.Time) string {
	if ts.IsZero() {
		return "never"
	}
	return time.Since(ts).Round(time.Second).String() + " ago"
}
