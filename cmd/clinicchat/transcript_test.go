package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

func TestTranscriptPrintsOnce(t *testing.T) {
	var buf bytes.Buffer
	out := newTranscript(&buf, func(msg clinicapi.Message) bool { return msg.SenderID == 1 })
	out.setStaffName("Dr. Reis")
	created := time.Date(2024, 3, 1, 10, 4, 0, 0, time.Local)
	sent := clinicapi.Message{ID: 101, LocalID: "l1", SenderID: 1, Body: "Hi", CreatedAt: created}
	reply := clinicapi.Message{ID: 102, SenderID: 2, Body: "Welcome!", CreatedAt: created}

	out.print(sent, reply)
	out.print(sent, reply, clinicapi.Message{LocalID: "l1", SenderID: 1, Body: "Hi", Pending: true})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("printed %d lines, want 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasSuffix(lines[0], "Hi [10:04]") || len(lines[0]) != transcriptWidth {
		t.Errorf("own message not right-aligned: %q", lines[0])
	}
	if lines[1] != "[10:04] Dr. Reis: Welcome!" {
		t.Errorf("staff line = %q", lines[1])
	}
}

func TestFindSlashCommand(t *testing.T) {
	for name, want := range map[string]string{"help": "help", "?": "help", "q": "quit", "status": "status", "nope": ""} {
		cmd := findSlashCommand(name)
		switch {
		case want == "" && cmd != nil:
			t.Errorf("findSlashCommand(%q) = %s, want nil", name, cmd.Name)
		case want != "" && (cmd == nil || cmd.Name != want):
			t.Errorf("findSlashCommand(%q) = %v, want %s", name, cmd, want)
		}
	}
}

func TestCredentialsSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.json")
	creds, err := loadCredentials(path)
	if err != nil || creds.HasCredentials() {
		t.Fatalf("loadCredentials on missing file = %+v, %v", creds, err)
	}
	creds.AccessToken = "tok"
	creds.UserID = 7
	creds.APIURL = "http://localhost/api/"
	if err = creds.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("credentials mode = %o, want 600", perm)
	}
	loaded, err := loadCredentials(path)
	if err != nil || !loaded.HasCredentials() || loaded.UserID != 7 || loaded.Path != path {
		t.Errorf("loadCredentials = %+v, %v", loaded, err)
	}
}
