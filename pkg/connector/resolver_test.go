package connector

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

func newTestResolver(api ClinicAPI) *ConversationResolver {
	return NewConversationResolver(api, 99, 3, 2, zerolog.Nop())
}

func TestResolveExistingConversation(t *testing.T) {
	api := &fakeAPI{
		convs:    []clinicapi.Conversation{{ID: 11, Staff: clinicapi.StaffRef{ID: 2, Name: "Dr. Reis"}}},
		messages: []clinicapi.Message{serverMsg(102, 2, "second", 2000), serverMsg(101, 1, "first", 1000)},
	}
	res, err := newTestResolver(api).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != SourceExistingConversation || res.ConversationID != 11 || res.StaffID != 2 || res.StaffName != "Dr. Reis" {
		t.Errorf("unexpected resolution %+v", res)
	}
	if got := bodies(res.Messages); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("history = %v, want chronological order", got)
	}
	if api.staffCalls != 0 {
		t.Error("staff search should not run when a conversation exists")
	}
	// A full page is followed by a request for the next one.
	if _, list := api.calls(); list != 2 {
		t.Errorf("fetched %d pages, want 2", list)
	}
}

func TestResolveStaffSearch(t *testing.T) {
	api := &fakeAPI{staff: []clinicapi.Staff{{ID: 5, Name: "Ana"}, {ID: 6}}}
	res, err := newTestResolver(api).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Source != SourceStaffSearch || res.StaffID != 5 || res.ConversationID != 0 || res.Degraded {
		t.Errorf("unexpected resolution %+v", res)
	}
}

func TestResolveDefaultStaff(t *testing.T) {
	for name, api := range map[string]*fakeAPI{
		"empty staff list":   {},
		"staff search fails": {staffErr: errors.New("boom")},
		"everything fails":   {convErr: errors.New("boom"), staffErr: errors.New("boom")},
	} {
		t.Run(name, func(t *testing.T) {
			res, err := newTestResolver(api).Resolve(context.Background())
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			if res.Source != SourceDefaultStaff || res.StaffID != 99 || res.ConversationID != 0 {
				t.Errorf("unexpected resolution %+v", res)
			}
			if wantDegraded := api.staffErr != nil || api.convErr != nil; res.Degraded != wantDegraded {
				t.Errorf("Degraded = %v, want %v", res.Degraded, wantDegraded)
			}
		})
	}
}

func TestResolveUnauthorized(t *testing.T) {
	api := &fakeAPI{convErr: fmt.Errorf("%w: GET conversations", clinicapi.ErrUnauthorized)}
	res, err := newTestResolver(api).Resolve(context.Background())
	if !errors.Is(err, clinicapi.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if res == nil || res.StaffID != 99 {
		t.Errorf("expected the fallback resolution, got %+v", res)
	}
	if api.staffCalls != 0 {
		t.Error("staff search should not run after a 401")
	}
}

func TestResolveHistoryFailureKeepsConversation(t *testing.T) {
	api := &fakeAPI{
		convs:  []clinicapi.Conversation{{ID: 11}},
		msgErr: errors.New("timeout"),
	}
	res, err := newTestResolver(api).Resolve(context.Background())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.ConversationID != 11 || res.StaffID != 99 || len(res.Messages) != 0 {
		t.Errorf("unexpected resolution %+v", res)
	}
}
