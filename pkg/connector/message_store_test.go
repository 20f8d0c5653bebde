package connector

import (
	"reflect"
	"testing"
	"time"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

func TestMergeIdempotent(t *testing.T) {
	now := at(60_000)
	existing := []clinicapi.Message{serverMsg(1, 2, "a", 0), serverMsg(2, 1, "b", 1000)}
	incoming := []clinicapi.Message{
		serverMsg(3, 2, "c", 2000),
		serverMsg(2, 1, "b", 1000),
		{SenderID: 2, ReceiverID: 1, Body: "no id, no time"},
		{SenderID: 2, ReceiverID: 1, Body: "no id", CreatedAt: at(1500)},
	}
	once := mergeMessages(existing, incoming, now)
	twice := mergeMessages(once.Messages, incoming, now.Add(time.Minute))
	if !reflect.DeepEqual(once.Messages, twice.Messages) {
		t.Fatalf("merge is not idempotent:\n once  %+v\n twice %+v", once.Messages, twice.Messages)
	}
	if twice.Changed() {
		t.Errorf("second merge reported changes: %+v", twice)
	}
	want := []string{"a", "b", "no id", "c", "no id, no time"}
	if got := bodies(once.Messages); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if len(once.Added) != 3 {
		t.Errorf("added %d messages, want 3", len(once.Added))
	}
}

func TestMergeOrdering(t *testing.T) {
	existing := []clinicapi.Message{serverMsg(1, 2, "first", 1000)}
	incoming := []clinicapi.Message{
		serverMsg(4, 2, "late", 5000),
		serverMsg(2, 1, "tie", 1000),
		serverMsg(3, 2, "middle", 3000),
	}
	merged := Merge(existing, incoming)
	want := []string{"first", "tie", "middle", "late"}
	if got := bodies(merged); !reflect.DeepEqual(got, want) {
		t.Errorf("order = %v, want %v", got, want)
	}
	if len(existing) != 1 || existing[0].Body != "first" {
		t.Error("Merge modified its input")
	}
}

func TestMergeDedupByID(t *testing.T) {
	existing := []clinicapi.Message{serverMsg(7, 2, "original", 1000)}
	changed := serverMsg(7, 2, "edited", 9000)
	merged := Merge(existing, []clinicapi.Message{changed, changed})
	if len(merged) != 1 || merged[0].Body != "original" {
		t.Errorf("expected the held copy to win, got %+v", merged)
	}
}

func TestMergeEchoWindow(t *testing.T) {
	local := clinicapi.Message{
		LocalID:    "local-1",
		SenderID:   1,
		ReceiverID: 2,
		Body:       "Hi",
		CreatedAt:  at(1000),
		Pending:    true,
	}

	res := mergeMessages([]clinicapi.Message{local}, []clinicapi.Message{serverMsg(50, 1, "Hi", 4000)}, at(10_000))
	if len(res.Messages) != 1 {
		t.Fatalf("3s apart should be the same message, got %+v", res.Messages)
	}
	got := res.Messages[0]
	if got.ID != 50 || got.Pending || got.LocalID != "local-1" || !got.CreatedAt.Equal(at(4000)) {
		t.Errorf("provisional message not reconciled: %+v", got)
	}
	if len(res.Reconciled) != 1 || len(res.Added) != 0 {
		t.Errorf("unexpected result %+v", res)
	}

	res = mergeMessages([]clinicapi.Message{local}, []clinicapi.Message{serverMsg(50, 1, "Hi", 7000)}, at(10_000))
	if len(res.Messages) != 2 {
		t.Fatalf("6s apart should be different messages, got %+v", res.Messages)
	}
	if !res.Messages[0].Pending || res.Messages[1].ID != 50 {
		t.Errorf("unexpected messages %+v", res.Messages)
	}
}

func TestMergeEchoRequiresPending(t *testing.T) {
	// Two server messages with the same text are both kept.
	existing := []clinicapi.Message{serverMsg(1, 1, "ok", 1000)}
	merged := Merge(existing, []clinicapi.Message{serverMsg(2, 1, "ok", 2000)})
	if len(merged) != 2 {
		t.Errorf("expected both messages, got %+v", merged)
	}
}

func TestMergeEchoSenderMismatch(t *testing.T) {
	local := clinicapi.Message{LocalID: "l", SenderID: 1, Body: "yes", CreatedAt: at(1000), Pending: true}
	merged := Merge([]clinicapi.Message{local}, []clinicapi.Message{serverMsg(9, 2, "yes", 1500)})
	if len(merged) != 2 {
		t.Errorf("staff message must not reconcile a client message, got %+v", merged)
	}
}

func TestMergeMissingTimestamp(t *testing.T) {
	now := at(100_000)
	existing := []clinicapi.Message{serverMsg(1, 2, "a", 0)}
	res := mergeMessages(existing, []clinicapi.Message{{ID: 2, SenderID: 2, Body: "untimed"}, serverMsg(3, 2, "b", 50_000)}, now)
	want := []string{"a", "b", "untimed"}
	if got := bodies(res.Messages); !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	last := res.Messages[2]
	if !last.SyntheticTime || !last.CreatedAt.Equal(now) {
		t.Errorf("expected synthetic timestamp, got %+v", last)
	}

	// Held messages stamped ahead of the local clock stay in front.
	ahead := []clinicapi.Message{serverMsg(1, 2, "earlier", 100_000+120_000)}
	res = mergeMessages(ahead, []clinicapi.Message{{SenderID: 2, Body: "no id, no time"}}, now)
	if got := bodies(res.Messages); !reflect.DeepEqual(got, []string{"earlier", "no id, no time"}) {
		t.Errorf("order with server clock ahead = %v", got)
	}
	if !res.Messages[1].SyntheticTime || res.Messages[1].CreatedAt.Before(ahead[0].CreatedAt) {
		t.Errorf("synthetic timestamp sorts before held messages: %+v", res.Messages[1])
	}
}

func TestMergeMalformedNeverDropped(t *testing.T) {
	res := mergeMessages(nil, []clinicapi.Message{{}, {Body: "x"}}, at(0))
	if len(res.Messages) != 2 {
		t.Errorf("expected both id-less messages, got %+v", res.Messages)
	}
}

func TestMessageStoreProvisional(t *testing.T) {
	store := NewMessageStore()
	store.now = func() time.Time { return at(1000) }
	prov := store.AddProvisional(0, 1, 2, "Hi")
	if prov.LocalID == "" || !prov.Pending || prov.ID != 0 {
		t.Fatalf("unexpected provisional message %+v", prov)
	}
	if !store.Reconcile(prov.LocalID, serverMsg(101, 1, "Hi", 1200)) {
		t.Fatal("Reconcile did not find the provisional message")
	}
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != 101 || msgs[0].Pending {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if store.Reconcile("unknown", serverMsg(102, 1, "x", 0)) {
		t.Error("Reconcile of unknown local id should fail")
	}
	if newest, ok := store.Newest(); !ok || newest.ID != 101 {
		t.Errorf("Newest = %+v, %v", newest, ok)
	}
}

func TestMessageStoreReconcileAfterPoll(t *testing.T) {
	store := NewMessageStore()
	store.now = func() time.Time { return at(1000) }
	prov := store.AddProvisional(11, 1, 2, "Hi")
	// A poll delivered the server copy outside the echo window before the
	// send response arrived.
	store.Merge([]clinicapi.Message{serverMsg(101, 1, "Hi", 9000)})
	if store.Len() != 2 {
		t.Fatalf("expected provisional and server copy, got %+v", store.Messages())
	}
	store.Reconcile(prov.LocalID, serverMsg(101, 1, "Hi", 9000))
	msgs := store.Messages()
	if len(msgs) != 1 || msgs[0].ID != 101 {
		t.Errorf("expected the provisional copy to be dropped, got %+v", msgs)
	}
}

func TestIsMine(t *testing.T) {
	msg := serverMsg(1, 5, "x", 0)
	if !IsMine(msg, 5) || IsMine(msg, 2) || IsMine(clinicapi.Message{}, 0) {
		t.Error("IsMine returned the wrong answer")
	}
}
