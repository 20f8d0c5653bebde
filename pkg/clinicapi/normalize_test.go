package clinicapi

import (
	"testing"
	"time"
)

func TestParseMessagesShapes(t *testing.T) {
	cases := map[string]string{
		"envelope":      `{"messages":[{"id":1,"chat_id":7,"sender_id":3,"receiver_id":4,"message":"hi","created_at":"2024-05-01T10:00:00Z"}]}`,
		"bare array":    `[{"id":1,"chatId":7,"senderId":3,"receiverId":4,"body":"hi","createdAt":"2024-05-01T10:00:00Z"}]`,
		"paginator":     `{"data":{"data":[{"id":"1","conversation_id":"7","sender":{"id":3},"receiver":{"id":4},"content":"hi","created_at":"2024-05-01 10:00:00"}]}}`,
		"string-encoded": `"{\"messages\":[{\"id\":1,\"chat_id\":7,\"sender_id\":3,\"receiver_id\":4,\"message\":\"hi\",\"created_at\":1714557600}]}"`,
		"nested string": `{"messages":"[{\"id\":1,\"chat_id\":7,\"sender_id\":3,\"receiver_id\":4,\"text\":\"hi\",\"timestamp\":1714557600000}]"}`,
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			msgs := ParseMessages([]byte(payload))
			if len(msgs) != 1 {
				t.Fatalf("got %d messages, want 1", len(msgs))
			}
			msg := msgs[0]
			if msg.ID != 1 || msg.ConversationID != 7 || msg.SenderID != 3 || msg.ReceiverID != 4 || msg.Body != "hi" {
				t.Errorf("unexpected message %+v", msg)
			}
			if !msg.CreatedAt.Equal(want) {
				t.Errorf("created_at = %s, want %s", msg.CreatedAt, want)
			}
		})
	}
}

func TestParseMessagesMalformed(t *testing.T) {
	for _, payload := range []string{``, `not json`, `{}`, `{"messages":null}`, `{"messages":"oops"}`, `42`} {
		if msgs := ParseMessages([]byte(payload)); len(msgs) != 0 {
			t.Errorf("ParseMessages(%q) = %+v, want empty", payload, msgs)
		}
	}
	msgs := ParseMessages([]byte(`{"messages":[{"message":"no id or time"}, 5, "x"]}`))
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if msgs[0].ID != 0 || !msgs[0].CreatedAt.IsZero() || msgs[0].Body != "no id or time" {
		t.Errorf("unexpected message %+v", msgs[0])
	}
}

func TestParseConversations(t *testing.T) {
	convs := ParseConversations([]byte(`{"data":[{"id":12,"client_id":5,"staff":{"id":2,"first_name":"Ana","last_name":"Lima"}},{"staff":{"id":3}},{"id":13,"staff_id":"4"}]}`))
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].ID != 12 || convs[0].ClientID != 5 || convs[0].Staff.ID != 2 || convs[0].Staff.Name != "Ana Lima" {
		t.Errorf("unexpected first conversation %+v", convs[0])
	}
	if convs[1].ID != 13 || convs[1].Staff.ID != 4 {
		t.Errorf("unexpected second conversation %+v", convs[1])
	}
}

func TestParseStaff(t *testing.T) {
	staff := ParseStaff([]byte(`[{"id":9,"name":"Dr. Reis"},{"name":"no id"}]`))
	if len(staff) != 1 || staff[0].ID != 9 || staff[0].Name != "Dr. Reis" {
		t.Errorf("unexpected staff %+v", staff)
	}
	if staff = ParseStaff([]byte(`{"data":[]}`)); len(staff) != 0 {
		t.Errorf("expected empty staff list, got %+v", staff)
	}
}

func TestParseSendResponse(t *testing.T) {
	resp := ParseSendResponse([]byte(`{"message":{"id":55,"sender_id":1,"receiver_id":2,"message":"Hi","created_at":"2024-05-01T10:00:00Z"},"chat_id":8}`))
	if resp.ChatID != 8 || resp.Message.ID != 55 || resp.Message.ConversationID != 8 {
		t.Errorf("unexpected response %+v", resp)
	}
	resp = ParseSendResponse([]byte(`{"success":true,"message":"Message sent","data":{"id":56,"chat_id":9,"message":"Hi"}}`))
	if resp.ChatID != 9 || resp.Message.ID != 56 {
		t.Errorf("unexpected wrapped response %+v", resp)
	}
}

func TestParseLoginResponse(t *testing.T) {
	resp := ParseLoginResponse([]byte(`{"access_token":"abc","user":{"id":4,"name":"Maria","email":"m@example.com"}}`))
	if resp.Token != "abc" || resp.User.ID != 4 || resp.User.Name != "Maria" || resp.User.Email != "m@example.com" {
		t.Errorf("unexpected login response %+v", resp)
	}
}
