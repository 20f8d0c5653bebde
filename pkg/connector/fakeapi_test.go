package connector

import (
	"context"
	"sync"
	"time"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// fakeAPI is a scriptable ClinicAPI. ListMessages signals listed (if set)
// after each call and waits on block (if set) before returning.
type fakeAPI struct {
	lock sync.Mutex

	convs    []clinicapi.Conversation
	convErr  error
	messages []clinicapi.Message
	msgErr   error
	staff    []clinicapi.Staff
	staffErr error
	sendResp *clinicapi.SendResponse
	sendErr  error

	sent       []clinicapi.SendRequest
	convCalls  int
	listCalls  int
	staffCalls int

	listed  chan struct{}
	started chan struct{}
	block   chan struct{}
	// SendMessage signals sending (if set) on entry and then waits on
	// sendGate (if set) before it answers.
	sending  chan struct{}
	sendGate chan struct{}
}

var _ ClinicAPI = (*fakeAPI)(nil)

func (f *fakeAPI) ListConversations(ctx context.Context, page, limit int) ([]clinicapi.Conversation, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.convCalls++
	if f.convErr != nil {
		return nil, f.convErr
	}
	out := make([]clinicapi.Conversation, len(f.convs))
	copy(out, f.convs)
	return out, nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID int64, page, limit int) ([]clinicapi.Message, error) {
	f.lock.Lock()
	f.listCalls++
	started, block, listed := f.started, f.block, f.listed
	f.lock.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if listed != nil {
		defer func() { listed <- struct{}{} }()
	}

	f.lock.Lock()
	defer f.lock.Unlock()
	if f.msgErr != nil {
		return nil, f.msgErr
	}
	if page > 1 {
		return nil, nil
	}
	out := make([]clinicapi.Message, len(f.messages))
	copy(out, f.messages)
	return out, nil
}

func (f *fakeAPI) SendMessage(ctx context.Context, req clinicapi.SendRequest) (*clinicapi.SendResponse, error) {
	f.lock.Lock()
	sending, gate := f.sending, f.sendGate
	f.lock.Unlock()
	if sending != nil {
		sending <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.lock.Lock()
	defer f.lock.Unlock()
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if f.sendResp == nil {
		return &clinicapi.SendResponse{}, nil
	}
	resp := *f.sendResp
	return &resp, nil
}

func (f *fakeAPI) SearchStaff(ctx context.Context) ([]clinicapi.Staff, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.staffCalls++
	if f.staffErr != nil {
		return nil, f.staffErr
	}
	return f.staff, nil
}

func (f *fakeAPI) setMessages(msgs ...clinicapi.Message) {
	f.lock.Lock()
	f.messages = msgs
	f.lock.Unlock()
}

func (f *fakeAPI) calls() (conv, list int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.convCalls, f.listCalls
}

func (f *fakeAPI) sentRequests() []clinicapi.SendRequest {
	f.lock.Lock()
	defer f.lock.Unlock()
	out := make([]clinicapi.SendRequest, len(f.sent))
	copy(out, f.sent)
	return out
}

var testBase = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return testBase.Add(time.Duration(ms) * time.Millisecond)
}

func serverMsg(id int64, sender int64, body string, ms int) clinicapi.Message {
	receiver := int64(2)
	if sender == 2 {
		receiver = 1
	}
	return clinicapi.Message{
		ID:             id,
		ConversationID: 11,
		SenderID:       sender,
		ReceiverID:     receiver,
		Body:           body,
		CreatedAt:      at(ms),
	}
}

func bodies(msgs []clinicapi.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Body
	}
	return out
}
