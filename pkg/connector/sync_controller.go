package connector

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// ClinicAPI is the subset of the clinic REST API the sync driver needs.
type ClinicAPI interface {
	ListConversations(ctx context.Context, page, limit int) ([]clinicapi.Conversation, error)
	ListMessages(ctx context.Context, conversationID int64, page, limit int) ([]clinicapi.Message, error)
	SendMessage(ctx context.Context, req clinicapi.SendRequest) (*clinicapi.SendResponse, error)
	SearchStaff(ctx context.Context) ([]clinicapi.Staff, error)
}

var _ ClinicAPI = (*clinicapi.Client)(nil)

const (
	DefaultPollInterval     = 3 * time.Second
	DefaultFastPollInterval = 1 * time.Second
	DefaultFastPollTicks    = 10
	DefaultFetchTimeout     = 10 * time.Second
	DefaultPageLimit        = 50
)

// ErrEmptyMessage is returned by Send for blank text. Nothing is sent.
var ErrEmptyMessage = errors.New("message is empty")

// SendError is returned when the server did not accept a message. The
// provisional message stays in the store and Draft holds the text the user
// typed so it can be put back into the input.
type SendError struct {
	Draft       string
	Provisional clinicapi.Message
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("failed to send message: %v", e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

type SyncState int

const (
	StateIdle SyncState = iota
	StateNormalPolling
	StatePaused
	StateFastPolling
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNormalPolling:
		return "normal_polling"
	case StatePaused:
		return "paused"
	case StateFastPolling:
		return "fast_polling"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

type SyncConfig struct {
	PollInterval     time.Duration
	FastPollInterval time.Duration
	// FastPollTicks is the number of fast ticks after the first message of a
	// new conversation before falling back to PollInterval.
	FastPollTicks  int
	FetchTimeout   time.Duration
	PageLimit      int
	DefaultStaffID int64
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.FastPollInterval <= 0 {
		c.FastPollInterval = DefaultFastPollInterval
	}
	if c.FastPollTicks < 0 {
		c.FastPollTicks = 0
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = DefaultFetchTimeout
	}
	if c.PageLimit <= 0 {
		c.PageLimit = DefaultPageLimit
	}
	return c
}

// SyncSnapshot is a point-in-time copy of the driver state.
type SyncSnapshot struct {
	State             SyncState
	IsPolling         bool
	IsForeground      bool
	ConversationID    int64
	StaffID           int64
	LastSeenMessageID int64
	PollInterval      time.Duration
	FastPollRemaining int
}

// SyncHandlers are called from the polling goroutine or from Send, never
// with the driver lock held.
type SyncHandlers struct {
	// OnNewMessages is called after a merge added or reconciled messages.
	OnNewMessages func(MergeResult)
	// OnConversation is called once a conversation id becomes known.
	OnConversation func(conversationID, staffID int64)
	// OnAuthLost is called when the API rejected the token. Polling has
	// already stopped.
	OnAuthLost func()
}

// SyncDriver polls one conversation and feeds the results into a
// MessageStore. It is safe for concurrent use.
type SyncDriver struct {
	api      ClinicAPI
	store    *MessageStore
	cfg      SyncConfig
	userID   int64
	handlers SyncHandlers
	log      zerolog.Logger

	lock              sync.Mutex
	polling           bool
	foreground        bool
	generation        uint64
	cancelRun         context.CancelFunc
	wake              chan struct{}
	conversationID    int64
	staffID           int64
	lastSeenMessageID int64
	fastPollRemaining int
}

func NewSyncDriver(api ClinicAPI, store *MessageStore, cfg SyncConfig, currentUserID int64, handlers SyncHandlers, log zerolog.Logger) *SyncDriver {
	return &SyncDriver{
		api:               api,
		store:             store,
		cfg:               cfg.withDefaults(),
		userID:            currentUserID,
		handlers:          handlers,
		log:               log.With().Str("component", "sync").Logger(),
		foreground:        true,
		lastSeenMessageID: store.newestServerID(),
	}
}

// SetConversation sets the conversation and recipient to poll. A zero
// conversation id makes every tick look for a conversation instead.
func (d *SyncDriver) SetConversation(conversationID, staffID int64) {
	d.lock.Lock()
	d.conversationID = conversationID
	d.staffID = staffID
	if newest := d.store.newestServerID(); newest > d.lastSeenMessageID {
		d.lastSeenMessageID = newest
	}
	d.lock.Unlock()
}

// Start begins normal polling. The first fetch happens after one interval.
func (d *SyncDriver) Start() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.polling {
		return
	}
	d.polling = true
	d.fastPollRemaining = 0
	if d.foreground {
		d.startRunLocked(false)
	}
	d.log.Debug().Bool("foreground", d.foreground).Msg("Polling started")
}

// Stop cancels the timer immediately. Results of fetches still in flight
// are discarded.
func (d *SyncDriver) Stop() {
	d.lock.Lock()
	defer d.lock.Unlock()
	if !d.polling {
		return
	}
	d.polling = false
	d.fastPollRemaining = 0
	d.stopRunLocked()
	d.log.Debug().Msg("Polling stopped")
}

// SetForeground pauses polling when the app goes to the background and
// resumes it with one immediate fetch when it comes back.
func (d *SyncDriver) SetForeground(foreground bool) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.foreground == foreground {
		return
	}
	d.foreground = foreground
	if !d.polling {
		return
	}
	if foreground {
		d.fastPollRemaining = 0
		d.startRunLocked(true)
		d.log.Debug().Msg("Polling resumed")
	} else {
		d.stopRunLocked()
		d.log.Debug().Msg("Polling paused")
	}
}

func (d *SyncDriver) Snapshot() SyncSnapshot {
	d.lock.Lock()
	defer d.lock.Unlock()
	snap := SyncSnapshot{
		IsPolling:         d.polling,
		IsForeground:      d.foreground,
		ConversationID:    d.conversationID,
		StaffID:           d.staffID,
		LastSeenMessageID: d.lastSeenMessageID,
		PollInterval:      d.intervalLocked(),
		FastPollRemaining: d.fastPollRemaining,
	}
	switch {
	case !d.polling:
		snap.State = StateIdle
	case !d.foreground:
		snap.State = StatePaused
	case d.fastPollRemaining > 0:
		snap.State = StateFastPolling
	default:
		snap.State = StateNormalPolling
	}
	return snap
}

func (d *SyncDriver) intervalLocked() time.Duration {
	if d.fastPollRemaining > 0 {
		return d.cfg.FastPollInterval
	}
	return d.cfg.PollInterval
}

func (d *SyncDriver) currentInterval() time.Duration {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.intervalLocked()
}

func (d *SyncDriver) startRunLocked(immediate bool) {
	d.stopRunLocked()
	ctx, cancel := context.WithCancel(context.Background())
	wake := make(chan struct{}, 1)
	d.cancelRun = cancel
	d.wake = wake
	go d.run(ctx, d.generation, wake, immediate)
}

// stopRunLocked tears down the current run. Bumping the generation makes
// any fetch of the old run drop its result.
func (d *SyncDriver) stopRunLocked() {
	if d.cancelRun != nil {
		d.cancelRun()
		d.cancelRun = nil
		d.wake = nil
	}
	d.generation++
}

func (d *SyncDriver) run(ctx context.Context, gen uint64, wake <-chan struct{}, immediate bool) {
	if immediate {
		d.tick(ctx, gen)
	}
	for {
		timer := time.NewTimer(d.currentInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			// Interval changed, restart the timer.
			timer.Stop()
			continue
		case <-timer.C:
		}
		d.tick(ctx, gen)
	}
}

func (d *SyncDriver) tick(ctx context.Context, gen uint64) {
	d.lock.Lock()
	if !d.polling || !d.foreground || d.generation != gen {
		d.lock.Unlock()
		return
	}
	if d.fastPollRemaining > 0 {
		d.fastPollRemaining--
		if d.fastPollRemaining == 0 {
			d.log.Debug().Msg("Fast polling finished, back to normal interval")
		}
	}
	conversationID := d.conversationID
	d.lock.Unlock()
	d.fetch(ctx, gen, conversationID)
}

func (d *SyncDriver) fetch(ctx context.Context, gen uint64, conversationID int64) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().
				Str("stack", string(debug.Stack())).
				Msgf("Panic recovered in sync tick: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.FetchTimeout)
	defer cancel()

	if conversationID == 0 {
		convs, err := d.api.ListConversations(ctx, 1, 1)
		if err != nil {
			d.handleFetchError(gen, err)
			return
		}
		if len(convs) == 0 {
			return
		}
		conversationID = convs[0].ID
		if !d.adoptConversation(gen, conversationID, convs[0].Staff.ID) {
			return
		}
	}
	msgs, err := d.api.ListMessages(ctx, conversationID, 1, d.cfg.PageLimit)
	if err != nil {
		d.handleFetchError(gen, err)
		return
	}
	d.apply(gen, msgs)
}

func (d *SyncDriver) adoptConversation(gen uint64, conversationID, staffID int64) bool {
	d.lock.Lock()
	if gen != d.generation {
		d.lock.Unlock()
		return false
	}
	adopted := false
	if d.conversationID == 0 {
		d.conversationID = conversationID
		if staffID != 0 {
			d.staffID = staffID
		}
		staffID = d.staffID
		adopted = true
	}
	d.lock.Unlock()
	if adopted {
		d.log.Debug().Int64("chat_id", conversationID).Msg("Found conversation while polling")
		if d.handlers.OnConversation != nil {
			d.handlers.OnConversation(conversationID, staffID)
		}
	}
	return true
}

func (d *SyncDriver) apply(gen uint64, msgs []clinicapi.Message) {
	d.lock.Lock()
	if gen != d.generation || !d.polling {
		d.lock.Unlock()
		d.log.Debug().Int("count", len(msgs)).Msg("Discarding result of stale fetch")
		return
	}
	res := d.store.Merge(msgs)
	if newest := maxServerID(res.Added); newest > d.lastSeenMessageID {
		d.lastSeenMessageID = newest
	}
	d.lock.Unlock()
	if res.Changed() {
		d.log.Debug().
			Int("added", len(res.Added)).
			Int("reconciled", len(res.Reconciled)).
			Msg("Merged polled messages")
		if d.handlers.OnNewMessages != nil {
			d.handlers.OnNewMessages(res)
		}
	}
}

func (d *SyncDriver) handleFetchError(gen uint64, err error) {
	switch {
	case errors.Is(err, clinicapi.ErrUnauthorized):
		d.lock.Lock()
		stale := gen != d.generation
		d.lock.Unlock()
		if !stale {
			d.authLost(err)
		}
	case errors.Is(err, context.Canceled):
		d.log.Debug().Err(err).Msg("Fetch canceled")
	default:
		d.log.Warn().Err(err).Msg("Failed to poll messages, will retry on next tick")
	}
}

func (d *SyncDriver) authLost(err error) {
	d.lock.Lock()
	d.polling = false
	d.fastPollRemaining = 0
	d.stopRunLocked()
	d.lock.Unlock()
	d.log.Warn().Err(err).Msg("Access token rejected, polling stopped")
	if d.handlers.OnAuthLost != nil {
		d.handlers.OnAuthLost()
	}
}

// beginFastPollLocked starts a fast polling burst if polling is active.
func (d *SyncDriver) beginFastPollLocked() {
	if !d.polling || !d.foreground || d.cfg.FastPollTicks == 0 {
		return
	}
	d.fastPollRemaining = d.cfg.FastPollTicks
	select {
	case d.wake <- struct{}{}:
	default:
	}
	d.log.Debug().Int("ticks", d.fastPollRemaining).Msg("Fast polling started")
}

// Send posts text to the current conversation. The message shows up in the
// store immediately as a provisional entry and is reconciled with the
// server copy once acknowledged. The first message of a new conversation
// adopts the conversation id the server assigned and starts fast polling.
func (d *SyncDriver) Send(ctx context.Context, text string) (clinicapi.Message, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return clinicapi.Message{}, ErrEmptyMessage
	}
	d.lock.Lock()
	conversationID := d.conversationID
	staffID := d.staffID
	d.lock.Unlock()
	if staffID == 0 {
		staffID = d.cfg.DefaultStaffID
	}

	provisional := d.store.AddProvisional(conversationID, d.userID, staffID, body)
	req := clinicapi.SendRequest{ReceiverID: staffID, Message: body}
	if conversationID != 0 {
		req.ChatID = ptr.Ptr(conversationID)
	}
	resp, err := d.api.SendMessage(ctx, req)
	if err != nil {
		if errors.Is(err, clinicapi.ErrUnauthorized) {
			d.authLost(err)
		}
		return provisional, &SendError{Draft: text, Provisional: provisional, Err: err}
	}

	sent := resp.Message
	if sent.ConversationID == 0 {
		sent.ConversationID = resp.ChatID
	}
	if sent.ID != 0 {
		if sent.Body == "" {
			sent.Body = body
		}
		d.store.Reconcile(provisional.LocalID, sent)
		sent = reconcile(provisional, sent)
	} else {
		sent = provisional
	}

	d.lock.Lock()
	adopted := false
	if conversationID == 0 && resp.ChatID != 0 {
		// A tick may have found the new conversation while the send was in
		// flight. The burst still belongs to this send.
		if d.conversationID == 0 {
			d.conversationID = resp.ChatID
			if d.staffID == 0 {
				d.staffID = staffID
			}
			adopted = true
		}
		d.beginFastPollLocked()
	}
	if sent.ID > d.lastSeenMessageID {
		d.lastSeenMessageID = sent.ID
	}
	d.lock.Unlock()

	if adopted {
		d.log.Debug().Int64("chat_id", resp.ChatID).Msg("Conversation created by first message")
		if d.handlers.OnConversation != nil {
			d.handlers.OnConversation(resp.ChatID, staffID)
		}
	}
	return sent, nil
}
