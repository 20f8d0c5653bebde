// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// ErrNotConnected is returned by Send before Connect or after Disconnect.
var ErrNotConnected = errors.New("chat session is not connected")

const cacheWriteTimeout = 5 * time.Second

// ClientHandlers are the UI hooks of a chat session.
type ClientHandlers struct {
	// OnNewMessages fires after new or reconciled messages were merged.
	// Scrolling to the newest message belongs here.
	OnNewMessages func(MergeResult)
	// OnConversation fires when the conversation id becomes known.
	OnConversation func(conversationID, staffID int64)
	// OnAuthLost fires when the token was rejected. The session is
	// disconnected and the user needs to log in again.
	OnAuthLost func()
}

// ChatClient is one user's chat session with the clinic: it resolves the
// conversation, polls it and sends messages, optionally caching history in
// a local database.
type ChatClient struct {
	cfg      *ChatConfig
	api      ClinicAPI
	userID   int64
	cache    *CacheStore
	handlers ClientHandlers
	log      zerolog.Logger

	store    *MessageStore
	resolver *ConversationResolver
	driver   *SyncDriver

	lock       sync.Mutex
	connected  bool
	appState   AppState
	resolution *Resolution
}

// NewChatClient creates a session for userID. cache may be nil.
func NewChatClient(cfg *ChatConfig, api ClinicAPI, userID int64, cache *CacheStore, handlers ClientHandlers, log zerolog.Logger) *ChatClient {
	c := &ChatClient{
		cfg:      cfg,
		api:      api,
		userID:   userID,
		cache:    cache,
		handlers: handlers,
		log:      log.With().Str("component", "chat_client").Int64("user_id", userID).Logger(),
		store:    NewMessageStore(),
		appState: AppStateActive,
	}
	syncCfg := cfg.SyncConfig()
	c.resolver = NewConversationResolver(api, syncCfg.DefaultStaffID, cfg.Sync.InitialHistoryPages, syncCfg.PageLimit, log)
	c.driver = NewSyncDriver(api, c.store, syncCfg, userID, SyncHandlers{
		OnNewMessages:  c.handleNewMessages,
		OnConversation: c.handleConversation,
		OnAuthLost:     c.handleAuthLost,
	}, log)
	return c
}

// Connect resolves the conversation and starts polling. Cached history is
// merged first so it is available while the network calls run. The only
// error is one wrapping clinicapi.ErrUnauthorized.
func (c *ChatClient) Connect(ctx context.Context) error {
	c.lock.Lock()
	if c.connected {
		c.lock.Unlock()
		return nil
	}
	c.lock.Unlock()

	cached := c.loadCache(ctx)
	res, err := c.resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	if cached != nil {
		switch {
		case res.ConversationID == 0 && res.Degraded && cached.ConversationID != 0:
			c.log.Debug().Int64("chat_id", cached.ConversationID).Msg("Conversation lookup failed, using cached conversation")
			res.ConversationID = cached.ConversationID
			if cached.StaffID != 0 {
				res.StaffID = cached.StaffID
			}
		case res.ConversationID != cached.ConversationID:
			c.log.Debug().
				Int64("cached_chat_id", cached.ConversationID).
				Int64("chat_id", res.ConversationID).
				Msg("Cached conversation is stale, discarding cache")
			c.store.Reset()
			c.clearCache()
		}
	}

	merged := c.store.Merge(res.Messages)
	c.persistMessages(res.Messages)
	if res.ConversationID != 0 {
		c.persistConversation(res.ConversationID, res.StaffID)
	}

	c.lock.Lock()
	c.resolution = res
	c.connected = true
	foreground := c.appState.IsForeground()
	c.lock.Unlock()

	c.driver.SetConversation(res.ConversationID, res.StaffID)
	c.driver.SetForeground(foreground)
	c.driver.Start()
	c.log.Info().
		Int64("chat_id", res.ConversationID).
		Int64("staff_id", res.StaffID).
		Str("source", string(res.Source)).
		Int("messages", len(merged.Messages)).
		Msg("Chat session connected")
	if merged.Changed() && c.handlers.OnNewMessages != nil {
		c.handlers.OnNewMessages(merged)
	}
	return nil
}

// Disconnect stops polling. Connect may be called again afterwards.
func (c *ChatClient) Disconnect() {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
	c.driver.Stop()
}

func (c *ChatClient) IsConnected() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.connected
}

// Send sends text to the clinic. See SyncDriver.Send for the semantics of
// the returned message and errors.
func (c *ChatClient) Send(ctx context.Context, text string) (clinicapi.Message, error) {
	if !c.IsConnected() {
		return clinicapi.Message{}, ErrNotConnected
	}
	msg, err := c.driver.Send(ctx, text)
	if err == nil && msg.ID != 0 {
		c.persistMessages([]clinicapi.Message{msg})
	}
	return msg, err
}

// SetAppState pauses polling outside the foreground and resumes it with an
// immediate fetch when the app becomes active again.
func (c *ChatClient) SetAppState(state AppState) {
	c.lock.Lock()
	c.appState = state
	c.lock.Unlock()
	c.driver.SetForeground(state.IsForeground())
}

func (c *ChatClient) SetForeground(foreground bool) {
	if foreground {
		c.SetAppState(AppStateActive)
	} else {
		c.SetAppState(AppStateBackground)
	}
}

// Messages returns the conversation in display order.
func (c *ChatClient) Messages() []clinicapi.Message {
	return c.store.Messages()
}

func (c *ChatClient) IsMine(msg clinicapi.Message) bool {
	return IsMine(msg, c.userID)
}

func (c *ChatClient) Snapshot() SyncSnapshot {
	return c.driver.Snapshot()
}

// Resolution returns how the current session was resolved, or nil before
// Connect.
func (c *ChatClient) Resolution() *Resolution {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.resolution == nil {
		return nil
	}
	res := *c.resolution
	res.Messages = nil
	return &res
}

func (c *ChatClient) handleNewMessages(res MergeResult) {
	var changed []clinicapi.Message
	changed = append(changed, res.Added...)
	changed = append(changed, res.Reconciled...)
	c.persistMessages(changed)
	if c.handlers.OnNewMessages != nil {
		c.handlers.OnNewMessages(res)
	}
}

func (c *ChatClient) handleConversation(conversationID, staffID int64) {
	c.lock.Lock()
	if c.resolution != nil {
		c.resolution.ConversationID = conversationID
		c.resolution.StaffID = staffID
	}
	c.lock.Unlock()
	c.persistConversation(conversationID, staffID)
	if c.handlers.OnConversation != nil {
		c.handlers.OnConversation(conversationID, staffID)
	}
}

func (c *ChatClient) handleAuthLost() {
	c.lock.Lock()
	c.connected = false
	c.lock.Unlock()
	if c.handlers.OnAuthLost != nil {
		c.handlers.OnAuthLost()
	}
}

func (c *ChatClient) loadCache(ctx context.Context) *CachedConversation {
	if c.cache == nil {
		return nil
	}
	cached, err := c.cache.GetConversation(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to read cached conversation")
		return nil
	} else if cached == nil {
		return nil
	}
	msgs, err := c.cache.ListLatestMessages(ctx, cached.ConversationID, c.cfg.Sync.CachedMessages)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to read cached messages")
		return cached
	}
	c.store.Merge(msgs)
	c.log.Debug().
		Int64("chat_id", cached.ConversationID).
		Int("messages", len(msgs)).
		Msg("Loaded cached messages")
	return cached
}

func (c *ChatClient) persistMessages(msgs []clinicapi.Message) {
	if c.cache == nil || len(msgs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := c.cache.UpsertMessages(ctx, msgs); err != nil {
		c.log.Warn().Err(err).Msg("Failed to cache messages")
	}
}

func (c *ChatClient) persistConversation(conversationID, staffID int64) {
	if c.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := c.cache.SaveConversation(ctx, conversationID, staffID); err != nil {
		c.log.Warn().Err(err).Msg("Failed to cache conversation")
	}
}

func (c *ChatClient) clearCache() {
	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()
	if err := c.cache.ClearConversation(ctx); err != nil {
		c.log.Warn().Err(err).Msg("Failed to clear stale cache")
	}
}
