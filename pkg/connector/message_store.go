// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// echoMatchWindow is how far apart the local and server timestamps of the
// same sent message may be for the server copy to be recognized as its echo.
const echoMatchWindow = 5 * time.Second

// IsMine reports whether msg was sent by the current user.
func IsMine(msg clinicapi.Message, currentUserID int64) bool {
	return currentUserID != 0 && msg.SenderID == currentUserID
}

// MergeResult describes what a merge changed.
type MergeResult struct {
	Messages []clinicapi.Message
	// Added holds the incoming messages that were new, in merged order.
	Added []clinicapi.Message
	// Reconciled holds provisional messages that were replaced by their
	// server copy, with the server fields applied.
	Reconciled []clinicapi.Message
}

// Changed reports whether the merge added or reconciled anything.
func (r MergeResult) Changed() bool {
	return len(r.Added) > 0 || len(r.Reconciled) > 0
}

// Merge combines existing and incoming into one deduplicated list sorted by
// creation time. Neither input is modified. Merging the same batch twice
// yields the same list as merging it once.
func Merge(existing, incoming []clinicapi.Message) []clinicapi.Message {
	return mergeMessages(existing, incoming, time.Now()).Messages
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func isEcho(local, remote clinicapi.Message) bool {
	if !local.Pending || local.Body != remote.Body {
		return false
	}
	if remote.SenderID != 0 && local.SenderID != 0 && remote.SenderID != local.SenderID {
		return false
	}
	if local.CreatedAt.IsZero() || remote.CreatedAt.IsZero() {
		return false
	}
	return absDuration(local.CreatedAt.Sub(remote.CreatedAt)) < echoMatchWindow
}

// sameIDless matches an id-less incoming message against an id-less message
// already held. Synthetic timestamps were assigned on a previous merge, so an
// incoming message without a timestamp matches them too.
func sameIDless(held, incoming clinicapi.Message) bool {
	if held.ID != 0 || held.Pending || held.LocalID != "" {
		return false
	}
	if held.SenderID != incoming.SenderID || held.ReceiverID != incoming.ReceiverID || held.Body != incoming.Body {
		return false
	}
	if incoming.CreatedAt.IsZero() {
		return held.SyntheticTime
	}
	return !held.SyntheticTime && held.CreatedAt.Equal(incoming.CreatedAt)
}

// syntheticTime is the sort key for a message without a timestamp: now, or
// the newest held timestamp if the server clock is ahead of ours.
func syntheticTime(held []clinicapi.Message, now time.Time) time.Time {
	ts := now
	for _, msg := range held {
		if msg.CreatedAt.After(ts) {
			ts = msg.CreatedAt
		}
	}
	return ts
}

func mergeMessages(existing, incoming []clinicapi.Message, now time.Time) MergeResult {
	out := make([]clinicapi.Message, len(existing), len(existing)+len(incoming))
	copy(out, existing)
	ids := make(map[int64]struct{}, len(out)+len(incoming))
	localIDs := make(map[string]struct{})
	for _, msg := range out {
		if msg.ID != 0 {
			ids[msg.ID] = struct{}{}
		}
		if msg.LocalID != "" {
			localIDs[msg.LocalID] = struct{}{}
		}
	}

	var res MergeResult
	added := make(map[int]struct{})
Incoming:
	for _, msg := range incoming {
		if msg.ID != 0 {
			if _, dup := ids[msg.ID]; dup {
				continue
			}
		}
		if msg.LocalID != "" {
			if _, dup := localIDs[msg.LocalID]; dup {
				continue
			}
		}
		if msg.ID != 0 && !msg.Pending {
			for i := range out {
				if isEcho(out[i], msg) {
					out[i] = reconcile(out[i], msg)
					ids[msg.ID] = struct{}{}
					res.Reconciled = append(res.Reconciled, out[i])
					continue Incoming
				}
			}
		}
		if msg.ID == 0 && !msg.Pending {
			for _, held := range out {
				if sameIDless(held, msg) {
					continue Incoming
				}
			}
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = syntheticTime(out, now)
			msg.SyntheticTime = true
		}
		if msg.ID != 0 {
			ids[msg.ID] = struct{}{}
		}
		if msg.LocalID != "" {
			localIDs[msg.LocalID] = struct{}{}
		}
		added[len(out)] = struct{}{}
		out = append(out, msg)
	}

	if len(added) > 0 {
		type indexed struct {
			msg   clinicapi.Message
			isNew bool
		}
		tagged := make([]indexed, len(out))
		for i, msg := range out {
			_, isNew := added[i]
			tagged[i] = indexed{msg: msg, isNew: isNew}
		}
		sort.SliceStable(tagged, func(i, j int) bool {
			return tagged[i].msg.CreatedAt.Before(tagged[j].msg.CreatedAt)
		})
		for i, item := range tagged {
			out[i] = item.msg
			if item.isNew {
				res.Added = append(res.Added, item.msg)
			}
		}
	} else if len(res.Reconciled) > 0 {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		})
	}
	res.Messages = out
	return res
}

// reconcile applies the server copy of a message to its provisional local
// version. The local id is kept so callers can still find the entry.
func reconcile(local, server clinicapi.Message) clinicapi.Message {
	merged := server
	merged.LocalID = local.LocalID
	merged.Pending = false
	merged.SyntheticTime = false
	if merged.SenderID == 0 {
		merged.SenderID = local.SenderID
	}
	if merged.ReceiverID == 0 {
		merged.ReceiverID = local.ReceiverID
	}
	if merged.ConversationID == 0 {
		merged.ConversationID = local.ConversationID
	}
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	return merged
}

// MessageStore holds the ordered message list of one conversation.
type MessageStore struct {
	lock     sync.RWMutex
	messages []clinicapi.Message
	now      func() time.Time
}

func NewMessageStore() *MessageStore {
	return &MessageStore{now: time.Now}
}

// Merge merges incoming into the store.
func (s *MessageStore) Merge(incoming []clinicapi.Message) MergeResult {
	s.lock.Lock()
	defer s.lock.Unlock()
	res := mergeMessages(s.messages, incoming, s.now())
	s.messages = res.Messages
	res.Messages = cloneMessages(res.Messages)
	return res
}

// AddProvisional inserts a locally sent message that the server has not
// acknowledged yet and returns it.
func (s *MessageStore) AddProvisional(conversationID, senderID, receiverID int64, body string) clinicapi.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg := clinicapi.Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Body:           body,
		CreatedAt:      s.now(),
		Pending:        true,
	}
	s.messages = append(s.messages, msg)
	return msg
}

// Reconcile replaces the provisional message localID with its server copy.
// If a poll already delivered the server copy, the provisional entry is
// dropped instead. It returns false if localID is unknown.
func (s *MessageStore) Reconcile(localID string, server clinicapi.Message) bool {
	s.lock.Lock()
	defer s.lock.Unlock()
	idx := -1
	for i, msg := range s.messages {
		if msg.LocalID == localID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	if server.ID != 0 {
		for i, msg := range s.messages {
			if i != idx && msg.ID == server.ID {
				s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
				return true
			}
		}
	}
	s.messages[idx] = reconcile(s.messages[idx], server)
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
	return true
}

// Messages returns a copy of the current list.
func (s *MessageStore) Messages() []clinicapi.Message {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return cloneMessages(s.messages)
}

func (s *MessageStore) Len() int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return len(s.messages)
}

// Newest returns the last message in display order.
func (s *MessageStore) Newest() (clinicapi.Message, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	if len(s.messages) == 0 {
		return clinicapi.Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// newestServerID returns the highest server-assigned id held.
func (s *MessageStore) newestServerID() int64 {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return maxServerID(s.messages)
}

func (s *MessageStore) Reset() {
	s.lock.Lock()
	s.messages = nil
	s.lock.Unlock()
}

func maxServerID(msgs []clinicapi.Message) int64 {
	var newest int64
	for _, msg := range msgs {
		if msg.ID > newest {
			newest = msg.ID
		}
	}
	return newest
}

func cloneMessages(msgs []clinicapi.Message) []clinicapi.Message {
	if msgs == nil {
		return nil
	}
	out := make([]clinicapi.Message, len(msgs))
	copy(out, msgs)
	return out
}
