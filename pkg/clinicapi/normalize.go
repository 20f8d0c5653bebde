// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package clinicapi

import (
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// The clinic API is not consistent about payload shapes: the same endpoint
// may return a bare array, an object with a named array, a paginator with a
// nested "data" array, or any of those JSON-encoded again as a string. Field
// names also vary between snake_case and camelCase. Everything is normalized
// here so the rest of the client only sees the strict types. Unparsable
// payloads produce empty results rather than errors.

var (
	messageListPaths      = []string{"messages", "data.messages", "data.data", "data"}
	conversationListPaths = []string{"conversations", "data.conversations", "data.data", "data", "chats"}
	staffListPaths        = []string{"staff", "data.staff", "data.data", "data", "users"}

	messageIDPaths           = []string{"id", "message_id", "messageId"}
	messageConversationPaths = []string{"chat_id", "conversation_id", "chatId", "conversationId", "chat.id"}
	messageSenderPaths       = []string{"sender_id", "senderId", "sender.id", "from_id"}
	messageReceiverPaths     = []string{"receiver_id", "receiverId", "receiver.id", "to_id"}
	messageBodyPaths         = []string{"message", "body", "content", "text"}
	messageTimePaths         = []string{"created_at", "createdAt", "timestamp", "sent_at", "sentAt"}
)

// timeLayouts are tried in order for string timestamps. time.Parse accepts
// fractional seconds after the seconds field even when the layout has none.
// Zoneless layouts are interpreted as UTC.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func parseRoot(data []byte) gjson.Result {
	if !gjson.ValidBytes(data) {
		return gjson.Result{}
	}
	return unwrapString(gjson.ParseBytes(data))
}

// unwrapString decodes a JSON document that was itself delivered as a JSON
// string. Two levels are enough for every payload seen in the wild.
func unwrapString(res gjson.Result) gjson.Result {
	for i := 0; i < 2 && res.Type == gjson.String; i++ {
		raw := strings.TrimSpace(res.Str)
		if raw == "" || (raw[0] != '{' && raw[0] != '[') || !gjson.Valid(raw) {
			return res
		}
		res = gjson.Parse(raw)
	}
	return res
}

func firstOf(res gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if val := res.Get(path); val.Exists() && val.Type != gjson.Null {
			return unwrapString(val)
		}
	}
	return gjson.Result{}
}

func listAt(res gjson.Result, paths ...string) []gjson.Result {
	res = unwrapString(res)
	if res.IsArray() {
		return res.Array()
	}
	if !res.IsObject() {
		return nil
	}
	for _, path := range paths {
		if val := unwrapString(res.Get(path)); val.IsArray() {
			return val.Array()
		}
	}
	return nil
}

func parseInt(res gjson.Result) int64 {
	switch res.Type {
	case gjson.Number:
		return res.Int()
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(res.Str), 10, 64)
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func parseTime(res gjson.Result) time.Time {
	switch res.Type {
	case gjson.Number:
		return unixAuto(res.Int())
	case gjson.String:
		raw := strings.TrimSpace(res.Str)
		if raw == "" {
			return time.Time{}
		}
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return unixAuto(n)
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

// unixAuto accepts both second and millisecond precision unix timestamps.
func unixAuto(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func parseMessage(res gjson.Result) (Message, bool) {
	res = unwrapString(res)
	if !res.IsObject() {
		return Message{}, false
	}
	return Message{
		ID:             parseInt(firstOf(res, messageIDPaths...)),
		ConversationID: parseInt(firstOf(res, messageConversationPaths...)),
		SenderID:       parseInt(firstOf(res, messageSenderPaths...)),
		ReceiverID:     parseInt(firstOf(res, messageReceiverPaths...)),
		Body:           firstOf(res, messageBodyPaths...).String(),
		CreatedAt:      parseTime(firstOf(res, messageTimePaths...)),
	}, true
}

// ParseMessages extracts the message list from a conversation messages
// response. Entries that are not objects are skipped.
func ParseMessages(data []byte) []Message {
	items := listAt(parseRoot(data), messageListPaths...)
	out := make([]Message, 0, len(items))
	for _, item := range items {
		if msg, ok := parseMessage(item); ok {
			out = append(out, msg)
		}
	}
	return out
}

func parseStaffName(res gjson.Result) string {
	if name := firstOf(res, "name", "full_name", "fullName", "display_name").String(); name != "" {
		return name
	}
	first := firstOf(res, "first_name", "firstName").String()
	last := firstOf(res, "last_name", "lastName").String()
	return strings.TrimSpace(first + " " + last)
}

// ParseConversations extracts conversation summaries. Conversations without
// an id are dropped since nothing can be fetched for them.
func ParseConversations(data []byte) []Conversation {
	items := listAt(parseRoot(data), conversationListPaths...)
	out := make([]Conversation, 0, len(items))
	for _, item := range items {
		item = unwrapString(item)
		if !item.IsObject() {
			continue
		}
		conv := Conversation{
			ID:       parseInt(firstOf(item, "id", "chat_id", "conversation_id")),
			ClientID: parseInt(firstOf(item, "client_id", "clientId", "client.id", "user_id")),
		}
		if conv.ID == 0 {
			continue
		}
		if staff := firstOf(item, "staff", "staff_member", "receiver"); staff.IsObject() {
			conv.Staff = StaffRef{ID: parseInt(staff.Get("id")), Name: parseStaffName(staff)}
		}
		if conv.Staff.ID == 0 {
			conv.Staff.ID = parseInt(firstOf(item, "staff_id", "staffId"))
		}
		out = append(out, conv)
	}
	return out
}

// ParseStaff extracts staff accounts from a staff-search response.
func ParseStaff(data []byte) []Staff {
	items := listAt(parseRoot(data), staffListPaths...)
	out := make([]Staff, 0, len(items))
	for _, item := range items {
		item = unwrapString(item)
		if !item.IsObject() {
			continue
		}
		staff := Staff{ID: parseInt(firstOf(item, "id", "staff_id", "user_id")), Name: parseStaffName(item)}
		if staff.ID == 0 {
			continue
		}
		out = append(out, staff)
	}
	return out
}

// ParseSendResponse extracts the stored message and the conversation id the
// server assigned. A missing message leaves the zero Message; a missing chat
// id falls back to the message's own conversation id.
func ParseSendResponse(data []byte) SendResponse {
	root := parseRoot(data)
	var resp SendResponse
	for _, path := range []string{"message", "data.message", "data"} {
		if msg, ok := parseMessage(root.Get(path)); ok {
			resp.Message = msg
			break
		}
	}
	resp.ChatID = parseInt(firstOf(root, "chat_id", "chatId", "conversation_id", "data.chat_id", "data.conversation_id"))
	if resp.ChatID == 0 {
		resp.ChatID = resp.Message.ConversationID
	}
	if resp.Message.ConversationID == 0 {
		resp.Message.ConversationID = resp.ChatID
	}
	return resp
}

func parseUser(res gjson.Result) User {
	return User{
		ID:    parseInt(firstOf(res, "id", "user_id")),
		Name:  parseStaffName(res),
		Email: firstOf(res, "email").String(),
	}
}

// ParseUser extracts the current user from an auth/me response.
func ParseUser(data []byte) User {
	root := parseRoot(data)
	if user := firstOf(root, "user", "data.user", "data"); user.IsObject() {
		return parseUser(user)
	}
	return parseUser(root)
}

// ParseLoginResponse extracts the bearer token and user from auth/login.
func ParseLoginResponse(data []byte) LoginResponse {
	root := parseRoot(data)
	return LoginResponse{
		Token: firstOf(root, "token", "access_token", "data.token", "data.access_token").String(),
		User:  ParseUser(data),
	}
}
