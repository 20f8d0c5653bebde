// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package clinicapi

import "time"

// Message is one chat message between a client and a staff member.
//
// ID is zero for messages the server has not acknowledged yet. Such
// provisional messages carry a LocalID instead and have Pending set until
// they are reconciled with the server record.
type Message struct {
	ID             int64     `json:"id,omitempty"`
	LocalID        string    `json:"local_id,omitempty"`
	ConversationID int64     `json:"chat_id,omitempty"`
	SenderID       int64     `json:"sender_id"`
	ReceiverID     int64     `json:"receiver_id"`
	Body           string    `json:"message"`
	CreatedAt      time.Time `json:"created_at"`

	Pending bool `json:"-"`
	// SyntheticTime is set when the server sent no usable timestamp and
	// CreatedAt was filled in locally as a fallback sort key.
	SyntheticTime bool `json:"-"`
}

type StaffRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Conversation is a client<->staff chat thread summary.
type Conversation struct {
	ID       int64    `json:"id"`
	ClientID int64    `json:"client_id,omitempty"`
	Staff    StaffRef `json:"staff"`
}

type Staff struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type User struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type SendRequest struct {
	ReceiverID int64  `json:"receiver_id"`
	Message    string `json:"message"`
	ChatID     *int64 `json:"chat_id,omitempty"`
}

type SendResponse struct {
	Message Message
	ChatID  int64
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string
	User  User
}
