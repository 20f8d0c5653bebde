// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

// Package clinictest provides an in-memory clinic API server for tests.
package clinictest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// Route names accepted by Hits and FailNext.
const (
	RouteConversations = "conversations"
	RouteMessages      = "messages"
	RouteSend          = "send"
	RouteStaff         = "staff-search"
	RouteLogin         = "login"
	RouteMe            = "me"
)

type conversation struct {
	id       int64
	staff    clinicapi.Staff
	messages []clinicapi.Message
}

// Server is a fake clinic API with a single client account. The API root is
// URL() + "/api/".
type Server struct {
	*httptest.Server

	lock          sync.Mutex
	token         string
	user          clinicapi.User
	password      string
	staff         []clinicapi.Staff
	conversations []*conversation
	greeting      string
	nextMsgID     int64
	nextConvID    int64
	last          time.Time
	hits          map[string]int
	failures      map[string][]int
}

// NewServer starts a fake API that accepts token as the bearer token of
// user. Close it when done.
func NewServer(token string, user clinicapi.User) *Server {
	s := &Server{
		token:      token,
		user:       user,
		password:   "secret",
		nextMsgID:  100,
		nextConvID: 10,
		hits:       make(map[string]int),
		failures:   make(map[string][]int),
	}
	s.Server = httptest.NewServer(s.router())
	return s
}

// APIURL is the base URL to hand to clinicapi.NewClient.
func (s *Server) APIURL() string {
	return s.URL + "/api/"
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/login", s.counted(RouteLogin, s.handleLogin))
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Get("/auth/me", s.counted(RouteMe, s.handleMe))
			r.Get("/conversations", s.counted(RouteConversations, s.handleConversations))
			r.Get("/conversations/{id}/messages", s.counted(RouteMessages, s.handleMessages))
			r.Post("/messages", s.counted(RouteSend, s.handleSend))
			r.Get("/staff-search", s.counted(RouteStaff, s.handleStaff))
		})
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		token := s.token
		s.lock.Unlock()
		if r.Header.Get("Authorization") != "Bearer "+token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Unauthenticated."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) counted(route string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.lock.Lock()
		s.hits[route]++
		var status int
		if queue := s.failures[route]; len(queue) > 0 {
			status = queue[0]
			s.failures[route] = queue[1:]
		}
		s.lock.Unlock()
		if status != 0 {
			writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
			return
		}
		handler(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// SetToken changes the accepted bearer token, invalidating the old one.
func (s *Server) SetToken(token string) {
	s.lock.Lock()
	s.token = token
	s.lock.Unlock()
}

// AddStaff registers a staff account returned by staff-search.
func (s *Server) AddStaff(id int64, name string) {
	s.lock.Lock()
	s.staff = append(s.staff, clinicapi.Staff{ID: id, Name: name})
	s.lock.Unlock()
}

// SetGreeting makes the server answer the first message of every new
// conversation with an automatic staff reply.
func (s *Server) SetGreeting(text string) {
	s.lock.Lock()
	s.greeting = text
	s.lock.Unlock()
}

// FailNext makes the next len(statuses) requests to route fail with the
// given HTTP statuses.
func (s *Server) FailNext(route string, statuses ...int) {
	s.lock.Lock()
	s.failures[route] = append(s.failures[route], statuses...)
	s.lock.Unlock()
}

// Hits returns how many requests reached route, including forced failures.
func (s *Server) Hits(route string) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.hits[route]
}

// CreateConversation starts a conversation with staffID that already holds
// the given staff messages.
func (s *Server) CreateConversation(staffID int64, bodies ...string) int64 {
	s.lock.Lock()
	defer s.lock.Unlock()
	conv := s.newConversationLocked(staffID)
	for _, body := range bodies {
		s.appendLocked(conv, staffID, s.user.ID, body)
	}
	return conv.id
}

// PostStaffMessage appends a staff reply to a conversation.
func (s *Server) PostStaffMessage(conversationID int64, body string) clinicapi.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	conv := s.findLocked(conversationID)
	if conv == nil {
		panic("clinictest: unknown conversation " + strconv.FormatInt(conversationID, 10))
	}
	return s.appendLocked(conv, conv.staff.ID, s.user.ID, body)
}

// Messages returns a conversation's stored messages in creation order.
func (s *Server) Messages(conversationID int64) []clinicapi.Message {
	s.lock.Lock()
	defer s.lock.Unlock()
	conv := s.findLocked(conversationID)
	if conv == nil {
		return nil
	}
	out := make([]clinicapi.Message, len(conv.messages))
	copy(out, conv.messages)
	return out
}

func (s *Server) staffLocked(id int64) clinicapi.Staff {
	for _, staff := range s.staff {
		if staff.ID == id {
			return staff
		}
	}
	return clinicapi.Staff{ID: id}
}

func (s *Server) newConversationLocked(staffID int64) *conversation {
	s.nextConvID++
	conv := &conversation{id: s.nextConvID, staff: s.staffLocked(staffID)}
	s.conversations = append(s.conversations, conv)
	return conv
}

func (s *Server) findLocked(id int64) *conversation {
	for _, conv := range s.conversations {
		if conv.id == id {
			return conv
		}
	}
	return nil
}

func (s *Server) appendLocked(conv *conversation, sender, receiver int64, body string) clinicapi.Message {
	s.nextMsgID++
	// Timestamps follow the wall clock but stay strictly increasing.
	ts := time.Now().UTC().Truncate(time.Millisecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Millisecond)
	}
	s.last = ts
	msg := clinicapi.Message{
		ID:             s.nextMsgID,
		ConversationID: conv.id,
		SenderID:       sender,
		ReceiverID:     receiver,
		Body:           body,
		CreatedAt:      ts,
	}
	conv.messages = append(conv.messages, msg)
	return msg
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req clinicapi.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	if !strings.EqualFold(req.Email, s.user.Email) || req.Password != s.password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": s.token, "user": s.user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	user := s.user
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": user})
}

// handleConversations answers with a paginator envelope, newest first.
func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	page, limit := pageParams(r, 20)
	s.lock.Lock()
	convs := make([]map[string]any, 0, len(s.conversations))
	for i := len(s.conversations) - 1; i >= 0; i-- {
		conv := s.conversations[i]
		convs = append(convs, map[string]any{
			"id":        conv.id,
			"client_id": s.user.ID,
			"staff":     map[string]any{"id": conv.staff.ID, "name": conv.staff.Name},
		})
	}
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"data": paginate(convs, page, limit), "current_page": page})
}

// handleMessages returns pages newest first, like the real API.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	page, limit := pageParams(r, 50)
	s.lock.Lock()
	conv := s.findLocked(id)
	if conv == nil {
		s.lock.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "not found"})
		return
	}
	msgs := make([]clinicapi.Message, len(conv.messages))
	copy(msgs, conv.messages)
	s.lock.Unlock()
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
	writeJSON(w, http.StatusOK, map[string]any{"messages": paginate(msgs, page, limit)})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req clinicapi.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "The message field is required."})
		return
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	var conv *conversation
	isNew := false
	if req.ChatID != nil {
		conv = s.findLocked(*req.ChatID)
	}
	if conv == nil {
		conv = s.newConversationLocked(req.ReceiverID)
		isNew = true
	}
	msg := s.appendLocked(conv, s.user.ID, req.ReceiverID, req.Message)
	if isNew && s.greeting != "" {
		s.appendLocked(conv, conv.staff.ID, s.user.ID, s.greeting)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": msg, "chat_id": conv.id})
}

func (s *Server) handleStaff(w http.ResponseWriter, r *http.Request) {
	s.lock.Lock()
	staff := make([]clinicapi.Staff, len(s.staff))
	copy(staff, s.staff)
	s.lock.Unlock()
	writeJSON(w, http.StatusOK, staff)
}

func pageParams(r *http.Request, defaultLimit int) (page, limit int) {
	page, _ = strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	return page, limit
}

func paginate[T any](items []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(items) {
		return []T{}
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
