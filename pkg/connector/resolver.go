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
	"fmt"

	"github.com/rs/zerolog"

	"github.com/lrhodin/clinicchat/pkg/clinicapi"
)

// ResolutionSource tells where the recipient of a session came from.
type ResolutionSource string

const (
	SourceExistingConversation ResolutionSource = "existing_conversation"
	SourceStaffSearch          ResolutionSource = "staff_search"
	SourceDefaultStaff         ResolutionSource = "default_staff"
)

// Resolution is the outcome of resolving the session's conversation.
// ConversationID is zero when the client has never written to the clinic.
type Resolution struct {
	ConversationID int64
	StaffID        int64
	StaffName      string
	Messages       []clinicapi.Message
	Source         ResolutionSource
	// Degraded is set when a lookup failed and the result may be missing
	// an existing conversation.
	Degraded bool
}

// ConversationResolver finds the active conversation and recipient staff
// member at session start.
type ConversationResolver struct {
	api            ClinicAPI
	defaultStaffID int64
	historyPages   int
	pageLimit      int
	log            zerolog.Logger
}

func NewConversationResolver(api ClinicAPI, defaultStaffID int64, historyPages, pageLimit int, log zerolog.Logger) *ConversationResolver {
	if historyPages < 1 {
		historyPages = 1
	}
	if pageLimit < 1 {
		pageLimit = DefaultPageLimit
	}
	return &ConversationResolver{
		api:            api,
		defaultStaffID: defaultStaffID,
		historyPages:   historyPages,
		pageLimit:      pageLimit,
		log:            log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve always returns a usable resolution. Failures degrade to the
// default staff member; the only error returned is one wrapping
// clinicapi.ErrUnauthorized, alongside the fallback resolution.
func (r *ConversationResolver) Resolve(ctx context.Context) (*Resolution, error) {
	degraded := false
	convs, err := r.api.ListConversations(ctx, 1, 1)
	if err != nil {
		degraded = true
		if errors.Is(err, clinicapi.ErrUnauthorized) {
			return r.fallback(), fmt.Errorf("failed to list conversations: %w", err)
		}
		r.log.Warn().Err(err).Msg("Failed to list conversations, falling back to staff search")
	} else if len(convs) > 0 {
		conv := convs[0]
		res := &Resolution{
			ConversationID: conv.ID,
			StaffID:        conv.Staff.ID,
			StaffName:      conv.Staff.Name,
			Source:         SourceExistingConversation,
		}
		if res.StaffID == 0 {
			res.StaffID = r.defaultStaffID
		}
		res.Messages, err = r.fetchHistory(ctx, conv.ID)
		if errors.Is(err, clinicapi.ErrUnauthorized) {
			return res, err
		}
		r.log.Debug().
			Int64("chat_id", res.ConversationID).
			Int64("staff_id", res.StaffID).
			Int("messages", len(res.Messages)).
			Msg("Resolved existing conversation")
		return res, nil
	}

	staff, err := r.api.SearchStaff(ctx)
	if err != nil {
		if errors.Is(err, clinicapi.ErrUnauthorized) {
			return r.fallback(), fmt.Errorf("failed to search staff: %w", err)
		}
		r.log.Warn().Err(err).Msg("Staff search failed, using default staff member")
		res := r.fallback()
		res.Degraded = true
		return res, nil
	}
	if len(staff) == 0 {
		r.log.Debug().Msg("Staff search returned nobody, using default staff member")
		res := r.fallback()
		res.Degraded = degraded
		return res, nil
	}
	r.log.Debug().Int64("staff_id", staff[0].ID).Msg("Resolved recipient from staff search")
	return &Resolution{StaffID: staff[0].ID, StaffName: staff[0].Name, Source: SourceStaffSearch, Degraded: degraded}, nil
}

func (r *ConversationResolver) fallback() *Resolution {
	return &Resolution{StaffID: r.defaultStaffID, Source: SourceDefaultStaff}
}

// fetchHistory loads up to historyPages pages of messages. A failed page
// keeps what was already loaded.
func (r *ConversationResolver) fetchHistory(ctx context.Context, conversationID int64) ([]clinicapi.Message, error) {
	var history []clinicapi.Message
	for page := 1; page <= r.historyPages; page++ {
		msgs, err := r.api.ListMessages(ctx, conversationID, page, r.pageLimit)
		if err != nil {
			if errors.Is(err, clinicapi.ErrUnauthorized) {
				return Merge(nil, history), fmt.Errorf("failed to fetch message history: %w", err)
			}
			r.log.Warn().Err(err).Int("page", page).Msg("Failed to fetch message history page")
			break
		}
		history = append(history, msgs...)
		if len(msgs) < r.pageLimit {
			break
		}
	}
	return Merge(nil, history), nil
}
