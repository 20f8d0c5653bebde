// clinic-chat - A polling chat client for the clinic messaging API.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package clinicapi

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized is returned for 401 responses and when no bearer token is
// available. It is fatal to the current session.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a non-2xx response other than 401.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: HTTP %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request later may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}
