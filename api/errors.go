// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
)

// SlackError is a structured ok=false response from the Web API.
// Callers can use errors.As to extract the machine-readable code:
//
//	var slackErr *api.SlackError
//	if errors.As(err, &slackErr) {
//	    if slackErr.Code == api.ErrCodeChannelNotFound { ... }
//	}
type SlackError struct {
	// Method is the two-part method name that failed.
	Method string
	// Code is the machine-readable error string from the server
	// (e.g., "channel_not_found").
	Code string
}

func (e *SlackError) Error() string {
	return fmt.Sprintf("api: %s failed: %s", e.Method, e.Code)
}

// Common Web API error codes.
const (
	ErrCodeNotAuthed       = "not_authed"
	ErrCodeInvalidAuth     = "invalid_auth"
	ErrCodeAccountInactive = "account_inactive"
	ErrCodeChannelNotFound = "channel_not_found"
	ErrCodeUserNotFound    = "user_not_found"
	ErrCodeIsArchived      = "is_archived"
	ErrCodeMsgTooLong      = "msg_too_long"
	ErrCodeRateLimited     = "rate_limited"
)

// IsSlackError checks whether err is a *SlackError with the given code.
func IsSlackError(err error, code string) bool {
	var slackErr *SlackError
	if errors.As(err, &slackErr) {
		return slackErr.Code == code
	}
	return false
}
