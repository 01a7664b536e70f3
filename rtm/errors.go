// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package rtm

import (
	"errors"
	"fmt"
)

// DecodeError reports a malformed required sub-field in a recognized
// event. It is fatal to that message only: the engine logs it and
// moves on to the next frame.
type DecodeError struct {
	// Kind is the classified kind of the offending event.
	Kind Kind
	// Field is the raw payload key that failed to parse.
	Field string
	// Err is the underlying parse error.
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rtm: decoding %s event, field %q: %v", e.Kind, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LookupError reports that no record matched a metadata query. Value
// holds the original query value, not the case-folded form used for
// matching.
type LookupError struct {
	Collection Collection
	Attribute  string
	Value      string
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("rtm: no record in %s with %s %q", e.Collection, e.Attribute, e.Value)
}

// IsNotFound reports whether err is a *LookupError.
func IsNotFound(err error) bool {
	var lookupErr *LookupError
	return errors.As(err, &lookupErr)
}

// ErrContract marks programmer errors in command construction: a
// command map without a "type", no message destination, or more than
// one of the mutually exclusive destination fields. These are not
// retried.
var ErrContract = errors.New("rtm: contract violation")
