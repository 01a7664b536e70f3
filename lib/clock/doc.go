// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for testability.
//
// Production code injects Real(); tests inject Fake() and advance time
// deterministically. Code that would otherwise call time.Now,
// time.After, or time.NewTicker accepts a Clock instead, so that the
// keepalive cadence and receipt-time inference can be tested without
// real waiting.
package clock
