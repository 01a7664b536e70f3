// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is a thin facade over the Slack Web API.
//
// [Client.Call] invokes any method by its two-part name ("group.method")
// with a flat parameter map: strings pass through, booleans become
// 1/0, times become epoch seconds, and lists or maps are JSON-encoded.
// Every response carries a boolean "ok"; ok=false surfaces as a
// [*SlackError] with the server's error code string, and the flag is
// stripped from successful results.
//
// On top of Call sit the three typed operations the RTM engine needs:
// [Client.RTMStart] (the session bootstrap that yields the stream
// endpoint and the starting state snapshot), [Client.OpenIM]
// (just-in-time direct-message creation for the name resolver), and
// [Client.PostMessage] (the slow-path message send that permits
// identity overrides the stream forbids).
package api
