// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

// Package rtm implements the Slack Real-Time Messaging session engine:
// event decoding, the local mirror of server-side state, and the
// command protocol on top of a raw text-frame transport.
//
// The package provides three core types. [Decode] turns one raw RTM
// frame into an [Event] — a classified, immutable view of the payload
// with promoted optional fields and a raw accessor for everything not
// promoted. Frames without a "type" field decode as [KindAck]
// (acknowledging a previously sent command by sequence id); frames
// with an unrecognized type decode as [KindUnknown] with the payload
// preserved.
//
// [Session] owns the mutable mirror of server state (channels, users,
// groups, IMs, bots) built once from the rtm.start bootstrap snapshot
// and updated incrementally by [Session.Apply]. It resolves
// human-readable names to opaque ids case-insensitively via
// [Session.Find] and friends, and opens direct-message channels on
// demand through the REST facade.
//
// [Conn] is the protocol engine for one connection: it allocates the
// strictly increasing command sequence ids, runs the 30-second ping
// keepalive, and dispatches inbound frames in arrival order — first to
// the Session, then to the caller's [Handler]. A Session update
// failure is logged and never suppresses handler delivery; a handler
// panic is recovered and logged. Neither aborts the connection.
//
// Name lookup failures are returned as [*LookupError], malformed
// required event fields as [*DecodeError], and misuse of the command
// API (no destination, conflicting destinations, a command without a
// type) as errors wrapping [ErrContract].
package rtm
