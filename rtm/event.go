// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package rtm

import (
	"fmt"
	"strconv"
	"time"
)

// Kind classifies a decoded RTM event.
type Kind string

// Known event kinds. KindAck and KindUnknown are synthetic: an ack
// frame carries no "type" field at all, and unknown frames keep their
// wire type in Event.Type.
const (
	KindAck     Kind = "ack"
	KindUnknown Kind = "unknown"

	KindHello   Kind = "hello"
	KindMessage Kind = "message"

	KindChannelArchive        Kind = "channel_archive"
	KindChannelCreated        Kind = "channel_created"
	KindChannelDeleted        Kind = "channel_deleted"
	KindChannelHistoryChanged Kind = "channel_history_changed"
	KindChannelJoined         Kind = "channel_joined"
	KindChannelLeft           Kind = "channel_left"
	KindChannelMarked         Kind = "channel_marked"
	KindChannelRename         Kind = "channel_rename"
	KindChannelUnarchive      Kind = "channel_unarchive"

	KindIMClose          Kind = "im_close"
	KindIMCreated        Kind = "im_created"
	KindIMHistoryChanged Kind = "im_history_changed"
	KindIMMarked         Kind = "im_marked"
	KindIMOpen           Kind = "im_open"

	KindGroupArchive        Kind = "group_archive"
	KindGroupClose          Kind = "group_close"
	KindGroupHistoryChanged Kind = "group_history_changed"
	KindGroupJoined         Kind = "group_joined"
	KindGroupLeft           Kind = "group_left"
	KindGroupMarked         Kind = "group_marked"
	KindGroupOpen           Kind = "group_open"
	KindGroupRename         Kind = "group_rename"
	KindGroupUnarchive      Kind = "group_unarchive"

	KindPresenceChange       Kind = "presence_change"
	KindManualPresenceChange Kind = "manual_presence_change"
	KindUserChange           Kind = "user_change"
	KindUserTyping           Kind = "user_typing"

	KindTeamJoin       Kind = "team_join"
	KindTeamPrefChange Kind = "team_pref_change"
	KindTeamRename     Kind = "team_rename"

	KindReactionAdded   Kind = "reaction_added"
	KindReactionRemoved Kind = "reaction_removed"

	KindBotAdded   Kind = "bot_added"
	KindBotChanged Kind = "bot_changed"

	KindPinAdded   Kind = "pin_added"
	KindPinRemoved Kind = "pin_removed"

	KindStarAdded   Kind = "star_added"
	KindStarRemoved Kind = "star_removed"
)

// knownKinds is the set of wire type strings that decode to their own
// kind rather than KindUnknown.
var knownKinds = map[Kind]bool{
	KindHello:                 true,
	KindMessage:               true,
	KindChannelArchive:        true,
	KindChannelCreated:        true,
	KindChannelDeleted:        true,
	KindChannelHistoryChanged: true,
	KindChannelJoined:         true,
	KindChannelLeft:           true,
	KindChannelMarked:         true,
	KindChannelRename:         true,
	KindChannelUnarchive:      true,
	KindIMClose:               true,
	KindIMCreated:             true,
	KindIMHistoryChanged:      true,
	KindIMMarked:              true,
	KindIMOpen:                true,
	KindGroupArchive:          true,
	KindGroupClose:            true,
	KindGroupHistoryChanged:   true,
	KindGroupJoined:           true,
	KindGroupLeft:             true,
	KindGroupMarked:           true,
	KindGroupOpen:             true,
	KindGroupRename:           true,
	KindGroupUnarchive:        true,
	KindPresenceChange:        true,
	KindManualPresenceChange:  true,
	KindUserChange:            true,
	KindUserTyping:            true,
	KindTeamJoin:              true,
	KindTeamPrefChange:        true,
	KindTeamRename:            true,
	KindReactionAdded:         true,
	KindReactionRemoved:       true,
	KindBotAdded:              true,
	KindBotChanged:            true,
	KindPinAdded:              true,
	KindPinRemoved:            true,
	KindStarAdded:             true,
	KindStarRemoved:           true,
}

// historyChangedKinds carry required "latest" and "event_ts" fields.
var historyChangedKinds = map[Kind]bool{
	KindChannelHistoryChanged: true,
	KindIMHistoryChanged:      true,
	KindGroupHistoryChanged:   true,
}

// reactionKinds carry a required "event_ts" field.
var reactionKinds = map[Kind]bool{
	KindReactionAdded:   true,
	KindReactionRemoved: true,
}

// Event is one decoded inbound RTM frame. Events are immutable once
// decoded: the decoder deep-copies the raw payload, and the metadata
// store clones anything it retains. Promoted fields are zero when the
// payload omits them; everything else is reachable through Field.
type Event struct {
	// Kind is the classified event kind. KindAck when the frame has
	// no "type" field, KindUnknown when the type is unrecognized.
	Kind Kind

	// Type is the raw wire "type" value. Empty for acks; for unknown
	// events it preserves the unrecognized type string.
	Type string

	// Time is the event timestamp: the payload's "ts" field parsed as
	// UTC seconds since epoch when present, otherwise the local
	// receipt time. HasTime distinguishes the two — wire timestamps
	// order history, inferred ones only order live delivery.
	Time    time.Time
	HasTime bool

	// Channel is the flat channel/group/IM id reference. When the
	// payload carries a nested channel object instead, Channel is
	// that object's id and ChannelInfo holds the full record.
	Channel     string
	ChannelInfo Record

	// User is the flat user id reference; UserInfo holds the nested
	// user object for events that carry one (user_change, team_join).
	User     string
	UserInfo Record

	// Message-family optional fields. Bot-authored messages may omit
	// any of them.
	Username string
	Subtype  string
	Text     string

	// Presence is the new presence value of a presence_change.
	Presence string

	// Name and Value carry a team_pref_change (and Name a rename).
	Name  string
	Value any

	// ReplyTo correlates an ack with the sequence id of a previously
	// sent command. OK is the ack's success flag.
	ReplyTo int
	OK      bool

	// Latest and EventTime are the parsed required timestamps of the
	// history-changed family; EventTime alone for the reaction family.
	Latest    time.Time
	EventTime time.Time

	raw      map[string]any
	received time.Time
}

// Decode turns a raw RTM payload into an Event. received is the local
// frame arrival time, used when the payload carries no "ts" field.
//
// Decode is deterministic and total over well-formed payloads: any
// map decodes to some Event. The only failures are malformed required
// fields — the base "ts" envelope, or the variant-required "latest"
// and "event_ts" of the history-changed and reaction families — which
// return a *DecodeError fatal to this message only.
func Decode(raw map[string]any, received time.Time) (*Event, error) {
	event := &Event{
		raw:      cloneMap(raw),
		received: received,
	}

	typeValue, hasType := event.raw["type"]
	switch {
	case !hasType:
		event.Kind = KindAck
	default:
		name, _ := typeValue.(string)
		event.Type = name
		if knownKinds[Kind(name)] {
			event.Kind = Kind(name)
		} else {
			event.Kind = KindUnknown
		}
	}

	if value, ok := event.raw["ts"]; ok {
		ts, err := epochTime(value)
		if err != nil {
			return nil, &DecodeError{Kind: event.Kind, Field: "ts", Err: err}
		}
		event.Time = ts
		event.HasTime = true
	} else {
		event.Time = received.UTC()
	}

	event.promote()

	if historyChangedKinds[event.Kind] {
		latest, err := requiredTime(event, "latest")
		if err != nil {
			return nil, err
		}
		eventTime, err := requiredTime(event, "event_ts")
		if err != nil {
			return nil, err
		}
		event.Latest = latest
		event.EventTime = eventTime
	} else if reactionKinds[event.Kind] {
		eventTime, err := requiredTime(event, "event_ts")
		if err != nil {
			return nil, err
		}
		event.EventTime = eventTime
	}

	return event, nil
}

// promote lifts the commonly used optional payload fields into typed
// attributes. Absent fields stay at their zero value.
func (e *Event) promote() {
	switch channel := e.raw["channel"].(type) {
	case string:
		e.Channel = channel
	case map[string]any:
		e.ChannelInfo = Record(channel)
		if id, ok := channel["id"].(string); ok {
			e.Channel = id
		}
	}

	switch user := e.raw["user"].(type) {
	case string:
		e.User = user
	case map[string]any:
		e.UserInfo = Record(user)
		if id, ok := user["id"].(string); ok {
			e.User = id
		}
	}

	e.Username, _ = e.raw["username"].(string)
	e.Subtype, _ = e.raw["subtype"].(string)
	e.Text, _ = e.raw["text"].(string)
	e.Presence, _ = e.raw["presence"].(string)
	e.Name, _ = e.raw["name"].(string)
	e.Value = e.raw["value"]
	e.OK, _ = e.raw["ok"].(bool)

	if replyTo, ok := e.raw["reply_to"]; ok {
		if n, err := intValue(replyTo); err == nil {
			e.ReplyTo = n
		}
	}
}

// Field returns the raw payload value for name. It covers extension
// fields that are not promoted to typed attributes.
func (e *Event) Field(name string) (any, bool) {
	value, ok := e.raw[name]
	return value, ok
}

// Copy re-derives a fresh Event from the same raw payload and receipt
// time. The copy shares nothing mutable with the original, so one
// side can hand its copy to arbitrary code without protecting the
// other.
func (e *Event) Copy() *Event {
	copied, err := Decode(e.raw, e.received)
	if err != nil {
		// The payload already decoded once; re-decoding it cannot
		// introduce new parse failures.
		return e
	}
	return copied
}

// String renders the event for logs.
func (e *Event) String() string {
	switch e.Kind {
	case KindMessage:
		return fmt.Sprintf("<message %s <%s> %q>", e.Channel, e.User, e.Text)
	case KindAck:
		return fmt.Sprintf("<ack reply_to=%d ok=%t>", e.ReplyTo, e.OK)
	case KindUnknown:
		return fmt.Sprintf("<unknown %q @%s %v>", e.Type, e.Time.Format(time.RFC3339), e.raw)
	default:
		return fmt.Sprintf("<%s @%s>", e.Kind, e.Time.Format(time.RFC3339))
	}
}

// requiredTime parses a variant-required epoch field from the payload.
func requiredTime(e *Event, field string) (time.Time, error) {
	value, ok := e.raw[field]
	if !ok {
		return time.Time{}, &DecodeError{Kind: e.Kind, Field: field, Err: fmt.Errorf("field missing")}
	}
	ts, err := epochTime(value)
	if err != nil {
		return time.Time{}, &DecodeError{Kind: e.Kind, Field: field, Err: err}
	}
	return ts, nil
}

// epochTime parses a Slack timestamp — seconds since epoch, as either
// a JSON number or a string like "1358546515.000007" — into UTC time.
func epochTime(value any) (time.Time, error) {
	var seconds float64
	switch v := value.(type) {
	case string:
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing %q as epoch seconds: %w", v, err)
		}
		seconds = parsed
	case float64:
		seconds = v
	case int:
		seconds = float64(v)
	case int64:
		seconds = float64(v)
	default:
		return time.Time{}, fmt.Errorf("epoch seconds must be a number or string, got %T", value)
	}

	whole := int64(seconds)
	fraction := seconds - float64(whole)
	return time.Unix(whole, int64(fraction*1e9)).UTC(), nil
}

// intValue coerces a JSON number (or numeric string) to an int.
func intValue(value any) (int, error) {
	switch v := value.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("expected a number, got %T", value)
	}
}

// cloneMap deep-copies a raw payload. Nested maps and slices are
// copied; scalar values are shared (they are immutable in decoded
// JSON).
func cloneMap(original map[string]any) map[string]any {
	copied := make(map[string]any, len(original))
	for key, value := range original {
		copied[key] = cloneValue(value)
	}
	return copied
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		copied := make([]any, len(v))
		for i, element := range v {
			copied[i] = cloneValue(element)
		}
		return copied
	default:
		return v
	}
}
