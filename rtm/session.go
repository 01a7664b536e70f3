// Copyright 2026 The Slackrtm Authors
// SPDX-License-Identifier: Apache-2.0

package rtm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Record is the attribute set of one mirrored resource (channel,
// user, group, IM, or bot). Within a collection the resource id is
// the map key, never a "id" attribute — normalization strips it.
type Record map[string]any

// Collection names one of the five mirrored resource collections.
type Collection string

// The mirrored collections.
const (
	Channels Collection = "channels"
	Users    Collection = "users"
	Groups   Collection = "groups"
	IMs      Collection = "ims"
	Bots     Collection = "bots"
)

// Snapshot is the bootstrap payload of a rtm.start call: the stream
// endpoint plus the initial server-side state the Session mirrors.
type Snapshot struct {
	URL      string   `json:"url"`
	Self     Record   `json:"self"`
	Team     Record   `json:"team"`
	Users    []Record `json:"users"`
	Channels []Record `json:"channels"`
	Groups   []Record `json:"groups"`
	IMs      []Record `json:"ims"`
	Bots     []Record `json:"bots"`
}

// APIClient is the slice of the REST facade the Session needs:
// just-in-time IM creation and the slow-path message post. *api.Client
// satisfies it; tests inject fakes.
type APIClient interface {
	// OpenIM opens a direct-message channel with the user and returns
	// the new channel id.
	OpenIM(ctx context.Context, token, userID string) (string, error)

	// PostMessage sends a chat message through the Web API instead of
	// the stream. params are chat.postMessage parameters.
	PostMessage(ctx context.Context, token string, params map[string]any) (map[string]any, error)
}

// Session mirrors server-side state for one RTM connection. It is
// built once from the bootstrap snapshot and mutated only through
// Apply; it is never replaced wholesale. The engine owns it for the
// lifetime of one connection.
//
// Apply calls arrive serialized from the engine's dispatcher, but
// lookups may come from any goroutine, so the collections sit behind
// a read-write mutex. Lookups return copies: callers never see the
// live records.
type Session struct {
	token string
	api   APIClient
	url   string

	mu          sync.RWMutex
	self        Record
	team        Record
	collections map[Collection]map[string]Record
}

// NewSession builds the metadata mirror from a bootstrap snapshot.
// The collection lists are normalized into id-keyed maps with the id
// attribute stripped from each record. client handles the REST calls
// the resolver may need; it may be nil if ResolveIM with autoCreate
// and API-path sends are never used.
func NewSession(snapshot *Snapshot, client APIClient, token string) *Session {
	return &Session{
		token: token,
		api:   client,
		url:   snapshot.URL,
		self:  cloneRecord(snapshot.Self),
		team:  cloneRecord(snapshot.Team),
		collections: map[Collection]map[string]Record{
			Users:    normalize(snapshot.Users),
			Channels: normalize(snapshot.Channels),
			Groups:   normalize(snapshot.Groups),
			IMs:      normalize(snapshot.IMs),
			Bots:     normalize(snapshot.Bots),
		},
	}
}

// normalize keys a record list by id, stripping the id attribute.
// Records without an id are dropped — the server does not send them,
// and without a key there is nothing to file them under.
func normalize(records []Record) map[string]Record {
	byID := make(map[string]Record, len(records))
	for _, record := range records {
		id, ok := record["id"].(string)
		if !ok {
			continue
		}
		copied := cloneRecord(record)
		delete(copied, "id")
		byID[id] = copied
	}
	return byID
}

// URL returns the stream endpoint from the bootstrap snapshot.
func (s *Session) URL() string { return s.url }

// Token returns the authentication token the Session was built with.
func (s *Session) Token() string { return s.token }

// API returns the REST facade handle.
func (s *Session) API() APIClient { return s.api }

// Self returns a copy of the connected identity record.
func (s *Session) Self() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecord(s.self)
}

// Team returns a copy of the team record, including the prefs map.
func (s *Session) Team() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneRecord(s.team)
}

// Apply updates the mirror from one decoded event. Kinds outside the
// update table are no-ops and return nil. Events that reference a
// collection entry that does not exist return a *LookupError — the
// engine reports these without aborting the stream, and callers
// applying events directly can decide whether missing state is fatal.
//
// Apply clones anything it retains from the event, so the same Event
// value can still be handed to arbitrary handler code afterwards.
func (s *Session) Apply(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch event.Kind {
	case KindChannelCreated:
		return s.insertFromNested(Channels, event, func(record Record) {
			record["is_archived"] = false
			record["is_member"] = false
		})

	case KindChannelJoined:
		return s.insertFromNested(Channels, event, nil)

	case KindChannelArchive:
		return s.setField(Channels, event.Channel, "is_archived", true)

	case KindChannelUnarchive:
		return s.setField(Channels, event.Channel, "is_archived", false)

	case KindChannelDeleted:
		// Channels are never truly deleted server-side; the closest
		// honest mirror state is archived and closed.
		if err := s.setField(Channels, event.Channel, "is_archived", true); err != nil {
			return err
		}
		return s.setField(Channels, event.Channel, "is_open", false)

	case KindChannelLeft:
		return s.setField(Channels, event.Channel, "is_member", false)

	case KindChannelMarked:
		return s.setLastRead(Channels, event)

	case KindChannelRename:
		if event.ChannelInfo == nil {
			return fmt.Errorf("rtm: %s event without a channel object", event.Kind)
		}
		return s.setField(Channels, event.Channel, "name", event.ChannelInfo["name"])

	case KindIMOpen:
		return s.setField(IMs, event.Channel, "is_open", true)

	case KindIMClose:
		return s.setField(IMs, event.Channel, "is_open", false)

	case KindIMCreated:
		return s.insertFromNested(IMs, event, func(record Record) {
			record["user"] = event.User
		})

	case KindIMMarked:
		return s.setLastRead(IMs, event)

	case KindPresenceChange:
		return s.setField(Users, event.User, "presence", event.Presence)

	case KindUserChange:
		return s.replaceUser(event)

	case KindTeamJoin:
		if event.UserInfo == nil {
			return fmt.Errorf("rtm: %s event without a user object", event.Kind)
		}
		record := cloneRecord(event.UserInfo)
		delete(record, "id")
		s.collections[Users][event.User] = record
		return nil

	case KindTeamPrefChange:
		prefs, ok := s.team["prefs"].(map[string]any)
		if !ok {
			prefs = make(map[string]any)
			s.team["prefs"] = prefs
		}
		prefs[event.Name] = cloneValue(event.Value)
		return nil

	default:
		// Reactions, bots, groups, history changes, hello, acks,
		// unknowns: reserved extension points, no mirror mutation.
		return nil
	}
}

// insertFromNested inserts or replaces a record from the event's
// nested channel object, stripping the id. adjust, when non-nil, runs
// on the stored copy before insertion.
func (s *Session) insertFromNested(collection Collection, event *Event, adjust func(Record)) error {
	if event.ChannelInfo == nil {
		return fmt.Errorf("rtm: %s event without a channel object", event.Kind)
	}
	id, ok := event.ChannelInfo["id"].(string)
	if !ok {
		return fmt.Errorf("rtm: %s event channel object without an id", event.Kind)
	}
	record := cloneRecord(event.ChannelInfo)
	delete(record, "id")
	if adjust != nil {
		adjust(record)
	}
	s.collections[collection][id] = record
	return nil
}

// setField mutates one attribute of an existing record. A missing
// record is a LookupError, distinct from "kind not handled".
func (s *Session) setField(collection Collection, id string, attribute string, value any) error {
	record, ok := s.collections[collection][id]
	if !ok {
		return &LookupError{Collection: collection, Attribute: "id", Value: id}
	}
	record[attribute] = value
	return nil
}

// setLastRead stores the event's raw "ts" field as the record's
// last_read marker. The raw wire form is kept, not a parsed time —
// last_read is compared against message ts strings, and reformatting
// would break the comparison.
func (s *Session) setLastRead(collection Collection, event *Event) error {
	ts, ok := event.Field("ts")
	if !ok {
		return fmt.Errorf("rtm: %s event without a ts field", event.Kind)
	}
	return s.setField(collection, event.Channel, "last_read", ts)
}

// replaceUser applies a user_change: a full record replacement, with
// one wrinkle — the server omits status on these events, so a prior
// presence value carries forward into the replacement.
func (s *Session) replaceUser(event *Event) error {
	if event.UserInfo == nil {
		return fmt.Errorf("rtm: %s event without a user object", event.Kind)
	}
	record := cloneRecord(event.UserInfo)
	delete(record, "id")

	if status, ok := record["status"]; !ok || status == nil {
		if prior, exists := s.collections[Users][event.User]; exists {
			if presence, has := prior["presence"]; has {
				record["status"] = presence
			}
		}
	}

	s.collections[Users][event.User] = record
	return nil
}

// Find looks up the first record in collection whose attribute equals
// value, compared case-insensitively. It returns the record's id and
// a copy of the record. The *LookupError on a miss carries the
// original query value, not the case-folded form.
func (s *Session) Find(collection Collection, attribute, value string) (string, Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.collections[collection]
	if !ok {
		return "", nil, &LookupError{Collection: collection, Attribute: attribute, Value: value}
	}

	folded := strings.ToUpper(value)
	for id, record := range records {
		attr, ok := record[attribute].(string)
		if ok && strings.ToUpper(attr) == folded {
			return id, cloneRecord(record), nil
		}
	}
	return "", nil, &LookupError{Collection: collection, Attribute: attribute, Value: value}
}

// FindChannelByName finds a public channel by name. Names are matched
// without the leading "#".
func (s *Session) FindChannelByName(name string) (string, Record, error) {
	return s.Find(Channels, "name", name)
}

// FindUserByName finds a user by name.
func (s *Session) FindUserByName(name string) (string, Record, error) {
	return s.Find(Users, "name", name)
}

// FindGroupByName finds a private group by name.
func (s *Session) FindGroupByName(name string) (string, Record, error) {
	return s.Find(Groups, "name", name)
}

// FindIMByUserID finds the direct-message channel with a user id.
func (s *Session) FindIMByUserID(userID string) (string, Record, error) {
	return s.Find(IMs, "user", userID)
}

// ResolveIM resolves a user name to that user's direct-message
// channel id. When no IM exists and autoCreate is set, it issues
// exactly one im.open call through the REST facade and returns the
// new channel id; otherwise the miss surfaces as a *LookupError.
func (s *Session) ResolveIM(ctx context.Context, userName string, autoCreate bool) (string, error) {
	userID, _, err := s.FindUserByName(userName)
	if err != nil {
		return "", err
	}

	id, _, err := s.FindIMByUserID(userID)
	if err == nil {
		return id, nil
	}
	if !autoCreate || !IsNotFound(err) {
		return "", err
	}

	if s.api == nil {
		return "", errors.New("rtm: no API client configured for IM auto-creation")
	}
	channelID, err := s.api.OpenIM(ctx, s.token, userID)
	if err != nil {
		return "", fmt.Errorf("rtm: opening IM with %s: %w", userName, err)
	}
	return channelID, nil
}

// cloneRecord copies a record one nesting level deep for scalar
// values and fully for nested maps and slices.
func cloneRecord(record Record) Record {
	if record == nil {
		return nil
	}
	return Record(cloneMap(map[string]any(record)))
}
