package callstate

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

type CallStatus string

const (
	StatusQueued CallStatus = "QUEUED"
	StatusActive CallStatus = "ACTIVE"
	StatusEnded  CallStatus = "ENDED"
)

// MessageWindow caps the rolling message history kept in the cache.
const MessageWindow = 50

// UserSet holds the user ids currently contributing to one side of a call.
// A text channel can have several human authors, so this is a set, not a
// single id. It serializes to a sorted list.
type UserSet map[string]struct{}

func NewUserSet(ids ...string) UserSet {
	s := make(UserSet, len(ids))
	for _, id := range ids {
		if id != "" {
			s[id] = struct{}{}
		}
	}
	return s
}

func (s UserSet) Add(id string)           { s[id] = struct{}{} }
func (s UserSet) Remove(id string)        { delete(s, id) }
func (s UserSet) Contains(id string) bool { _, ok := s[id]; return ok }
func (s UserSet) Len() int                { return len(s) }

// Sorted returns the members as a deterministic slice.
func (s UserSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s UserSet) Clone() UserSet {
	out := make(UserSet, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// CallParticipant is one channel side of a call. An ActiveCall holds at most
// one participant per channel id.
type CallParticipant struct {
	ChannelID  string
	GuildID    string
	WebhookURL string
	Users      UserSet
	JoinedAt   time.Time
	LeftAt     *time.Time
}

// CallMessage is one relayed message. Append-only; the cache keeps the most
// recent MessageWindow entries in insertion order.
type CallMessage struct {
	AuthorID       string
	AuthorUsername string
	Content        string
	AttachmentURL  string
	SentAt         time.Time
}

// ActiveCall is the live state of a logical pairing of two channels. The
// cache owns the hot path; the durable store is the source of truth on cache
// miss or process restart.
type ActiveCall struct {
	ID           string
	InitiatorID  string
	Status       CallStatus
	StartTime    time.Time
	EndTime      *time.Time
	Participants []CallParticipant
	Messages     []CallMessage
}

// Participant returns the side matching channelID, or nil.
func (c *ActiveCall) Participant(channelID string) *CallParticipant {
	for i := range c.Participants {
		if c.Participants[i].ChannelID == channelID {
			return &c.Participants[i]
		}
	}
	return nil
}

// Age is how long the call has been running.
func (c *ActiveCall) Age(now time.Time) time.Duration {
	return now.Sub(c.StartTime)
}

// Clone deep-copies the call so snapshots handed to the write-behind
// persister cannot be mutated by later cache operations.
func (c *ActiveCall) Clone() ActiveCall {
	out := *c
	if c.EndTime != nil {
		t := *c.EndTime
		out.EndTime = &t
	}
	out.Participants = make([]CallParticipant, len(c.Participants))
	for i, p := range c.Participants {
		cp := p
		cp.Users = p.Users.Clone()
		if p.LeftAt != nil {
			t := *p.LeftAt
			cp.LeftAt = &t
		}
		out.Participants[i] = cp
	}
	out.Messages = append([]CallMessage(nil), c.Messages...)
	return out
}

// StateStats is an aggregate view over all cached calls.
type StateStats struct {
	ActiveCalls      int           `json:"active_calls"`
	ParticipantUsers int           `json:"participant_users"`
	AverageAge       time.Duration `json:"average_age"`
}

/* ===================== wire schema ===================== */

// The cache stores explicit, versioned records: user sets travel as sorted
// lists, timestamps as RFC3339Nano strings, so the set-vs-list and
// date-vs-string distinctions are enforced here rather than by convention.

const callSchemaVersion = 1

type callRecord struct {
	SchemaVersion int                 `json:"schema_version"`
	ID            string              `json:"id"`
	InitiatorID   string              `json:"initiator_id"`
	Status        string              `json:"status"`
	StartTime     string              `json:"start_time"`
	EndTime       string              `json:"end_time,omitempty"`
	Participants  []participantRecord `json:"participants"`
}

type participantRecord struct {
	ChannelID  string `json:"channel_id"`
	GuildID    string `json:"guild_id,omitempty"`
	WebhookURL string `json:"webhook_url,omitempty"`
	JoinedAt   string `json:"joined_at"`
	LeftAt     string `json:"left_at,omitempty"`
}

type messageRecord struct {
	SchemaVersion  int    `json:"schema_version"`
	AuthorID       string `json:"author_id"`
	AuthorUsername string `json:"author_username"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	SentAt         string `json:"sent_at"`
}

// encodeCall serializes the call core: everything except the user sets and
// the message window, which live in their own atomically-mutable keys.
func encodeCall(c *ActiveCall) (string, error) {
	b, err := json.Marshal(callRecordOf(c))
	if err != nil {
		return "", fmt.Errorf("encode call %s: %w", c.ID, err)
	}
	return string(b), nil
}

func callRecordOf(c *ActiveCall) callRecord {
	rec := callRecord{
		SchemaVersion: callSchemaVersion,
		ID:            c.ID,
		InitiatorID:   c.InitiatorID,
		Status:        string(c.Status),
		StartTime:     c.StartTime.UTC().Format(time.RFC3339Nano),
		Participants:  make([]participantRecord, 0, len(c.Participants)),
	}
	if c.EndTime != nil {
		rec.EndTime = c.EndTime.UTC().Format(time.RFC3339Nano)
	}
	for _, p := range c.Participants {
		pr := participantRecord{
			ChannelID:  p.ChannelID,
			GuildID:    p.GuildID,
			WebhookURL: p.WebhookURL,
			JoinedAt:   p.JoinedAt.UTC().Format(time.RFC3339Nano),
		}
		if p.LeftAt != nil {
			pr.LeftAt = p.LeftAt.UTC().Format(time.RFC3339Nano)
		}
		rec.Participants = append(rec.Participants, pr)
	}
	return rec
}

func decodeCall(payload string) (*ActiveCall, error) {
	var rec callRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return callFromRecord(rec)
}

func callFromRecord(rec callRecord) (*ActiveCall, error) {
	if rec.SchemaVersion != callSchemaVersion {
		return nil, fmt.Errorf("decode call: unsupported schema version %d", rec.SchemaVersion)
	}
	if rec.ID == "" {
		return nil, fmt.Errorf("decode call: missing id")
	}
	start, err := time.Parse(time.RFC3339Nano, rec.StartTime)
	if err != nil {
		return nil, fmt.Errorf("decode call %s: bad start_time: %w", rec.ID, err)
	}
	call := &ActiveCall{
		ID:          rec.ID,
		InitiatorID: rec.InitiatorID,
		Status:      CallStatus(rec.Status),
		StartTime:   start,
	}
	if rec.EndTime != "" {
		end, err := time.Parse(time.RFC3339Nano, rec.EndTime)
		if err != nil {
			return nil, fmt.Errorf("decode call %s: bad end_time: %w", rec.ID, err)
		}
		call.EndTime = &end
	}
	for _, pr := range rec.Participants {
		joined, err := time.Parse(time.RFC3339Nano, pr.JoinedAt)
		if err != nil {
			return nil, fmt.Errorf("decode call %s: bad joined_at: %w", rec.ID, err)
		}
		p := CallParticipant{
			ChannelID:  pr.ChannelID,
			GuildID:    pr.GuildID,
			WebhookURL: pr.WebhookURL,
			Users:      NewUserSet(),
			JoinedAt:   joined,
		}
		if pr.LeftAt != "" {
			left, err := time.Parse(time.RFC3339Nano, pr.LeftAt)
			if err != nil {
				return nil, fmt.Errorf("decode call %s: bad left_at: %w", rec.ID, err)
			}
			p.LeftAt = &left
		}
		call.Participants = append(call.Participants, p)
	}
	return call, nil
}

func encodeMessage(m CallMessage) (string, error) {
	b, err := json.Marshal(messageRecordOf(m))
	if err != nil {
		return "", fmt.Errorf("encode call message: %w", err)
	}
	return string(b), nil
}

func messageRecordOf(m CallMessage) messageRecord {
	return messageRecord{
		SchemaVersion:  callSchemaVersion,
		AuthorID:       m.AuthorID,
		AuthorUsername: m.AuthorUsername,
		Content:        m.Content,
		AttachmentURL:  m.AttachmentURL,
		SentAt:         m.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func decodeMessage(payload string) (CallMessage, error) {
	var rec messageRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return CallMessage{}, fmt.Errorf("decode call message: %w", err)
	}
	return messageFromRecord(rec)
}

func messageFromRecord(rec messageRecord) (CallMessage, error) {
	if rec.SchemaVersion != callSchemaVersion {
		return CallMessage{}, fmt.Errorf("decode call message: unsupported schema version %d", rec.SchemaVersion)
	}
	sentAt, err := time.Parse(time.RFC3339Nano, rec.SentAt)
	if err != nil {
		return CallMessage{}, fmt.Errorf("decode call message: bad sent_at: %w", err)
	}
	return CallMessage{
		AuthorID:       rec.AuthorID,
		AuthorUsername: rec.AuthorUsername,
		Content:        rec.Content,
		AttachmentURL:  rec.AttachmentURL,
		SentAt:         sentAt,
	}, nil
}

// snapshotRecord is the dead-letter wire form. A dead-lettered snapshot has
// to survive on its own: the side keys holding user sets and the message
// window may be gone by the time an operator replays it, so it carries both
// inline.
type snapshotRecord struct {
	SchemaVersion int                 `json:"schema_version"`
	Call          callRecord          `json:"call"`
	Users         map[string][]string `json:"users,omitempty"`
	Messages      []messageRecord     `json:"messages,omitempty"`
}

func encodeSnapshot(c *ActiveCall) (string, error) {
	rec := snapshotRecord{
		SchemaVersion: callSchemaVersion,
		Call:          callRecordOf(c),
	}
	for _, p := range c.Participants {
		if p.Users.Len() == 0 {
			continue
		}
		if rec.Users == nil {
			rec.Users = make(map[string][]string, len(c.Participants))
		}
		rec.Users[p.ChannelID] = p.Users.Sorted()
	}
	for _, m := range c.Messages {
		rec.Messages = append(rec.Messages, messageRecordOf(m))
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode snapshot %s: %w", c.ID, err)
	}
	return string(b), nil
}

func decodeSnapshot(payload string) (*ActiveCall, error) {
	var rec snapshotRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if rec.SchemaVersion != callSchemaVersion {
		return nil, fmt.Errorf("decode snapshot: unsupported schema version %d", rec.SchemaVersion)
	}
	call, err := callFromRecord(rec.Call)
	if err != nil {
		return nil, err
	}
	for channelID, users := range rec.Users {
		p := call.Participant(channelID)
		if p == nil {
			continue
		}
		for _, id := range users {
			p.Users.Add(id)
		}
	}
	for _, mr := range rec.Messages {
		msg, err := messageFromRecord(mr)
		if err != nil {
			return nil, err
		}
		call.Messages = append(call.Messages, msg)
	}
	return call, nil
}

/* ===================== cache keyspace ===================== */

const (
	callKeyPrefix  = "cb:v1:call:"
	callCoreSuffix = ":core"

	// callCorePattern matches only core records during SCAN enumeration;
	// user-set and message keys share the prefix but not the suffix.
	callCorePattern = callKeyPrefix + "*" + callCoreSuffix

	channelKeyPrefix = "cb:v1:channel:"
)

func callCoreKey(id string) string { return callKeyPrefix + id + callCoreSuffix }

func callUsersKey(id, channelID string) string {
	return callKeyPrefix + id + ":users:" + channelID
}

func callMsgsKey(id string) string { return callKeyPrefix + id + ":msgs" }

func channelKey(channelID string) string { return channelKeyPrefix + channelID }
