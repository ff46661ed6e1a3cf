package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// CallRequest is a channel's pending ask to be paired into a call.
// Identity is ChannelID: at most one pending request per channel.
type CallRequest struct {
	// ID is an opaque request identifier, distinct from the channel id,
	// used by callers that cancel a specific request.
	ID string

	ChannelID  string
	GuildID    string
	WebhookURL string

	// ClusterID records which worker process enqueued the request.
	ClusterID string

	// Priority is a coarse override of arrival order: each unit shifts
	// the queue score by one second. Within a tier, earlier arrival wins.
	Priority int

	QueuedAt time.Time
}

// Score orders the pending queue: enqueue time in unix millis plus a
// one-second bump per priority unit. Lower scores drain first.
func (r CallRequest) Score() float64 {
	return float64(r.QueuedAt.UnixMilli() + int64(r.Priority)*1000)
}

// QueueStatus is derived on demand from the live queue, never cached.
type QueueStatus struct {
	// Position is 1-based rank in score order.
	Position    int   `json:"position"`
	QueueLength int64 `json:"queue_length"`
}

const requestSchemaVersion = 1

// requestRecord is the versioned wire form of a CallRequest stored in the
// side index. Timestamps travel as RFC3339Nano strings so they round-trip
// without precision loss.
type requestRecord struct {
	SchemaVersion int    `json:"schema_version"`
	ID            string `json:"id"`
	ChannelID     string `json:"channel_id"`
	GuildID       string `json:"guild_id,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	ClusterID     string `json:"cluster_id"`
	Priority      int    `json:"priority"`
	QueuedAt      string `json:"queued_at"`
}

func encodeRequest(r CallRequest) (string, error) {
	rec := requestRecord{
		SchemaVersion: requestSchemaVersion,
		ID:            r.ID,
		ChannelID:     r.ChannelID,
		GuildID:       r.GuildID,
		WebhookURL:    r.WebhookURL,
		ClusterID:     r.ClusterID,
		Priority:      r.Priority,
		QueuedAt:      r.QueuedAt.UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode call request: %w", err)
	}
	return string(b), nil
}

func decodeRequest(payload string) (CallRequest, error) {
	var rec requestRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return CallRequest{}, fmt.Errorf("decode call request: %w", err)
	}
	if rec.SchemaVersion != requestSchemaVersion {
		return CallRequest{}, fmt.Errorf("decode call request: unsupported schema version %d", rec.SchemaVersion)
	}
	if rec.ChannelID == "" {
		return CallRequest{}, fmt.Errorf("decode call request: missing channel_id")
	}
	queuedAt, err := time.Parse(time.RFC3339Nano, rec.QueuedAt)
	if err != nil {
		return CallRequest{}, fmt.Errorf("decode call request: bad queued_at: %w", err)
	}
	return CallRequest{
		ID:         rec.ID,
		ChannelID:  rec.ChannelID,
		GuildID:    rec.GuildID,
		WebhookURL: rec.WebhookURL,
		ClusterID:  rec.ClusterID,
		Priority:   rec.Priority,
		QueuedAt:   queuedAt,
	}, nil
}
