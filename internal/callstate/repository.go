package callstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"callbridge/pkg/utils"
)

// Repository is the relational mirror of the call cache. Snapshots are
// upserted whole inside one transaction; messages accumulate append-only,
// deduplicated on (call_id, author_id, sent_at).
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PersistCall upserts the full call snapshot: the call row, every participant
// side, the current user set per side, and any messages not yet recorded.
func (r *Repository) PersistCall(ctx context.Context, call ActiveCall) error {
	if call.ID == "" {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		if err := upsertCall(ctx, tx, call); err != nil {
			return fmt.Errorf("persist call %s: %w", call.ID, err)
		}
		for _, p := range call.Participants {
			pid, err := upsertParticipant(ctx, tx, call.ID, p)
			if err != nil {
				return fmt.Errorf("persist call %s side %s: %w", call.ID, p.ChannelID, err)
			}
			if err := replaceParticipantUsers(ctx, tx, pid, p.Users); err != nil {
				return fmt.Errorf("persist call %s side %s users: %w", call.ID, p.ChannelID, err)
			}
		}
		if err := appendMessages(ctx, tx, call.ID, call.Messages); err != nil {
			return fmt.Errorf("persist call %s messages: %w", call.ID, err)
		}
		return nil
	})
}

// LoadActiveCall loads a call only while its durable status is ACTIVE. Ended
// and unknown calls read as nil; the cache must never be re-primed with a
// call that already finished.
func (r *Repository) LoadActiveCall(ctx context.Context, id string) (*ActiveCall, error) {
	const q = `
SELECT id, initiator_id, status, start_time, end_time
FROM calls
WHERE id = $1 AND status = 'ACTIVE'
`
	var (
		call    ActiveCall
		endTime sql.NullTime
	)
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&call.ID,
		&call.InitiatorID,
		&call.Status,
		&call.StartTime,
		&endTime,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load call %s: %w", id, err)
	}
	if endTime.Valid {
		call.EndTime = &endTime.Time
	}

	if call.Participants, err = r.loadParticipants(ctx, id); err != nil {
		return nil, fmt.Errorf("load call %s sides: %w", id, err)
	}
	if call.Messages, err = r.loadRecentMessages(ctx, id); err != nil {
		return nil, fmt.Errorf("load call %s messages: %w", id, err)
	}
	return &call, nil
}

func upsertCall(ctx context.Context, tx *sql.Tx, call ActiveCall) error {
	const q = `
INSERT INTO calls (id, initiator_id, status, start_time, end_time, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  end_time = EXCLUDED.end_time,
  updated_at = now()
`
	var endTime interface{}
	if call.EndTime != nil {
		endTime = call.EndTime.UTC()
	}
	_, err := tx.ExecContext(ctx, q,
		call.ID, call.InitiatorID, string(call.Status), call.StartTime.UTC(), endTime)
	return err
}

func upsertParticipant(ctx context.Context, tx *sql.Tx, callID string, p CallParticipant) (int64, error) {
	const q = `
INSERT INTO call_participants (call_id, channel_id, guild_id, webhook_url, joined_at, left_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (call_id, channel_id) DO UPDATE SET
  webhook_url = EXCLUDED.webhook_url,
  left_at = EXCLUDED.left_at
RETURNING id
`
	var leftAt interface{}
	if p.LeftAt != nil {
		leftAt = p.LeftAt.UTC()
	}
	var pid int64
	err := tx.QueryRowContext(ctx, q,
		callID, p.ChannelID, p.GuildID, p.WebhookURL, p.JoinedAt.UTC(), leftAt).Scan(&pid)
	return pid, err
}

func replaceParticipantUsers(ctx context.Context, tx *sql.Tx, participantID int64, users UserSet) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM call_participant_users WHERE participant_id = $1`, participantID); err != nil {
		return err
	}
	const q = `INSERT INTO call_participant_users (participant_id, user_id) VALUES ($1, $2)`
	for _, u := range users.Sorted() {
		if _, err := tx.ExecContext(ctx, q, participantID, u); err != nil {
			return err
		}
	}
	return nil
}

func appendMessages(ctx context.Context, tx *sql.Tx, callID string, msgs []CallMessage) error {
	const q = `
INSERT INTO call_messages (call_id, author_id, author_username, content, attachment_url, sent_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (call_id, author_id, sent_at) DO NOTHING
`
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, q,
			callID, m.AuthorID, m.AuthorUsername, m.Content, m.AttachmentURL, m.SentAt.UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repository) loadParticipants(ctx context.Context, callID string) ([]CallParticipant, error) {
	const q = `
SELECT id, channel_id, guild_id, webhook_url, joined_at, left_at
FROM call_participants
WHERE call_id = $1
ORDER BY joined_at, id
`
	rows, err := r.db.QueryContext(ctx, q, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []CallParticipant
		ids []int64
	)
	for rows.Next() {
		var (
			pid    int64
			p      CallParticipant
			leftAt sql.NullTime
		)
		if err := rows.Scan(&pid, &p.ChannelID, &p.GuildID, &p.WebhookURL, &p.JoinedAt, &leftAt); err != nil {
			return nil, err
		}
		if leftAt.Valid {
			t := leftAt.Time
			p.LeftAt = &t
		}
		p.Users = NewUserSet()
		out = append(out, p)
		ids = append(ids, pid)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, pid := range ids {
		users, err := r.loadParticipantUsers(ctx, pid)
		if err != nil {
			return nil, err
		}
		out[i].Users = users
	}
	return out, nil
}

func (r *Repository) loadParticipantUsers(ctx context.Context, participantID int64) (UserSet, error) {
	const q = `SELECT user_id FROM call_participant_users WHERE participant_id = $1`
	rows, err := r.db.QueryContext(ctx, q, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := NewUserSet()
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users.Add(u)
	}
	return users, rows.Err()
}

// loadRecentMessages returns the newest MessageWindow messages in send order,
// matching what the cache would hold.
func (r *Repository) loadRecentMessages(ctx context.Context, callID string) ([]CallMessage, error) {
	const q = `
SELECT author_id, author_username, content, attachment_url, sent_at
FROM (
  SELECT author_id, author_username, content, attachment_url, sent_at
  FROM call_messages
  WHERE call_id = $1
  ORDER BY sent_at DESC, id DESC
  LIMIT $2
) recent
ORDER BY sent_at, author_id
`
	rows, err := r.db.QueryContext(ctx, q, callID, MessageWindow)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallMessage
	for rows.Next() {
		var (
			m      CallMessage
			sentAt time.Time
		)
		if err := rows.Scan(&m.AuthorID, &m.AuthorUsername, &m.Content, &m.AttachmentURL, &sentAt); err != nil {
			return nil, err
		}
		m.SentAt = sentAt
		out = append(out, m)
	}
	return out, rows.Err()
}
