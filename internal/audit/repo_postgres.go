package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends audit events to the audit_events table. INSERT-only;
// retention is handled operationally, never by this code.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (id, type, actor_user_id, actor_role, ip_address, call_id, channel_id, cluster_id, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID, string(e.Type), e.ActorUserID, e.ActorRole, e.IPAddress,
		e.CallID, e.ChannelID, e.ClusterID, e.Message, e.CreatedAt)
	return err
}
