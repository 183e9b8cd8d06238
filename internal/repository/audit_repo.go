package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pagemill/backend/internal/models"
)

// AuditRepo is append-only; records are never updated or deleted from this
// core.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

func (r *AuditRepo) Insert(ctx context.Context, rec *models.AuditRecord) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO audit_log (id, user_id, action, entity_type, entity_id, description, actor_ip, actor_user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.Action, rec.EntityType, rec.EntityID, rec.Description, rec.ActorIP, rec.ActorUserAgent).
		Scan(&rec.CreatedAt)
}

// InsertTx writes the record inside the caller's transaction so the audit row
// commits atomically with the action it describes.
func (r *AuditRepo) InsertTx(ctx context.Context, tx pgx.Tx, rec *models.AuditRecord) error {
	return tx.QueryRow(ctx, `
		INSERT INTO audit_log (id, user_id, action, entity_type, entity_id, description, actor_ip, actor_user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, rec.ID, rec.UserID, rec.Action, rec.EntityType, rec.EntityID, rec.Description, rec.ActorIP, rec.ActorUserAgent).
		Scan(&rec.CreatedAt)
}

func (r *AuditRepo) ListByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.AuditRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, action, entity_type, entity_id, description, actor_ip, actor_user_agent, created_at
		FROM audit_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("select audit records: %w", err)
	}
	defer rows.Close()

	var list []*models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.Action, &rec.EntityType, &rec.EntityID,
			&rec.Description, &rec.ActorIP, &rec.ActorUserAgent, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		list = append(list, &rec)
	}
	return list, rows.Err()
}
