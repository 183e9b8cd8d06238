package models

import (
	"time"

	"github.com/google/uuid"
)

// Audit actions recorded by this core.
const (
	AuditActionTaskCreated    = "task.created"
	AuditActionTaskSettled    = "task.settled"
	AuditActionTaskCancelled  = "task.cancelled"
	AuditActionTaskPurged     = "task.purged"
	AuditActionPaymentApplied = "payment.applied"
	AuditActionCreditsGranted = "credits.granted"
	AuditActionBalanceRepair  = "balance.repaired"
)

// AuditRecord is one immutable compliance log row. UserID and Description are
// denormalized so the record stays meaningful after the referenced task or
// account is purged.
type AuditRecord struct {
	ID             uuid.UUID  `json:"id"`
	UserID         uuid.UUID  `json:"user_id"`
	Action         string     `json:"action"`
	EntityType     string     `json:"entity_type"`
	EntityID       *uuid.UUID `json:"entity_id,omitempty"`
	Description    string     `json:"description"`
	ActorIP        string     `json:"actor_ip"`
	ActorUserAgent string     `json:"actor_user_agent"`
	CreatedAt      time.Time  `json:"created_at"`
}
