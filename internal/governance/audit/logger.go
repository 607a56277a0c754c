// Package audit implements the audit logging service.
//
// Audit logs are append-only records. Hard-delete is NOT allowed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"gnt-shepherd.io/shepherd/internal/domain"
	"gnt-shepherd.io/shepherd/internal/pkg/logger"
)

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertAuditLog = `
INSERT INTO audit_logs (id, action, resource_type, resource_id, actor, details, created_at)
VALUES ($1, $2, $3, $4, $5, $6, now())`

// Logger writes audit records to the database.
type Logger struct {
	db Execer
}

// NewLogger creates a new audit Logger.
func NewLogger(db Execer) *Logger {
	return &Logger{db: db}
}

// LogAction records an auditable action.
func (l *Logger) LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	var detailsJSON []byte
	if details != nil {
		var err error
		detailsJSON, err = json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
	}

	if _, err := l.db.Exec(ctx, insertAuditLog,
		generateAuditID(), action, resourceType, resourceID, actor, detailsJSON,
	); err != nil {
		logger.Error("Failed to write audit log",
			zap.String("action", action),
			zap.String("resource_type", resourceType),
			zap.String("resource_id", resourceID),
			zap.Error(err),
		)
		return fmt.Errorf("write audit log: %w", err)
	}
	return nil
}

// LogVMOperation records a VM operation.
func (l *Logger) LogVMOperation(ctx context.Context, operation string, vmID int64, actor string) error {
	return l.LogAction(ctx, "vm."+operation, "vm", strconv.FormatInt(vmID, 10), actor, nil)
}

// LogCommission records an operator decision on a commission serial.
func (l *Logger) LogCommission(ctx context.Context, serial int64, accept bool, actor string) error {
	decision := "reject"
	if accept {
		decision = "accept"
	}
	return l.LogAction(ctx, "commission."+decision, "commission", strconv.FormatInt(serial, 10), actor, nil)
}

// Register subscribes the logger to the domain events it records.
func (l *Logger) Register(d *domain.EventDispatcher) {
	d.Register(domain.EventVMStateChanged, l.handleStateChanged)
	d.Register(domain.EventCommissionResolved, l.handleCommissionResolved)
}

func (l *Logger) handleStateChanged(ctx context.Context, event *domain.DomainEvent) error {
	var p domain.VMStateChangedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return l.LogAction(ctx, "vm.state_changed", "vm", event.AggregateID, event.CreatedBy, map[string]interface{}{
		"event_id":   event.EventID,
		"task":       string(p.Task),
		"from":       string(p.From),
		"to":         string(p.To),
		"opcode":     string(p.Opcode),
		"job_id":     p.JobID,
		"job_status": string(p.JobStatus),
	})
}

func (l *Logger) handleCommissionResolved(ctx context.Context, event *domain.DomainEvent) error {
	var p domain.CommissionResolvedPayload
	if err := json.Unmarshal(event.Payload, &p); err != nil {
		return fmt.Errorf("decode %s payload: %w", event.EventType, err)
	}
	return l.LogAction(ctx, "commission.resolved", "commission", strconv.FormatInt(p.Serial, 10), event.CreatedBy, map[string]interface{}{
		"vm_id":  p.VMID,
		"accept": p.Accept,
	})
}

func generateAuditID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return fmt.Sprintf("audit-%s", id.String())
}
