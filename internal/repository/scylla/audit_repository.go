package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-engine/internal/model"
	"trust-engine/internal/util"
)

// AuditRepository persists audit records in two tables: audit_events,
// partitioned by (event_date, service_name), and audit_events_by_origin,
// partitioned by (event_date, source_ip) for burst investigations.
type AuditRepository struct {
	client *ScyllaClient
	ttl    int
}

func NewAuditRepository(client *ScyllaClient, retention time.Duration) *AuditRepository {
	return &AuditRepository{
		client: client,
		ttl:    int(retention.Seconds()),
	}
}

func (r *AuditRepository) Name() string { return "scylla" }

// WriteAuditRecords writes the batch as an unlogged batch. Rows from one
// record land in different partitions, so a logged batch buys nothing here.
func (r *AuditRepository) WriteAuditRecords(ctx context.Context, records []model.AuditRecord) error {
	batch := r.client.Batch(gocql.UnloggedBatch)
	for _, rec := range records {
		batch.Query(r.client.Prepared.InsertAuditEvent.Statement(), auditEventValues(rec, r.ttl)...)
		if rec.SourceIP != "" {
			batch.Query(r.client.Prepared.InsertAuditByOrigin.Statement(),
				rec.DateBucket, rec.SourceIP, rec.Timestamp, rec.EventID, rec.ServiceName, rec.Action, r.ttl)
		}
	}

	if err := r.client.ExecuteBatchWithRetry(ctx, batch, 2); err != nil {
		util.Error("Failed to write audit records",
			zap.Int("count", len(records)),
			zap.Error(err))
		return fmt.Errorf("failed to write audit records: %w", err)
	}
	return nil
}

func auditEventValues(rec model.AuditRecord, ttl int) []interface{} {
	return []interface{}{
		rec.DateBucket, rec.ServiceName, rec.Timestamp, rec.EventID, rec.AssessmentID, rec.EventType,
		rec.ComponentName, rec.Operation, rec.ResourcePath, rec.UserPseudonym, rec.SessionPseudonym,
		rec.SourceIP, rec.TrustScore, rec.RiskLevel, rec.Action, rec.Violations, ttl,
	}
}
