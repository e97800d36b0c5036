// Package audit ships engine audit events to durable sinks. Events are
// queued without blocking the enforcement path, pseudonymized, batched and
// written to every sink in parallel.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"trust-engine/internal/bucketing"
	"trust-engine/internal/config"
	"trust-engine/internal/hashing"
	"trust-engine/internal/metrics"
	"trust-engine/internal/model"
)

var ErrNoSinks = errors.New("audit exporter needs at least one sink")

// Sink is a durable destination for audit records.
type Sink interface {
	Name() string
	WriteAuditRecords(ctx context.Context, records []model.AuditRecord) error
}

type Exporter struct {
	sinks   []Sink
	cfg     config.AuditConfig
	queue   chan model.AuditEvent
	pseudo  *hashing.Pseudonymizer
	bm      *bucketing.BucketingManager
	limiter *rate.Limiter
	logger  *zap.Logger

	dropped atomic.Uint64
	closed  atomic.Bool

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func NewExporter(cfg config.AuditConfig, logger *zap.Logger, sinks ...Sink) (*Exporter, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSinks
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = 5 * time.Second
	}

	pseudo, err := hashing.NewPseudonymizer(cfg.PseudonymKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create pseudonymizer: %w", err)
	}

	limit := rate.Inf
	if cfg.BatchesPerSec > 0 {
		limit = rate.Limit(cfg.BatchesPerSec)
	}

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	logger.Info("Audit exporter configured",
		zap.Strings("sinks", names),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("flush_interval", cfg.FlushInterval))

	return &Exporter{
		sinks:   sinks,
		cfg:     cfg,
		queue:   make(chan model.AuditEvent, cfg.QueueSize),
		pseudo:  pseudo,
		bm:      bucketing.NewBucketingManager(1),
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// ObserveAuditEvent queues ev for export. It never blocks: when the queue
// is full or the exporter is closed the event is dropped and counted.
func (x *Exporter) ObserveAuditEvent(ev model.AuditEvent) {
	if x.closed.Load() {
		x.drop()
		return
	}
	select {
	case x.queue <- ev:
	default:
		x.drop()
	}
}

func (x *Exporter) drop() {
	x.dropped.Add(1)
	metrics.AuditExportDropped.Inc()
}

// Dropped returns the number of events that never reached the queue.
func (x *Exporter) Dropped() uint64 {
	return x.dropped.Load()
}

// Start launches the batching loop. Later calls are no-ops.
func (x *Exporter) Start(ctx context.Context) {
	x.startOnce.Do(func() {
		go x.run(ctx)
	})
}

// Close stops accepting events, drains the queue and flushes what is left.
func (x *Exporter) Close() {
	x.closeOnce.Do(func() {
		x.closed.Store(true)
		// A never-started exporter still owes its queued events a flush.
		x.startOnce.Do(func() {
			go x.run(context.Background())
		})
		close(x.stop)
		<-x.done
		x.logger.Info("Audit exporter stopped", zap.Uint64("dropped", x.Dropped()))
	})
}

func (x *Exporter) run(ctx context.Context) {
	defer close(x.done)

	ticker := time.NewTicker(x.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]model.AuditEvent, 0, x.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		x.export(ctx, batch)
		batch = make([]model.AuditEvent, 0, x.cfg.BatchSize)
	}

	for {
		select {
		case ev := <-x.queue:
			batch = append(batch, ev)
			if len(batch) >= x.cfg.BatchSize {
				flush(ctx)
			}
		case <-ticker.C:
			flush(ctx)
		case <-ctx.Done():
			x.drain(&batch, flush)
			return
		case <-x.stop:
			x.drain(&batch, flush)
			return
		}
	}
}

// drain empties the queue with a fresh context, since the loop context may
// already be cancelled.
func (x *Exporter) drain(batch *[]model.AuditEvent, flush func(context.Context)) {
	ctx := context.Background()
	for {
		select {
		case ev := <-x.queue:
			*batch = append(*batch, ev)
			if len(*batch) >= x.cfg.BatchSize {
				flush(ctx)
			}
		default:
			flush(ctx)
			return
		}
	}
}

func (x *Exporter) export(ctx context.Context, events []model.AuditEvent) {
	if err := x.limiter.Wait(ctx); err != nil {
		// Shutting down; the final drain runs with its own context.
		ctx = context.Background()
	}

	records := make([]model.AuditRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, x.toRecord(ev))
	}

	var g errgroup.Group
	for _, sink := range x.sinks {
		sink := sink
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, x.cfg.SinkTimeout)
			defer cancel()
			if err := sink.WriteAuditRecords(sctx, records); err != nil {
				metrics.AuditExported.WithLabelValues(sink.Name(), "error").Add(float64(len(records)))
				x.logger.Warn("Audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("count", len(records)),
					zap.Error(err))
				return err
			}
			metrics.AuditExported.WithLabelValues(sink.Name(), "ok").Add(float64(len(records)))
			return nil
		})
	}
	_ = g.Wait()
}

func (x *Exporter) toRecord(ev model.AuditEvent) model.AuditRecord {
	var violations []string
	if v, ok := ev.Details["violations"].([]string); ok {
		violations = v
	}
	return model.AuditRecord{
		EventID:          ev.ID,
		AssessmentID:     ev.AssessmentID,
		EventType:        string(ev.EventType),
		DateBucket:       x.bm.GetDateBucket(ev.Timestamp),
		ServiceName:      ev.Context.ServiceName,
		ComponentName:    ev.Context.ComponentName,
		Operation:        ev.Context.Operation,
		ResourcePath:     ev.Context.ResourcePath,
		UserPseudonym:    x.pseudo.Pseudonym(ev.Context.UserID),
		SessionPseudonym: x.pseudo.Pseudonym(ev.Context.SessionID),
		SourceIP:         ev.Context.SourceIP,
		TrustScore:       ev.TrustScore,
		RiskLevel:        string(ev.RiskLevel),
		Action:           string(ev.Action),
		Violations:       violations,
		Timestamp:        ev.Timestamp,
	}
}
