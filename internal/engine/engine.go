// Package engine is the zero-trust assessment and enforcement core. Every
// privileged operation in the platform is described as a SecurityContext and
// routed through Engine.Enforce (or Engine.AssessSecurity for pure decisions).
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"trust-engine/internal/bucketing"
	"trust-engine/internal/config"
	"trust-engine/internal/metrics"
	"trust-engine/internal/model"
	"trust-engine/internal/repository/memory"
	"trust-engine/internal/verification"

	"go.uber.org/zap"
)

var (
	ErrInvalidPolicy  = errors.New("invalid policy")
	ErrPolicyNotFound = errors.New("policy not found")
)

// assessmentValidity is how long a recommended action may be relied upon.
const assessmentValidity = 5 * time.Minute

// Clock returns the current time. Tests inject fixed or panicking clocks.
type Clock func() time.Time

// RateLimiter is the sliding-window backend consulted at enforcement time.
// Both the in-memory limiter and the Redis limiter satisfy it.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (bool, int, error)
	Prune(ctx context.Context, now time.Time) (int, error)
}

// AuditObserver is notified of every audit event after it was appended to
// the in-memory log. Implementations must not block.
type AuditObserver interface {
	ObserveAuditEvent(ev model.AuditEvent)
}

type Option func(*Engine)

func WithClock(c Clock) Option {
	return func(e *Engine) { e.now = c }
}

func WithRateLimiter(l RateLimiter) Option {
	return func(e *Engine) { e.limiter = l }
}

func WithAuditObserver(o AuditObserver) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithKnownServices extends the service names the identity check accepts.
func WithKnownServices(services ...string) Option {
	return func(e *Engine) {
		e.cfg.KnownServices = append(append([]string(nil), e.cfg.KnownServices...), services...)
	}
}

// WithMethods registers additional verification methods, replacing built-in
// ones that share an identifier.
func WithMethods(methods ...verification.Method) Option {
	return func(e *Engine) { e.extraMethods = append(e.extraMethods, methods...) }
}

// Engine owns all assessment state. It is safe for concurrent use.
type Engine struct {
	cfg    config.EngineConfig
	logger *zap.Logger
	now    Clock

	registry *verification.Registry
	policies atomic.Pointer[policySet]
	policyMu sync.Mutex

	whitelist   *whitelist
	defaultDeny atomic.Bool

	patterns  *memory.PatternStore
	limiter   RateLimiter
	audit     *memory.AuditLog
	anomalies *memory.AnomalyLog
	cache     *assessmentCache

	observers    []AuditObserver
	extraMethods []verification.Method

	assessmentCount atomic.Int64

	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New builds an engine with the default policy set and an empty whitelist.
func New(cfg config.EngineConfig, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	registry, err := verification.DefaultRegistry(e.cfg)
	if err != nil {
		return nil, err
	}
	for _, m := range e.extraMethods {
		if registry.Has(m.ID()) {
			err = registry.Replace(m)
		} else {
			err = registry.Register(m)
		}
		if err != nil {
			return nil, err
		}
	}
	e.registry = registry

	bm := bucketing.NewBucketingManager(cfg.Shards)
	e.patterns = memory.NewPatternStore(bm, memory.PatternStoreConfig{
		ServiceCapacity:   cfg.ServiceHistorySize,
		ComponentCapacity: cfg.ComponentHistorySize,
		UserCapacity:      cfg.UserHistorySize,
	})
	if e.limiter == nil {
		e.limiter = memory.NewSlidingWindowLimiter(bm)
	}
	originTrail := 2 * cfg.BurstThreshold
	if originTrail < 64 {
		originTrail = 64
	}
	e.audit = memory.NewAuditLog(bm, memory.AuditLogConfig{
		Capacity:     cfg.AuditCapacity,
		OriginTrail:  originTrail,
		OriginWindow: cfg.BurstWindow,
	})
	e.anomalies = memory.NewAnomalyLog(cfg.AnomalyCapacity)
	e.cache = newAssessmentCache(cfg.AssessmentCacheSize)
	e.whitelist = newWhitelist()
	e.defaultDeny.Store(cfg.DefaultDeny)

	e.policies.Store(newPolicySet(defaultPolicies(e.now())))

	e.logger.Info("Trust engine initialized",
		zap.Bool("default_deny", cfg.DefaultDeny),
		zap.Strings("methods", registry.IDs()),
		zap.Int("policies", len(e.Policies())),
	)
	return e, nil
}

// Start launches the retention sweep. It is the only goroutine the engine
// owns; calling Start more than once has no effect.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		interval := e.cfg.SweepInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		go e.sweepLoop(ctx, interval)
	})
}

// Close stops the sweep and waits for it to exit.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.stop)
		started := true
		e.startOnce.Do(func() { started = false })
		if started {
			<-e.done
		}
	})
}

func (e *Engine) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(e.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep purges audit events and anomalies older than the retention window
// and drops rate buckets whose window has elapsed.
func (e *Engine) Sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Retention sweep panicked", zap.Any("panic", r))
		}
	}()
	now := e.now()
	cutoff := now.Add(-e.cfg.AuditRetention)

	purged := e.audit.Purge(cutoff)
	metrics.AuditEventsPurged.Add(float64(purged))
	anomalies := e.anomalies.Purge(cutoff)
	origins := 0
	if e.cfg.BurstWindow > 0 {
		origins = e.audit.PruneOrigins(now.Add(-e.cfg.BurstWindow))
	}

	buckets, err := e.limiter.Prune(ctx, now)
	if err != nil {
		metrics.BookkeepingErrors.WithLabelValues("rate_limiter").Inc()
		e.logger.Warn("Failed to prune rate buckets", zap.Error(err))
	}

	e.logger.Debug("Retention sweep completed",
		zap.Int("audit_events_purged", purged),
		zap.Int("anomalies_purged", anomalies),
		zap.Int("origins_forgotten", origins),
		zap.Int("rate_buckets_pruned", buckets),
	)
}

// SetDefaultDeny toggles the whitelist gate.
func (e *Engine) SetDefaultDeny(enabled bool) {
	e.defaultDeny.Store(enabled)
	e.logger.Info("Default-deny mode changed", zap.Bool("enabled", enabled))
}

func (e *Engine) DefaultDeny() bool {
	return e.defaultDeny.Load()
}

// Methods lists the registered verification method identifiers.
func (e *Engine) Methods() []string {
	return e.registry.IDs()
}

// GetAssessment returns a cached assessment by id.
func (e *Engine) GetAssessment(id string) (*model.SecurityAssessment, bool) {
	return e.cache.get(id)
}

// RecentAuditEvents returns up to limit audit events, newest first.
func (e *Engine) RecentAuditEvents(limit int) []model.AuditEvent {
	return e.audit.Recent(limit)
}

// AuditEventsFor returns the audit trail of one assessment.
func (e *Engine) AuditEventsFor(assessmentID string) []model.AuditEvent {
	return e.audit.ByAssessment(assessmentID)
}

// RecentAnomalies returns up to limit anomalies, newest first.
func (e *Engine) RecentAnomalies(limit int) []model.Anomaly {
	return e.anomalies.Recent(limit)
}

// GetStatus returns a point-in-time snapshot of the engine's counters.
func (e *Engine) GetStatus() model.EngineStatus {
	active := 0
	for _, p := range e.policies.Load().ordered {
		if p.Active {
			active++
		}
	}
	return model.EngineStatus{
		DefaultDenyEnabled: e.defaultDeny.Load(),
		WhitelistSize:      e.whitelist.len(),
		ActivePolicyCount:  active,
		AssessmentCount:    int(e.assessmentCount.Load()),
		AuditEventCount:    e.audit.Len(),
		AnomalyCount:       e.anomalies.Len(),
	}
}

// ApplyPolicyFile merges a bootstrap document into the running engine.
func (e *Engine) ApplyPolicyFile(pf *config.PolicyFile) error {
	if pf == nil {
		return nil
	}
	if pf.DefaultDeny != nil {
		e.SetDefaultDeny(*pf.DefaultDeny)
	}
	if len(pf.KnownServices) > 0 {
		known := append(append([]string(nil), e.cfg.KnownServices...), pf.KnownServices...)
		if err := e.registry.Replace(verification.NewSystemIdentity(known)); err != nil {
			return err
		}
	}
	for _, key := range pf.Whitelist {
		if err := e.AddToWhitelist(key); err != nil {
			return err
		}
	}
	for _, pc := range pf.Policies {
		level, err := model.ParsePolicyLevel(pc.Level)
		if err != nil {
			return err
		}
		action := model.ActionDeny
		if pc.ActionOnViolation != "" {
			if action, err = model.ParseAction(pc.ActionOnViolation); err != nil {
				return err
			}
		}
		if _, err := e.RegisterPolicy(PolicyDefinition{
			Name:              pc.Name,
			Description:       pc.Description,
			Level:             level,
			Condition:         pc.Condition,
			Weight:            pc.Weight,
			Methods:           pc.Methods,
			ActionOnViolation: action,
		}); err != nil {
			return err
		}
	}
	return nil
}
