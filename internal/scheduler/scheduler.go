package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/givehub/crm-relay/internal/domain"
)

// Schedule table: each cron type with its expression and production target.
var scheduleTable = []struct {
	Type string
	Expr string
}{
	{domain.CronTypePledge, "*/2 * * * *"},
	{domain.CronTypeOneoff, "*/2 * * * *"},
	{domain.CronTypeRecurring, "*/5 * * * *"},
	{domain.CronTypeHourly, "0 * * * *"},
}

// Options carry the endpoint and queue wiring the ticks need.
type Options struct {
	QueueName      string
	PledgeEndpoint string
	OneoffEndpoint string
	ClientID       string
}

// TypeStats is the per-type counters surface for /cron-jobs/stats.
type TypeStats struct {
	Runs      int64      `json:"runs"`
	Skips     int64      `json:"skips"`
	Failures  int64      `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

// Scheduler owns the cron entries, the durable enable flags, and the per-type
// overlap guards. One Scheduler runs per server process.
type Scheduler struct {
	cron     *cron.Cron
	broker   domain.Broker
	jobs     domain.JobRepository
	audit    domain.AuditRepository
	tokens   domain.TokenProvider
	state    *StateStore
	opts     Options

	// Now is the tick clock; tests pin it to a fixed instant.
	Now func() time.Time

	mu      sync.Mutex
	enabled map[string]bool
	running map[string]bool
	stats   map[string]*TypeStats
}

// New builds a Scheduler; Start registers the cron entries and loads the
// durable enable flags.
func New(broker domain.Broker, jobs domain.JobRepository, audit domain.AuditRepository, tokens domain.TokenProvider, state *StateStore, opts Options) *Scheduler {
	if opts.QueueName == "" {
		opts.QueueName = "salesforce"
	}
	s := &Scheduler{
		cron:    cron.New(),
		broker:  broker,
		jobs:    jobs,
		audit:   audit,
		tokens:  tokens,
		state:   state,
		opts:    opts,
		Now:     time.Now,
		enabled: make(map[string]bool),
		running: make(map[string]bool),
		stats:   make(map[string]*TypeStats),
	}
	for _, t := range domain.CronTypes {
		s.enabled[t] = true
		s.stats[t] = &TypeStats{}
	}
	return s
}

// Start loads the persisted enable flags and begins ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	flags, err := s.state.Load(ctx)
	if err != nil {
		return fmt.Errorf("op=scheduler.start: %w", err)
	}
	s.mu.Lock()
	for t, on := range flags {
		s.enabled[t] = on
	}
	s.mu.Unlock()

	for _, entry := range scheduleTable {
		cronType := entry.Type
		if _, err := s.cron.AddFunc(entry.Expr, func() {
			s.Tick(context.Background(), cronType)
		}); err != nil {
			return fmt.Errorf("op=scheduler.start: entry %s: %w", cronType, err)
		}
	}
	s.cron.Start()
	slog.Info("scheduler started", slog.Int("entries", len(scheduleTable)))
	return nil
}

// Stop halts ticking and waits for a running tick to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("scheduler stopped")
}

// Toggle flips one cron type's enable flag, persisting it. The in-memory flag
// reverts if the store write fails.
func (s *Scheduler) Toggle(ctx domain.Context, cronType string, enabled bool) error {
	if !validCronType(cronType) {
		return fmt.Errorf("op=scheduler.toggle: type %q: %w", cronType, domain.ErrInvalidArgument)
	}
	s.mu.Lock()
	prev := s.enabled[cronType]
	s.enabled[cronType] = enabled
	s.mu.Unlock()

	if err := s.state.SetEnabled(ctx, cronType, enabled); err != nil {
		s.mu.Lock()
		s.enabled[cronType] = prev
		s.mu.Unlock()
		return err
	}
	slog.Info("cron job toggled", slog.String("type", cronType), slog.Bool("enabled", enabled))
	return nil
}

// States returns the current enable flag per type.
func (s *Scheduler) States() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.enabled))
	for t, on := range s.enabled {
		out[t] = on
	}
	return out
}

// Schedules returns the cron expression per type.
func (s *Scheduler) Schedules() map[string]string {
	out := make(map[string]string, len(scheduleTable))
	for _, e := range scheduleTable {
		out[e.Type] = e.Expr
	}
	return out
}

// Stats returns a copy of the per-type counters.
func (s *Scheduler) Stats() map[string]TypeStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TypeStats, len(s.stats))
	for t, st := range s.stats {
		out[t] = *st
	}
	return out
}

// RunNow executes one tick immediately; the admin run endpoint reuses the
// exact tick path including the overlap guard.
func (s *Scheduler) RunNow(ctx domain.Context, cronType string) error {
	if !validCronType(cronType) {
		return fmt.Errorf("op=scheduler.run_now: type %q: %w", cronType, domain.ErrInvalidArgument)
	}
	return s.Tick(ctx, cronType)
}

func validCronType(t string) bool {
	for _, ct := range domain.CronTypes {
		if ct == t {
			return true
		}
	}
	return false
}

// Tick runs one scheduling pass for a cron type.
func (s *Scheduler) Tick(ctx domain.Context, cronType string) error {
	s.mu.Lock()
	if !s.enabled[cronType] {
		s.mu.Unlock()
		slog.Debug("cron job disabled; skipping", slog.String("type", cronType))
		return nil
	}
	if s.running[cronType] {
		s.stats[cronType].Skips++
		s.mu.Unlock()
		slog.Warn("previous tick still running; skipping", slog.String("type", cronType))
		return nil
	}
	s.running[cronType] = true
	s.mu.Unlock()

	start := s.Now().UTC()
	err := s.produce(ctx, cronType, start)

	s.mu.Lock()
	s.running[cronType] = false
	st := s.stats[cronType]
	st.Runs++
	t := start
	st.LastRun = &t
	if err != nil {
		st.Failures++
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	s.mu.Unlock()
	return err
}

func (s *Scheduler) produce(ctx domain.Context, cronType string, start time.Time) error {
	crmBound := domain.CRMBoundCronType(cronType)
	var token string
	if crmBound {
		res, err := s.fetchToken(ctx)
		if err != nil || !res.Success {
			msg := "token fetch failed"
			if err != nil {
				msg = err.Error()
			} else if res.Error != "" {
				msg = res.Error
			}
			s.auditScheduled(ctx, cronType, "", 500, &msg, false)
			return fmt.Errorf("op=scheduler.tick: type %s: token: %s", cronType, msg)
		}
		token = res.Token
	}

	key := fmt.Sprintf("%s-%d", cronType, start.UnixMilli())
	payload, queue, opts := s.buildTask(cronType, key, token)

	if err := s.jobs.Create(ctx, domain.Job{
		IdempotencyKey: key,
		Payload:        payload,
		Status:         domain.JobQueued,
	}); err != nil {
		if errors.Is(err, domain.ErrDuplicateKey) {
			// Already scheduled by another process this tick; nothing enters
			// the queue.
			slog.Debug("tick already scheduled", slog.String("type", cronType), slog.String("key", key))
			return nil
		}
		msg := err.Error()
		s.auditScheduled(ctx, cronType, key, 500, &msg, false)
		return fmt.Errorf("op=scheduler.tick: type %s: %w", cronType, err)
	}

	if _, err := s.broker.Enqueue(ctx, queue, cronType, payload, opts); err != nil {
		msg := err.Error()
		s.auditScheduled(ctx, cronType, key, 500, &msg, false)
		return fmt.Errorf("op=scheduler.tick: type %s: %w", cronType, err)
	}

	s.auditScheduled(ctx, cronType, key, 200, nil, true)
	slog.Info("cron job scheduled",
		slog.String("type", cronType),
		slog.String("queue", queue),
		slog.String("idempotency_key", key))
	return nil
}

// buildTask maps a cron type to its queue, payload, and enqueue options.
func (s *Scheduler) buildTask(cronType, key, token string) (json.RawMessage, string, domain.EnqueueOptions) {
	switch cronType {
	case domain.CronTypePledge, domain.CronTypeOneoff:
		endpoint := s.opts.PledgeEndpoint
		if cronType == domain.CronTypeOneoff {
			endpoint = s.opts.OneoffEndpoint
		}
		payload, _ := json.Marshal(domain.SalesforceTaskPayload{
			Endpoint:       endpoint,
			Token:          token,
			Type:           cronType,
			ClientID:       s.opts.ClientID,
			IdempotencyKey: key,
		})
		return payload, s.opts.QueueName, domain.EnqueueOptions{Priority: 1, MaxAttempts: 3}
	case domain.CronTypeRecurring:
		payload, _ := json.Marshal(map[string]string{"type": cronType, "idempotency_key": key})
		return payload, "notifications", domain.EnqueueOptions{Delay: 5 * time.Minute}
	default: // hourly
		payload, _ := json.Marshal(map[string]string{"type": cronType, "idempotency_key": key})
		return payload, "notifications", domain.EnqueueOptions{Priority: 1}
	}
}

// fetchToken retries transient token-provider failures before the tick gives
// up; three tries total.
func (s *Scheduler) fetchToken(ctx domain.Context) (domain.TokenResult, error) {
	var res domain.TokenResult
	op := func() error {
		r, err := s.tokens.GetToken(ctx)
		if err != nil {
			return err
		}
		res = r
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.TokenResult{}, err
	}
	return res, nil
}

// auditScheduled emits the JOB_SCHEDULED row for one tick. CRM-bound rows
// start undelivered so the handoff can pick them up; internal-only rows are
// born delivered.
func (s *Scheduler) auditScheduled(ctx domain.Context, cronType, key string, status int, errMsg *string, success bool) {
	delivered := !domain.CRMBoundCronType(cronType)
	reqData, _ := json.Marshal(map[string]any{"success": success})
	entry := domain.AuditEntry{
		Action:        domain.ActionJobScheduled,
		Method:        "CRON",
		Endpoint:      "scheduler/" + cronType,
		Type:          cronType,
		ReferenceID:   key,
		StatusCode:    status,
		StatusMessage: errMsg,
		RequestData:   reqData,
		IPAddress:     "system",
		IsDelivered:   delivered,
	}
	if _, err := s.audit.Append(ctx, entry); err != nil {
		slog.Error("scheduled audit append failed", slog.String("type", cronType), slog.Any("error", err))
	}
}
