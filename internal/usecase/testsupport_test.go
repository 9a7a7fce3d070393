package usecase_test

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/givehub/crm-relay/internal/domain"
)

// In-memory fakes shared by the service tests.

type fakeAuditRepo struct {
	mu      sync.Mutex
	seq     int
	entries []domain.AuditEntry
}

func (f *fakeAuditRepo) Append(_ domain.Context, e domain.AuditEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e.ID == "" {
		f.seq++
		e.ID = fmt.Sprintf("entry-%04d", f.seq)
	}
	f.entries = append(f.entries, e)
	return e.ID, nil
}

func (f *fakeAuditRepo) Query(_ domain.Context, fl domain.AuditFilter) ([]domain.AuditEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if fl.Action != "" && e.Action != fl.Action {
			continue
		}
		if fl.IsDelivered != nil && e.IsDelivered != *fl.IsDelivered {
			continue
		}
		out = append(out, e)
	}
	return out, int64(len(out)), nil
}

func (f *fakeAuditRepo) Aggregates(domain.Context, domain.AuditFilter) (domain.AuditAggregates, error) {
	return domain.AuditAggregates{}, nil
}

func (f *fakeAuditRepo) FetchUndelivered(_ domain.Context, fl domain.HandoffFilter) ([]domain.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	max := fl.Max
	if max <= 0 {
		max = 1000
	}
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if e.Action != domain.ActionCronJob || e.IsDelivered || e.IPAddress != "system" {
			continue
		}
		if fl.Type != "" && e.Type != fl.Type {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (f *fakeAuditRepo) MarkDelivered(_ domain.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, id := range ids {
		for i := range f.entries {
			if f.entries[i].ID == id && !f.entries[i].IsDelivered {
				f.entries[i].IsDelivered = true
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeAuditRepo) Walk(_ domain.Context, fl domain.AuditFilter, _ int, fn func(domain.AuditEntry) error) error {
	f.mu.Lock()
	snapshot := append([]domain.AuditEntry{}, f.entries...)
	f.mu.Unlock()
	for _, e := range snapshot {
		if fl.Action != "" && e.Action != fl.Action {
			continue
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeAuditRepo) byAction(action string) []domain.AuditEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range f.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type fakeSink struct {
	mu      sync.Mutex
	updates []domain.JobUpdate
}

func (f *fakeSink) Submit(u domain.JobUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
}

func (f *fakeSink) all() []domain.JobUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.JobUpdate{}, f.updates...)
}

type fakeCRM struct {
	envelope domain.CRMEnvelope
	err      error
	calls    int
}

func (f *fakeCRM) DirectAPI(domain.Context, string, json.RawMessage, map[string]string, bool) (domain.CRMEnvelope, error) {
	f.calls++
	return f.envelope, f.err
}

type fakeSettings struct {
	enabled bool
	err     error
}

func (f fakeSettings) Snapshot(domain.Context) (domain.SettingsSnapshot, error) {
	return domain.SettingsSnapshot{EnableAuditLog: f.enabled}, f.err
}

type fakeErrLog struct {
	mu      sync.Mutex
	entries []domain.ErrorEntry
}

func (f *fakeErrLog) LogError(_ domain.Context, e domain.ErrorEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
}
