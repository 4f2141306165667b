package service

import (
	"context"
	"time"
)

// RunJanitor periodically evicts terminal jobs that have outlived the
// retention window: their registry entry and progress record are dropped,
// the ledger is purged and the staging directory removed. It blocks until
// ctx is cancelled.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	if m.opts.Retention <= 0 {
		return
	}

	m.mu.Lock()
	var evict []*jobHandle
	for id, h := range m.jobs {
		if !h.doneAt.IsZero() && now.Sub(h.doneAt) > m.opts.Retention {
			evict = append(evict, h)
			delete(m.jobs, id)
		}
	}
	m.mu.Unlock()

	for _, h := range evict {
		id := h.record.ID
		m.progress.Remove(id)
		if err := m.store.PurgeChunks(id); err != nil {
			m.log.Error("failed to purge ledger", "job_id", id, "error", err)
			continue
		}
		m.mu.Lock()
		h.record.LedgerPurged = true
		h.record.Resumable = false
		m.mu.Unlock()
		m.saveRecord(h)
		if err := m.area.Remove(id); err != nil {
			m.log.Error("failed to remove staging dir", "job_id", id, "error", err)
		}
		m.log.Info("evicted terminal job", "job_id", id, "state", h.record.State)
	}
}
