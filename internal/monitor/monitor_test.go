// SPDX-License-Identifier: Apache-2.0

package monitor

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/runledger/runledger/internal/domain"
)

type sweepRunStore struct {
	runs map[uuid.UUID]*domain.ServiceRun
}

func (s *sweepRunStore) ListRunningPage(_ context.Context, afterID uuid.UUID, limit int) ([]domain.ServiceRun, error) {
	var out []domain.ServiceRun
	for _, run := range s.runs {
		if run.Status != domain.RunRunning {
			continue
		}
		out = append(out, *run)
		if len(out) >= limit {
			break
		}
	}
	_ = afterID
	return out, nil
}

func (s *sweepRunStore) IncrementMissedHeartbeats(_ context.Context, id uuid.UUID, expected time.Time) (int, bool, error) {
	run, ok := s.runs[id]
	if !ok || run.Status != domain.RunRunning || !run.LastHeartbeatAt.Equal(expected) {
		return 0, false, nil
	}
	run.MissedHeartbeats++
	return run.MissedHeartbeats, true, nil
}

func (s *sweepRunStore) CloseRun(_ context.Context, id uuid.UUID, status domain.RunStatus, message string, stoppedAt time.Time) (bool, error) {
	run, ok := s.runs[id]
	if !ok || run.Status != domain.RunRunning {
		return false, nil
	}
	run.Status = status
	run.StatusMessage = message
	run.StoppedAt = &stoppedAt
	return true, nil
}

type settlementRecord struct {
	runID  uuid.UUID
	amount domain.Credits
	status domain.TransactionStatus
}

type sweepTxStore struct {
	walletID uuid.UUID
	settled  []settlementRecord
}

func (s *sweepTxStore) CloseTransaction(_ context.Context, runID uuid.UUID, amount domain.Credits, statusOverride *domain.TransactionStatus) (domain.TransactionStatus, uuid.UUID, bool, error) {
	for _, rec := range s.settled {
		if rec.runID == runID {
			return "", uuid.Nil, false, nil
		}
	}
	status := domain.TxBilled
	if statusOverride != nil {
		status = *statusOverride
	}
	s.settled = append(s.settled, settlementRecord{runID: runID, amount: amount, status: status})
	return status, s.walletID, true, nil
}

func (s *sweepTxStore) SumBalance(_ context.Context, _ uuid.UUID, _ bool) (domain.Credits, error) {
	var sum domain.Credits
	for _, rec := range s.settled {
		if rec.status == domain.TxBilled || rec.status == domain.TxInDebt {
			sum += rec.amount
		}
	}
	return sum, nil
}

type sweepSeatStore struct {
	released map[uuid.UUID]int
}

func (s *sweepSeatStore) ForceReleaseByRun(_ context.Context, runID uuid.UUID, _ time.Time) (int, error) {
	if s.released == nil {
		s.released = make(map[uuid.UUID]int)
	}
	s.released[runID]++
	return 0, nil
}

type sweepPublisher struct {
	balanceChanged []domain.WalletBalanceChanged
}

func (p *sweepPublisher) BalanceChanged(_ context.Context, event domain.WalletBalanceChanged) error {
	p.balanceChanged = append(p.balanceChanged, event)
	return nil
}

func (p *sweepPublisher) LowBalance(_ context.Context, _ domain.WalletLowBalanceReached) error {
	return nil
}

type monitorFixture struct {
	monitor *Monitor
	runs    *sweepRunStore
	txs     *sweepTxStore
	seats   *sweepSeatStore
	pub     *sweepPublisher
	clock   time.Time
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()

	f := &monitorFixture{
		runs:  &sweepRunStore{runs: make(map[uuid.UUID]*domain.ServiceRun)},
		txs:   &sweepTxStore{walletID: uuid.New()},
		seats: &sweepSeatStore{},
		pub:   &sweepPublisher{},
		clock: time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.monitor = New(f.runs, f.txs, f.seats, f.pub, nil, Config{
		SweepPageSize:            20,
		MissedHeartbeatInterval:  5 * time.Minute,
		HeartbeatGuardWindow:     30 * time.Second,
		MissedHeartbeatThreshold: 3,
	}, logger)
	f.monitor.now = func() time.Time { return f.clock }
	return f
}

func (f *monitorFixture) addRun(kind domain.ServiceKind, billable bool) uuid.UUID {
	id := uuid.New()
	started := f.clock.Add(-time.Hour)
	run := &domain.ServiceRun{
		ID:              id,
		Kind:            kind,
		Status:          domain.RunRunning,
		StartedAt:       started,
		LastHeartbeatAt: started.Add(30 * time.Minute),
		UpdatedAt:       started.Add(30 * time.Minute),
	}
	if billable {
		unitCost := domain.Credits(200)
		run.WalletID = &f.txs.walletID
		run.UnitCost = &unitCost
	}
	f.runs.runs[id] = run
	return id
}

func TestSweepForceClosesAfterThreshold(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	runID := f.addRun(domain.ServiceComputational, true)

	// Two sweeps only advance the counter.
	for sweep := 1; sweep <= 2; sweep++ {
		f.monitor.Sweep(ctx)
		run := f.runs.runs[runID]
		if run.Status != domain.RunRunning {
			t.Fatalf("sweep %d: run closed early", sweep)
		}
		if run.MissedHeartbeats != sweep {
			t.Fatalf("sweep %d: missed = %d, want %d", sweep, run.MissedHeartbeats, sweep)
		}
		f.clock = f.clock.Add(time.Minute)
	}

	// Third sweep hits the threshold and force-closes.
	f.monitor.Sweep(ctx)
	run := f.runs.runs[runID]
	if run.Status != domain.RunError {
		t.Fatalf("run status = %s, want ERROR", run.Status)
	}
	if run.StatusMessage == "" {
		t.Fatal("expected a status message describing the closure")
	}
	if f.seats.released[runID] == 0 {
		t.Fatal("expected seat release on forced close")
	}
}

func TestForcedCloseWritesOffComputationalRun(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	runID := f.addRun(domain.ServiceComputational, true)

	for i := 0; i < 3; i++ {
		f.monitor.Sweep(ctx)
		f.clock = f.clock.Add(time.Minute)
	}

	if len(f.txs.settled) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.txs.settled))
	}
	rec := f.txs.settled[0]
	if rec.runID != runID {
		t.Fatalf("settled run = %s, want %s", rec.runID, runID)
	}
	if rec.status != domain.TxNotBilled {
		t.Fatalf("settled status = %s, want NOT_BILLED", rec.status)
	}
}

func TestForcedCloseBillsDynamicServiceToLastHeartbeat(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	f.addRun(domain.ServiceDynamic, true)

	for i := 0; i < 3; i++ {
		f.monitor.Sweep(ctx)
		f.clock = f.clock.Add(time.Minute)
	}

	if len(f.txs.settled) != 1 {
		t.Fatalf("settlements = %d, want 1", len(f.txs.settled))
	}
	rec := f.txs.settled[0]
	if rec.status != domain.TxBilled {
		t.Fatalf("settled status = %s, want BILLED", rec.status)
	}
	// Thirty minutes at 2.00/hour, billed to the last heartbeat.
	if rec.amount != domain.Credits(-100) {
		t.Fatalf("settled amount = %s, want -1.00", rec.amount)
	}
	if len(f.pub.balanceChanged) != 1 {
		t.Fatalf("balance changed notifications = %d, want 1", len(f.pub.balanceChanged))
	}
}

func TestSweepSkipsRecentHeartbeats(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	runID := f.addRun(domain.ServiceComputational, true)

	f.runs.runs[runID].LastHeartbeatAt = f.clock.Add(-time.Minute)

	f.monitor.Sweep(ctx)
	if f.runs.runs[runID].MissedHeartbeats != 0 {
		t.Fatal("counter advanced for a live run")
	}
}

func TestSweepHonorsGuardWindow(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	runID := f.addRun(domain.ServiceComputational, true)

	// Stale heartbeat but the row was touched a moment ago.
	f.runs.runs[runID].UpdatedAt = f.clock.Add(-10 * time.Second)

	f.monitor.Sweep(ctx)
	if f.runs.runs[runID].MissedHeartbeats != 0 {
		t.Fatal("counter advanced inside the guard window")
	}
}

func TestSweepSkipsWhenHeartbeatRacesTheBump(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	runID := f.addRun(domain.ServiceComputational, true)

	// Simulate a heartbeat landing after the page read: the stored
	// watermark no longer matches what the sweep saw.
	stale := *f.runs.runs[runID]
	f.runs.runs[runID].LastHeartbeatAt = f.clock.Add(time.Second)

	if err := f.monitor.inspect(ctx, stale); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if f.runs.runs[runID].MissedHeartbeats != 0 {
		t.Fatal("counter advanced despite a racing heartbeat")
	}
}

func TestForcedCloseOfUntrackedRunSkipsSettlement(t *testing.T) {
	f := newMonitorFixture(t)
	ctx := context.Background()
	runID := f.addRun(domain.ServiceComputational, false)

	for i := 0; i < 3; i++ {
		f.monitor.Sweep(ctx)
		f.clock = f.clock.Add(time.Minute)
	}

	if f.runs.runs[runID].Status != domain.RunError {
		t.Fatalf("run status = %s, want ERROR", f.runs.runs[runID].Status)
	}
	if len(f.txs.settled) != 0 {
		t.Fatalf("settlements = %d, want 0 for untracked run", len(f.txs.settled))
	}
}
