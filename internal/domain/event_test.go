// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestDecodeStartedEvent(t *testing.T) {
	runID := uuid.New()
	walletID := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	unitCost := Credits(200)
	raw, err := EncodeLifecycleEvent(StartedEvent{
		RunID:       runID,
		WalletID:    &walletID,
		UnitCost:    &unitCost,
		ServiceKind: ServiceDynamic,
		ProductName: "gpu-batch",
		CreatedAt:   at,
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ev, err := DecodeLifecycleEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	started, ok := ev.(StartedEvent)
	if !ok {
		t.Fatalf("expected StartedEvent, got %T", ev)
	}
	if started.RunID != runID {
		t.Fatalf("run id mismatch: %s", started.RunID)
	}
	if started.WalletID == nil || *started.WalletID != walletID {
		t.Fatal("wallet id not preserved")
	}
	if started.UnitCost == nil || *started.UnitCost != 200 {
		t.Fatal("unit cost not preserved")
	}
	if started.ServiceKind != ServiceDynamic {
		t.Fatalf("expected DYNAMIC, got %s", started.ServiceKind)
	}
	if !started.CreatedAt.Equal(at) {
		t.Fatalf("created_at mismatch: %s", started.CreatedAt)
	}
}

func TestDecodeStartedDefaultsToComputational(t *testing.T) {
	raw := []byte(`{"type":"STARTED","run_id":"` + uuid.NewString() + `","created_at":"2026-03-01T12:00:00Z"}`)
	ev, err := DecodeLifecycleEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	started := ev.(StartedEvent)
	if started.ServiceKind != ServiceComputational {
		t.Fatalf("expected COMPUTATIONAL default, got %s", started.ServiceKind)
	}
	if started.WalletID != nil {
		t.Fatal("expected nil wallet for unbilled run")
	}
}

func TestDecodeStoppedEvent(t *testing.T) {
	runID := uuid.New()
	raw := []byte(`{"type":"STOPPED","run_id":"` + runID.String() + `","platform_status":"BAD","created_at":"2026-03-01T13:30:00Z"}`)

	ev, err := DecodeLifecycleEvent(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	stopped, ok := ev.(StoppedEvent)
	if !ok {
		t.Fatalf("expected StoppedEvent, got %T", ev)
	}
	if stopped.PlatformHealthy {
		t.Fatal("BAD platform status must decode as unhealthy")
	}
}

func TestDecodeRejectsMalformedEnvelopes(t *testing.T) {
	cases := map[string]string{
		"unknown type":       `{"type":"PAUSED","run_id":"` + uuid.NewString() + `","created_at":"2026-03-01T12:00:00Z"}`,
		"missing run id":     `{"type":"HEARTBEAT","created_at":"2026-03-01T12:00:00Z"}`,
		"missing created at": `{"type":"HEARTBEAT","run_id":"` + uuid.NewString() + `"}`,
		"bad platform":       `{"type":"STOPPED","run_id":"` + uuid.NewString() + `","platform_status":"MEH","created_at":"2026-03-01T12:00:00Z"}`,
		"bad service kind":   `{"type":"STARTED","run_id":"` + uuid.NewString() + `","service_kind":"QUANTUM","created_at":"2026-03-01T12:00:00Z"}`,
		"not json":           `{{`,
	}
	for name, raw := range cases {
		if _, err := DecodeLifecycleEvent([]byte(raw)); err == nil {
			t.Fatalf("%s: expected decode error", name)
		}
	}
}
