// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventStarted   EventKind = "STARTED"
	EventHeartbeat EventKind = "HEARTBEAT"
	EventStopped   EventKind = "STOPPED"
)

const (
	PlatformStatusOK  = "OK"
	PlatformStatusBad = "BAD"
)

// LifecycleEvent is the closed set {StartedEvent, HeartbeatEvent,
// StoppedEvent} delivered at-least-once from the service platform.
// Delivery order per run_id is best effort only; handlers defend with
// status and timestamp preconditions instead of assuming it.
type LifecycleEvent interface {
	Kind() EventKind
	Run() uuid.UUID
	OccurredAt() time.Time
}

type StartedEvent struct {
	RunID       uuid.UUID
	WalletID    *uuid.UUID
	UnitCost    *Credits
	ServiceKind ServiceKind
	ProductName string
	CreatedAt   time.Time
}

func (e StartedEvent) Kind() EventKind       { return EventStarted }
func (e StartedEvent) Run() uuid.UUID        { return e.RunID }
func (e StartedEvent) OccurredAt() time.Time { return e.CreatedAt }

type HeartbeatEvent struct {
	RunID     uuid.UUID
	CreatedAt time.Time
}

func (e HeartbeatEvent) Kind() EventKind       { return EventHeartbeat }
func (e HeartbeatEvent) Run() uuid.UUID        { return e.RunID }
func (e HeartbeatEvent) OccurredAt() time.Time { return e.CreatedAt }

type StoppedEvent struct {
	RunID           uuid.UUID
	CreatedAt       time.Time
	PlatformHealthy bool
}

func (e StoppedEvent) Kind() EventKind       { return EventStopped }
func (e StoppedEvent) Run() uuid.UUID        { return e.RunID }
func (e StoppedEvent) OccurredAt() time.Time { return e.CreatedAt }

// eventEnvelope is the wire shape shared by all three event kinds.
type eventEnvelope struct {
	Type           string     `json:"type"`
	RunID          uuid.UUID  `json:"run_id"`
	WalletID       *uuid.UUID `json:"wallet_id,omitempty"`
	UnitCost       *Credits   `json:"unit_cost,omitempty"`
	ServiceKind    string     `json:"service_kind,omitempty"`
	ProductName    string     `json:"product_name,omitempty"`
	PlatformStatus string     `json:"platform_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// DecodeLifecycleEvent parses one wire envelope into its concrete event.
func DecodeLifecycleEvent(payload []byte) (LifecycleEvent, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.RunID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing run_id", ErrMalformedEvent)
	}
	if env.CreatedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing created_at", ErrMalformedEvent)
	}

	switch EventKind(env.Type) {
	case EventStarted:
		kind := ServiceComputational
		if env.ServiceKind != "" {
			switch ServiceKind(env.ServiceKind) {
			case ServiceComputational, ServiceDynamic:
				kind = ServiceKind(env.ServiceKind)
			default:
				return nil, fmt.Errorf("%w: unknown service kind %q", ErrMalformedEvent, env.ServiceKind)
			}
		}
		return StartedEvent{
			RunID:       env.RunID,
			WalletID:    env.WalletID,
			UnitCost:    env.UnitCost,
			ServiceKind: kind,
			ProductName: env.ProductName,
			CreatedAt:   env.CreatedAt,
		}, nil
	case EventHeartbeat:
		return HeartbeatEvent{RunID: env.RunID, CreatedAt: env.CreatedAt}, nil
	case EventStopped:
		switch env.PlatformStatus {
		case PlatformStatusOK, PlatformStatusBad:
		default:
			return nil, fmt.Errorf("%w: unknown platform status %q", ErrMalformedEvent, env.PlatformStatus)
		}
		return StoppedEvent{
			RunID:           env.RunID,
			CreatedAt:       env.CreatedAt,
			PlatformHealthy: env.PlatformStatus == PlatformStatusOK,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, env.Type)
	}
}

// EncodeLifecycleEvent renders a concrete event back into wire form.
// Used by the ingest endpoint and by tests.
func EncodeLifecycleEvent(ev LifecycleEvent) ([]byte, error) {
	env := eventEnvelope{
		Type:      string(ev.Kind()),
		RunID:     ev.Run(),
		CreatedAt: ev.OccurredAt(),
	}
	switch e := ev.(type) {
	case StartedEvent:
		env.WalletID = e.WalletID
		env.UnitCost = e.UnitCost
		env.ServiceKind = string(e.ServiceKind)
		env.ProductName = e.ProductName
	case HeartbeatEvent:
	case StoppedEvent:
		env.PlatformStatus = PlatformStatusBad
		if e.PlatformHealthy {
			env.PlatformStatus = PlatformStatusOK
		}
	default:
		return nil, fmt.Errorf("encode lifecycle event: unknown event %T", ev)
	}
	return json.Marshal(env)
}
