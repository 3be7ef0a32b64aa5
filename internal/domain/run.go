// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunError   RunStatus = "ERROR"
)

// ServiceKind controls how a force-closed run is settled: computational
// runs are written off (NOT_BILLED), dynamic services bill to the last
// heartbeat. The asymmetry is a product decision, kept as observed.
type ServiceKind string

const (
	ServiceComputational ServiceKind = "COMPUTATIONAL"
	ServiceDynamic       ServiceKind = "DYNAMIC"
)

// ServiceRun is one execution instance of a metered service. A run is
// billable when it carries both a wallet and a unit cost. Once the status
// leaves RUNNING the row is terminal; every later mutation is a no-op.
type ServiceRun struct {
	ID               uuid.UUID   `json:"id"`
	WalletID         *uuid.UUID  `json:"wallet_id,omitempty"`
	UnitCost         *Credits    `json:"unit_cost,omitempty"`
	Kind             ServiceKind `json:"kind"`
	ProductName      string      `json:"product_name,omitempty"`
	Status           RunStatus   `json:"status"`
	StatusMessage    string      `json:"status_message,omitempty"`
	StartedAt        time.Time   `json:"started_at"`
	StoppedAt        *time.Time  `json:"stopped_at,omitempty"`
	LastHeartbeatAt  time.Time   `json:"last_heartbeat_at"`
	MissedHeartbeats int         `json:"missed_heartbeats"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (r ServiceRun) Billable() bool {
	return r.WalletID != nil && r.UnitCost != nil
}

func (r ServiceRun) Terminal() bool {
	return r.Status != RunRunning
}

// RunFilter narrows run listings for the reporting surface.
type RunFilter struct {
	WalletID *uuid.UUID
	Status   *RunStatus
	From     *time.Time
	To       *time.Time
	Limit    int
}
