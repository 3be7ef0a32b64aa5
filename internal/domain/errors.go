// SPDX-License-Identifier: Apache-2.0

package domain

import "errors"

// ErrInvalidTimeRange marks a negative accrual interval (stop before
// start). It is a genuine invariant violation and is never recovered
// locally.
var ErrInvalidTimeRange = errors.New("invalid time range: interval end precedes start")

// Seat inventory admission failures. These surface to clients as typed
// 4xx-equivalent errors and are never auto-retried.
var (
	ErrNotEnoughAvailableSeats         = errors.New("no available seats for licensed item")
	ErrCheckoutNotEnoughAvailableSeats = errors.New("cannot checkout: fewer seats available than requested")
	ErrCheckoutServiceNotRunning       = errors.New("cannot checkout: owning service run is not running")
)

var (
	ErrInvalidCreditAmount = errors.New("credit amount must be positive")
	ErrInvalidSeatCount    = errors.New("seat count must be positive")
	ErrInvalidAPIKeyName   = errors.New("invalid api key name")
)

// ErrMalformedEvent marks a lifecycle event envelope that cannot be
// decoded. Such payloads are rejected at ingest, never retried.
var ErrMalformedEvent = errors.New("malformed lifecycle event")
