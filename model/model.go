/*
Copyright 2025 Tradelane Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"encoding/json"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TradeStatus mirrors the escrow contract's lifecycle enum. The oracle never
// mutates a trade's status directly; it only reads it back before writing.
type TradeStatus uint8

const (
	TradeStatusCreated TradeStatus = iota
	TradeStatusFunded
	TradeStatusReleased
	TradeStatusShipped
	TradeStatusDelivered
	TradeStatusDisputed
)

// String returns a human-readable name for the trade status.
func (s TradeStatus) String() string {
	switch s {
	case TradeStatusCreated:
		return "Created"
	case TradeStatusFunded:
		return "Funded"
	case TradeStatusReleased:
		return "Released"
	case TradeStatusShipped:
		return "Shipped"
	case TradeStatusDelivered:
		return "Delivered"
	case TradeStatusDisputed:
		return "Disputed"
	default:
		return "Unknown"
	}
}

// Active reports whether the trade is still in a state the oracle works on.
func (s TradeStatus) Active() bool {
	switch s {
	case TradeStatusCreated, TradeStatusFunded, TradeStatusShipped:
		return true
	default:
		return false
	}
}

// Trade is the on-chain escrow record. It is owned by the contract and
// read-only to this process; every decision re-reads it rather than caching.
type Trade struct {
	ID                *big.Int       `json:"id"`
	Buyer             common.Address `json:"buyer"`
	Seller            common.Address `json:"seller"`
	Amount            *big.Int       `json:"amount"`
	Token             common.Address `json:"token"`
	Status            TradeStatus    `json:"status"`
	BuyerGSTVerified  bool           `json:"buyer_gst_verified"`
	SellerGSTVerified bool           `json:"seller_gst_verified"`
}

// TaskKind discriminates the two task payload shapes carried by the queue.
type TaskKind string

const (
	TaskKindGSTVerification  TaskKind = "gst_verification"
	TaskKindDeliveryTracking TaskKind = "delivery_tracking"
)

// GSTVerificationTask asks the GST processor to verify both parties of a
// trade. Tasks are transient and may be redelivered; the processor re-checks
// on-chain state before writing, so redelivery is harmless.
type GSTVerificationTask struct {
	TaskID     string    `json:"task_id"`
	TradeID    string    `json:"trade_id"`
	Buyer      string    `json:"buyer"`
	Seller     string    `json:"seller"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeliveryTrackingTask asks the tracking processor to start (or refresh) a
// tracking session for a shipped trade.
type DeliveryTrackingTask struct {
	TaskID     string       `json:"task_id"`
	TradeID    string       `json:"trade_id"`
	Tracking   TrackingInfo `json:"tracking"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// TrackingInfo is the resolved form of a shipment payload. Event payloads
// arrive either as structured JSON or as a bare tracking identifier; both
// shapes resolve into this struct at ingestion so no caller ever branches on
// the wire shape again.
type TrackingInfo struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"tracking_number"`
	Raw            string `json:"raw"`
	Structured     bool   `json:"structured"`
}

// shipmentPayload is the structured wire shape emitted by well-behaved
// sellers in the GoodsShipped event.
type shipmentPayload struct {
	Carrier        string `json:"carrier"`
	TrackingNumber string `json:"trackingNumber"`
}

// ParseShipmentDetails resolves a GoodsShipped payload into TrackingInfo.
// A JSON object with a trackingNumber field is taken as structured data;
// anything else is treated as an opaque tracking identifier.
func ParseShipmentDetails(raw string) TrackingInfo {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var p shipmentPayload
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil && p.TrackingNumber != "" {
			return TrackingInfo{
				Carrier:        p.Carrier,
				TrackingNumber: p.TrackingNumber,
				Raw:            raw,
				Structured:     true,
			}
		}
	}
	return TrackingInfo{
		TrackingNumber: trimmed,
		Raw:            raw,
		Structured:     false,
	}
}

// DeliveryStatus is the internal shipment status enum the logistics status
// mapper resolves external carrier strings into.
type DeliveryStatus string

const (
	DeliveryStatusPending        DeliveryStatus = "PENDING"
	DeliveryStatusInTransit      DeliveryStatus = "IN_TRANSIT"
	DeliveryStatusOutForDelivery DeliveryStatus = "OUT_FOR_DELIVERY"
	DeliveryStatusDelivered      DeliveryStatus = "DELIVERED"
	DeliveryStatusFailed         DeliveryStatus = "FAILED"
	DeliveryStatusReturned       DeliveryStatus = "RETURNED"
	DeliveryStatusCancelled      DeliveryStatus = "CANCELLED"
	DeliveryStatusException      DeliveryStatus = "EXCEPTION"
	DeliveryStatusUnknown        DeliveryStatus = "UNKNOWN"
	DeliveryStatusError          DeliveryStatus = "ERROR"
)

// Terminal reports whether the status ends a tracking session.
// EXCEPTION, UNKNOWN and ERROR are not terminal: the session keeps polling.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliveryStatusDelivered, DeliveryStatusFailed, DeliveryStatusReturned, DeliveryStatusCancelled:
		return true
	default:
		return false
	}
}

// Success reports whether a terminal status is the success path.
func (s DeliveryStatus) Success() bool {
	return s == DeliveryStatusDelivered
}

// TrackingSession is the live polling state for one trade's shipment.
// There is at most one session per trade; restarting tracking updates the
// session in place.
type TrackingSession struct {
	TradeID        string         `json:"trade_id"`
	Carrier        string         `json:"carrier"`
	TrackingNumber string         `json:"tracking_number"`
	LastStatus     DeliveryStatus `json:"last_status"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// PauseSource identifies which actor flipped the pause flag.
type PauseSource string

const (
	PauseSourceContract PauseSource = "contract"
	PauseSourceAPI      PauseSource = "api"
	PauseSourceSystem   PauseSource = "system"
)

// PauseState is owned exclusively by the pause coordinator; every other
// component only reads it.
type PauseState struct {
	Paused   bool        `json:"paused"`
	Reason   string      `json:"reason"`
	PausedAt *time.Time  `json:"paused_at"`
	Source   PauseSource `json:"source"`
}

// HealthSnapshot is a point-in-time view produced by the scheduler's
// heartbeat. It is logged and exposed, never persisted.
type HealthSnapshot struct {
	ChainHeight   uint64     `json:"chain_height"`
	Network       string     `json:"network"`
	WalletAddress string     `json:"wallet_address"`
	WalletBalance string     `json:"wallet_balance"`
	PauseState    PauseState `json:"pause_state"`
	Timestamp     time.Time  `json:"timestamp"`
}
