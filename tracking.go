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

package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/notification"
	"github.com/tradelane/oracle/logistics"
	"github.com/tradelane/oracle/model"
)

// TrackerManager runs one polling session per shipped trade. A session
// polls the carrier at a fixed interval until the shipment reaches a
// terminal status or outlives the tracking window, then confirms delivery
// on-chain when the trade is still in the Shipped state.
type TrackerManager struct {
	mu          sync.Mutex
	chainClient chain.EscrowClient
	tracker     logistics.Tracker
	coordinator *PauseCoordinator
	sessions    map[string]*trackingSession

	pollInterval time.Duration
	maxAge       time.Duration
}

type trackingSession struct {
	mu         sync.Mutex
	tradeID    *big.Int
	info       model.TrackingInfo
	lastStatus model.DeliveryStatus
	startedAt  time.Time
	updatedAt  time.Time
	cancel     context.CancelFunc
}

func NewTrackerManager(cnf *config.Configuration, chainClient chain.EscrowClient, tracker logistics.Tracker, coordinator *PauseCoordinator) *TrackerManager {
	pollInterval := time.Duration(cnf.Logistics.PollIntervalSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = time.Minute
	}
	return &TrackerManager{
		chainClient:  chainClient,
		tracker:      tracker,
		coordinator:  coordinator,
		sessions:     make(map[string]*trackingSession),
		pollInterval: pollInterval,
		maxAge:       time.Duration(cnf.Logistics.MaxTrackingDays) * 24 * time.Hour,
	}
}

// HandleTask is the queue entry point for delivery tracking tasks.
func (m *TrackerManager) HandleTask(_ context.Context, payload []byte) error {
	var task model.DeliveryTrackingTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("tracking task decode failed: %v: %w", err, ErrMalformedTask)
	}
	tradeID, ok := new(big.Int).SetString(task.TradeID, 10)
	if !ok {
		return fmt.Errorf("tracking task %s has invalid trade id %q: %w", task.TaskID, task.TradeID, ErrMalformedTask)
	}
	m.Start(tradeID, task.Tracking)
	return nil
}

// Start begins tracking a trade's shipment. Starting an already-tracked
// trade replaces the shipment details in place; the last details win and
// no second session is spawned.
func (m *TrackerManager) Start(tradeID *big.Int, info model.TrackingInfo) {
	key := tradeID.String()

	m.mu.Lock()
	if existing, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		existing.mu.Lock()
		existing.info = info
		existing.updatedAt = time.Now()
		existing.mu.Unlock()
		logrus.Infof("tracking: trade %s already tracked, shipment details updated", key)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	session := &trackingSession{
		tradeID:    new(big.Int).Set(tradeID),
		info:       info,
		lastStatus: model.DeliveryStatusPending,
		startedAt:  time.Now(),
		updatedAt:  time.Now(),
		cancel:     cancel,
	}
	m.sessions[key] = session
	m.mu.Unlock()

	logrus.Infof("tracking: session started for trade %s (number=%q)", key, info.TrackingNumber)
	go m.run(ctx, session)
}

// Stop ends the session for a trade, if one exists.
func (m *TrackerManager) Stop(tradeID *big.Int) {
	m.remove(tradeID.String())
}

// StopAll ends every session. Used on shutdown.
func (m *TrackerManager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, session := range m.sessions {
		session.cancel()
		delete(m.sessions, key)
	}
}

// IsTracking reports whether a session exists for the trade.
func (m *TrackerManager) IsTracking(tradeID *big.Int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[tradeID.String()]
	return ok
}

// Sessions returns a snapshot of all live sessions.
func (m *TrackerManager) Sessions() []model.TrackingSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]model.TrackingSession, 0, len(m.sessions))
	for key, session := range m.sessions {
		session.mu.Lock()
		snapshot = append(snapshot, model.TrackingSession{
			TradeID:        key,
			Carrier:        session.info.Carrier,
			TrackingNumber: session.info.TrackingNumber,
			LastStatus:     session.lastStatus,
			StartedAt:      session.startedAt,
			UpdatedAt:      session.updatedAt,
		})
		session.mu.Unlock()
	}
	return snapshot
}

func (m *TrackerManager) remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[key]; ok {
		session.cancel()
		delete(m.sessions, key)
	}
}

func (m *TrackerManager) run(ctx context.Context, session *trackingSession) {
	// first poll right away so a fast carrier response is not delayed by
	// a full interval
	if done := m.poll(ctx, session); done {
		return
	}
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.poll(ctx, session); done {
				return
			}
		}
	}
}

// poll runs one tracking check. It returns true when the session is over
// and has been removed.
func (m *TrackerManager) poll(ctx context.Context, session *trackingSession) bool {
	if m.coordinator != nil && m.coordinator.IsPaused() {
		return false
	}

	key := session.tradeID.String()
	session.mu.Lock()
	info := session.info
	age := time.Since(session.startedAt)
	session.mu.Unlock()

	if m.maxAge > 0 && age > m.maxAge {
		logrus.Warnf("tracking: trade %s exceeded the %s tracking window, flagging for manual review", key, m.maxAge)
		notification.NotifyAlert(
			fmt.Sprintf("Tracking window expired for trade %s", key),
			fmt.Sprintf("shipment %q has been tracked for %s without a terminal status; manual review required", info.TrackingNumber, age.Round(time.Hour)),
		)
		m.remove(key)
		return true
	}

	update, err := m.tracker.Track(ctx, info.Carrier, info.TrackingNumber)
	if err != nil {
		logrus.Errorf("tracking: poll for trade %s failed: %v", key, err)
		m.recordStatus(session, model.DeliveryStatusError)
		return false
	}
	m.recordStatus(session, update.Status)

	switch {
	case update.Status == model.DeliveryStatusDelivered:
		return m.confirmDelivery(ctx, session)
	case update.Status == model.DeliveryStatusException:
		notification.NotifyAlert(
			fmt.Sprintf("Shipment exception for trade %s", key),
			fmt.Sprintf("carrier reported an exception for %q: %s", info.TrackingNumber, update.Description),
		)
		return false
	case update.Status.Terminal():
		logrus.Warnf("tracking: shipment for trade %s ended as %s, stopping session", key, update.Status)
		notification.NotifyAlert(
			fmt.Sprintf("Delivery failed for trade %s", key),
			fmt.Sprintf("shipment %q reached terminal status %s", info.TrackingNumber, update.Status),
		)
		m.remove(key)
		return true
	default:
		return false
	}
}

// confirmDelivery writes oracleConfirmDelivery for a delivered shipment.
// The write only happens while the trade is still Shipped; the session
// stays alive on a failed write so the next tick retries it.
func (m *TrackerManager) confirmDelivery(ctx context.Context, session *trackingSession) bool {
	key := session.tradeID.String()
	trade, err := m.chainClient.Trades(ctx, session.tradeID)
	if err != nil {
		logrus.Errorf("tracking: reading trade %s before delivery confirmation failed: %v", key, err)
		return false
	}
	if trade.Status != model.TradeStatusShipped {
		logrus.Infof("tracking: trade %s is %s, delivery confirmation not needed", key, trade.Status)
		m.remove(key)
		return true
	}

	receipt, err := m.chainClient.OracleConfirmDelivery(ctx, session.tradeID)
	if err != nil {
		logrus.Errorf("tracking: confirming delivery for trade %s failed: %v", key, err)
		return false
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		logrus.Errorf("tracking: delivery confirmation for trade %s reverted in tx %s", key, receipt.TxHash)
		return false
	}
	logrus.Infof("tracking: delivery confirmed on-chain for trade %s", key)
	m.remove(key)
	return true
}

func (m *TrackerManager) recordStatus(session *trackingSession, status model.DeliveryStatus) {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.lastStatus != status {
		logrus.Infof("tracking: trade %s moved %s -> %s", session.tradeID, session.lastStatus, status)
	}
	session.lastStatus = status
	session.updatedAt = time.Now()
}
