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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/model"
)

func newTrackingFixture(t *testing.T) (*TrackerManager, *MockEscrowClient, *MockTracker) {
	t.Helper()
	config.MockConfig(&config.Configuration{
		Logistics: config.LogisticsConfig{PollIntervalSec: 60, MaxTrackingDays: 30},
	})
	cnf, err := config.Fetch()
	require.NoError(t, err)

	mock := NewMockEscrowClient()
	tracker := NewMockTracker()
	manager := NewTrackerManager(cnf, mock, tracker, nil)
	manager.pollInterval = 30 * time.Millisecond
	t.Cleanup(manager.StopAll)
	return manager, mock, tracker
}

func TestTrackingConfirmsDeliveryExactlyOnce(t *testing.T) {
	manager, mock, tracker := newTrackingFixture(t)
	trade := MockTrade(1, model.TradeStatusShipped)
	mock.AddTrade(trade)
	tracker.Sequences["BD-100"] = []model.DeliveryStatus{
		model.DeliveryStatusPending,
		model.DeliveryStatusInTransit,
		model.DeliveryStatusDelivered,
	}

	manager.Start(trade.ID, model.TrackingInfo{Carrier: "bluedart", TrackingNumber: "BD-100"})

	require.Eventually(t, func() bool { return !manager.IsTracking(trade.ID) }, 3*time.Second, 10*time.Millisecond)
	mock.mu.Lock()
	defer mock.mu.Unlock()
	require.Len(t, mock.ConfirmCalls, 1)
	assert.Equal(t, trade.ID.String(), mock.ConfirmCalls[0].String())
}

func TestTrackingStartIsIdempotent(t *testing.T) {
	manager, mock, tracker := newTrackingFixture(t)
	trade := MockTrade(2, model.TradeStatusShipped)
	mock.AddTrade(trade)
	tracker.Sequences["BD-1"] = []model.DeliveryStatus{model.DeliveryStatusInTransit}
	tracker.Sequences["BD-2"] = []model.DeliveryStatus{model.DeliveryStatusInTransit}

	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-1"})
	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-2"})

	sessions := manager.Sessions()
	require.Len(t, sessions, 1)
	// the second start's details win
	assert.Equal(t, "BD-2", sessions[0].TrackingNumber)
}

func TestTrackingSkipsConfirmationWhenTradeNotShipped(t *testing.T) {
	manager, mock, tracker := newTrackingFixture(t)
	trade := MockTrade(3, model.TradeStatusDelivered)
	mock.AddTrade(trade)
	tracker.Sequences["BD-7"] = []model.DeliveryStatus{model.DeliveryStatusDelivered}

	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-7"})

	require.Eventually(t, func() bool { return !manager.IsTracking(trade.ID) }, 3*time.Second, 10*time.Millisecond)
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Empty(t, mock.ConfirmCalls)
}

func TestTrackingFailedDeliveryEndsSessionWithoutWrite(t *testing.T) {
	manager, mock, tracker := newTrackingFixture(t)
	trade := MockTrade(4, model.TradeStatusShipped)
	mock.AddTrade(trade)
	tracker.Sequences["BD-9"] = []model.DeliveryStatus{
		model.DeliveryStatusInTransit,
		model.DeliveryStatusReturned,
	}

	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-9"})

	require.Eventually(t, func() bool { return !manager.IsTracking(trade.ID) }, 3*time.Second, 10*time.Millisecond)
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Empty(t, mock.ConfirmCalls)
}

func TestTrackingSurvivesPollErrors(t *testing.T) {
	manager, mock, tracker := newTrackingFixture(t)
	trade := MockTrade(5, model.TradeStatusShipped)
	mock.AddTrade(trade)
	tracker.Err = assert.AnError

	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-11"})

	require.Eventually(t, func() bool {
		sessions := manager.Sessions()
		return len(sessions) == 1 && sessions[0].LastStatus == model.DeliveryStatusError
	}, 3*time.Second, 10*time.Millisecond)

	// carrier recovers and the same session completes
	tracker.mu.Lock()
	tracker.Err = nil
	tracker.Sequences["BD-11"] = []model.DeliveryStatus{model.DeliveryStatusDelivered}
	tracker.mu.Unlock()

	require.Eventually(t, func() bool { return !manager.IsTracking(trade.ID) }, 3*time.Second, 10*time.Millisecond)
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Len(t, mock.ConfirmCalls, 1)
}

func TestTrackingPausedSessionsSkipPolling(t *testing.T) {
	config.MockConfig(&config.Configuration{
		Logistics: config.LogisticsConfig{PollIntervalSec: 60, MaxTrackingDays: 30},
	})
	cnf, err := config.Fetch()
	require.NoError(t, err)

	mock := NewMockEscrowClient()
	coordinator := NewPauseCoordinator(mock)
	coordinator.Pause(context.Background(), "ops", model.PauseSourceAPI)

	tracker := NewMockTracker()
	tracker.Sequences["BD-20"] = []model.DeliveryStatus{model.DeliveryStatusDelivered}
	manager := NewTrackerManager(cnf, mock, tracker, coordinator)
	manager.pollInterval = 30 * time.Millisecond
	t.Cleanup(manager.StopAll)

	trade := MockTrade(6, model.TradeStatusShipped)
	mock.AddTrade(trade)
	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-20"})

	time.Sleep(200 * time.Millisecond)
	assert.True(t, manager.IsTracking(trade.ID), "session must persist while paused")
	mock.mu.Lock()
	confirms := len(mock.ConfirmCalls)
	mock.mu.Unlock()
	assert.Zero(t, confirms)

	coordinator.Unpause(context.Background(), "resolved", model.PauseSourceAPI)
	require.Eventually(t, func() bool { return !manager.IsTracking(trade.ID) }, 3*time.Second, 10*time.Millisecond)
}

func TestTrackingWindowExpiryFlagsManualReview(t *testing.T) {
	manager, mock, tracker := newTrackingFixture(t)
	manager.maxAge = 50 * time.Millisecond
	trade := MockTrade(7, model.TradeStatusShipped)
	mock.AddTrade(trade)
	tracker.Sequences["BD-30"] = []model.DeliveryStatus{model.DeliveryStatusInTransit}

	manager.Start(trade.ID, model.TrackingInfo{TrackingNumber: "BD-30"})

	require.Eventually(t, func() bool { return !manager.IsTracking(trade.ID) }, 3*time.Second, 10*time.Millisecond)
	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Empty(t, mock.ConfirmCalls)
}

func TestTrackingHandleTaskMalformed(t *testing.T) {
	manager, _, _ := newTrackingFixture(t)

	err := manager.HandleTask(context.Background(), []byte("{"))
	require.ErrorIs(t, err, ErrMalformedTask)
}
