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
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/model"
)

type listenerFixture struct {
	listener    *EventListener
	mock        *MockEscrowClient
	coordinator *PauseCoordinator
	gst         *recordingHandler
	tracking    *recordingHandler
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()
	mockQueueConfig(false, "")
	mock := NewMockEscrowClient()
	coordinator := NewPauseCoordinator(mock)
	q, err := NewQueue(mustFetchConfig(t), coordinator)
	require.NoError(t, err)

	gst := &recordingHandler{}
	tracking := &recordingHandler{}
	q.RegisterHandler(model.TaskKindGSTVerification, gst.handle)
	q.RegisterHandler(model.TaskKindDeliveryTracking, tracking.handle)

	return &listenerFixture{
		listener:    NewEventListener(mock, q, coordinator),
		mock:        mock,
		coordinator: coordinator,
		gst:         gst,
		tracking:    tracking,
	}
}

func TestListenerTradeCreatedQueuesVerification(t *testing.T) {
	f := newListenerFixture(t)
	trade := MockTrade(1, model.TradeStatusCreated)

	f.listener.Dispatch(context.Background(), chain.TradeCreatedEvent{
		TradeID: trade.ID,
		Buyer:   trade.Buyer,
		Seller:  trade.Seller,
		Amount:  trade.Amount,
	})

	require.Eventually(t, func() bool { return f.gst.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	var task model.GSTVerificationTask
	require.NoError(t, json.Unmarshal(f.gst.payloads[0], &task))
	assert.Equal(t, trade.ID.String(), task.TradeID)
	assert.Equal(t, trade.Buyer.Hex(), task.Buyer)
}

func TestListenerTradeFundedRequeuesOnlyUnverified(t *testing.T) {
	f := newListenerFixture(t)

	verified := MockTrade(1, model.TradeStatusFunded)
	verified.BuyerGSTVerified = true
	verified.SellerGSTVerified = true
	f.mock.AddTrade(verified)

	unverified := MockTrade(2, model.TradeStatusFunded)
	unverified.BuyerGSTVerified = true
	f.mock.AddTrade(unverified)

	f.listener.Dispatch(context.Background(), chain.TradeFundedEvent{TradeID: verified.ID})
	f.listener.Dispatch(context.Background(), chain.TradeFundedEvent{TradeID: unverified.ID})

	require.Eventually(t, func() bool { return f.gst.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	var task model.GSTVerificationTask
	require.NoError(t, json.Unmarshal(f.gst.payloads[0], &task))
	assert.Equal(t, "2", task.TradeID)
}

func TestListenerGoodsShippedParsesStructuredDetails(t *testing.T) {
	f := newListenerFixture(t)

	f.listener.Dispatch(context.Background(), chain.GoodsShippedEvent{
		TradeID:         big.NewInt(4),
		ShipmentDetails: `{"carrier":"bluedart","trackingNumber":"BD-99112"}`,
	})

	require.Eventually(t, func() bool { return f.tracking.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	var task model.DeliveryTrackingTask
	require.NoError(t, json.Unmarshal(f.tracking.payloads[0], &task))
	assert.True(t, task.Tracking.Structured)
	assert.Equal(t, "bluedart", task.Tracking.Carrier)
	assert.Equal(t, "BD-99112", task.Tracking.TrackingNumber)
}

func TestListenerGoodsShippedOpaqueDetails(t *testing.T) {
	f := newListenerFixture(t)

	f.listener.Dispatch(context.Background(), chain.GoodsShippedEvent{
		TradeID:         big.NewInt(5),
		ShipmentDetails: "AWB 7788-outer-carton",
	})

	require.Eventually(t, func() bool { return f.tracking.count() == 1 }, 2*time.Second, 20*time.Millisecond)
	var task model.DeliveryTrackingTask
	require.NoError(t, json.Unmarshal(f.tracking.payloads[0], &task))
	assert.False(t, task.Tracking.Structured)
	assert.Equal(t, "AWB 7788-outer-carton", task.Tracking.Raw)
}

func TestListenerPauseEventsDriveCoordinator(t *testing.T) {
	f := newListenerFixture(t)
	account := common.HexToAddress("0x01")

	f.listener.Dispatch(context.Background(), chain.PausedEvent{Account: account})
	assert.True(t, f.coordinator.IsPaused())
	assert.Equal(t, model.PauseSourceContract, f.coordinator.State().Source)

	f.listener.Dispatch(context.Background(), chain.UnpausedEvent{Account: account})
	assert.False(t, f.coordinator.IsPaused())
}

func TestListenerEventsWhilePausedAreDropped(t *testing.T) {
	f := newListenerFixture(t)
	f.coordinator.Pause(context.Background(), "ops", model.PauseSourceAPI)

	f.listener.Dispatch(context.Background(), chain.TradeCreatedEvent{
		TradeID: big.NewInt(8),
		Buyer:   common.HexToAddress("0x02"),
		Seller:  common.HexToAddress("0x03"),
	})

	// a funded event must not even reach the chain while paused
	funded := MockTrade(8, model.TradeStatusFunded)
	f.mock.AddTrade(funded)
	f.listener.Dispatch(context.Background(), chain.TradeFundedEvent{TradeID: funded.ID})

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, f.gst.count())
	f.mock.mu.Lock()
	defer f.mock.mu.Unlock()
	assert.Zero(t, f.mock.TradesCalls)
}

func TestListenerContainsHandlerPanics(t *testing.T) {
	f := newListenerFixture(t)

	// a handler hitting a nil dependency must not take the loop down
	broken := NewEventListener(f.mock, f.listener.queue, nil)
	assert.NotPanics(t, func() {
		broken.Dispatch(context.Background(), chain.PausedEvent{})
	})

	// the healthy listener keeps working afterwards
	trade := MockTrade(6, model.TradeStatusCreated)
	f.listener.Dispatch(context.Background(), chain.TradeCreatedEvent{
		TradeID: trade.ID,
		Buyer:   trade.Buyer,
		Seller:  trade.Seller,
	})
	require.Eventually(t, func() bool { return f.gst.count() == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestListenerRunDispatchesUntilCancel(t *testing.T) {
	f := newListenerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.listener.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.mock.mu.Lock()
		defer f.mock.mu.Unlock()
		return f.mock.eventSink != nil
	}, 2*time.Second, 20*time.Millisecond)

	trade := MockTrade(10, model.TradeStatusCreated)
	f.mock.EmitEvent(chain.TradeCreatedEvent{TradeID: trade.ID, Buyer: trade.Buyer, Seller: trade.Seller})
	require.Eventually(t, func() bool { return f.gst.count() == 1 }, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancel")
	}
}

func TestListenerRunStopsOnSubscriptionDrop(t *testing.T) {
	f := newListenerFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.listener.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		f.mock.mu.Lock()
		defer f.mock.mu.Unlock()
		return f.mock.eventSink != nil
	}, 2*time.Second, 20*time.Millisecond)

	// the live stream goes down for good; the resync job carries on
	f.mock.EmitSubscriptionError(assert.AnError)
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the subscription dropped")
	}
	f.mock.mu.Lock()
	assert.Equal(t, 1, f.mock.SubscribeCount)
	f.mock.mu.Unlock()
}
