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
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/internal/notification"
	"github.com/tradelane/oracle/model"
)

// EventListener subscribes to the escrow contract's event stream and turns
// events into queued work. A failed handler never takes the loop down. A
// dropped subscription is alerted and left down; the scheduler's resync
// job is the durability backstop, and an operator restart restores the
// live stream.
type EventListener struct {
	chainClient chain.EscrowClient
	queue       *Queue
	coordinator *PauseCoordinator
}

func NewEventListener(chainClient chain.EscrowClient, queue *Queue, coordinator *PauseCoordinator) *EventListener {
	return &EventListener{
		chainClient: chainClient,
		queue:       queue,
		coordinator: coordinator,
	}
}

// Run subscribes and dispatches contract events until ctx is cancelled or
// the subscription drops.
func (l *EventListener) Run(ctx context.Context) error {
	events := make(chan chain.Event, 64)
	sub, err := l.chainClient.SubscribeEvents(ctx, events)
	if err != nil {
		return errors.Wrap(err, "subscribing to escrow events")
	}
	defer sub.Unsubscribe()
	logrus.Info("listener: subscribed to escrow events")

	if err := l.consume(ctx, sub.Err(), events); err != nil {
		logrus.Errorf("listener: subscription dropped, live event stream is down until restart: %v", err)
		notification.NotifyAlert("Escrow event subscription dropped", err.Error())
		return err
	}
	return nil
}

func (l *EventListener) consume(ctx context.Context, subErrs <-chan error, events <-chan chain.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-subErrs:
			if err == nil {
				return fmt.Errorf("subscription closed")
			}
			return err
		case ev := <-events:
			l.Dispatch(ctx, ev)
		}
	}
}

// Dispatch routes one event to its handler. Panics are contained so a bad
// event cannot kill the stream. Business events are dropped while the
// oracle is paused, before any chain read or outbound call; the retry
// sweep and resync re-derive the missed work after unpause. Pause events
// themselves always pass through, they are how the coordinator learns of
// an on-chain pause.
func (l *EventListener) Dispatch(ctx context.Context, ev chain.Event) {
	defer func() {
		if r := recover(); r != nil {
			logrus.Errorf("listener: handler for %s panicked: %v", ev.EventName(), r)
		}
	}()

	switch ev.(type) {
	case chain.PausedEvent, chain.UnpausedEvent:
	default:
		if l.coordinator != nil && l.coordinator.IsPaused() {
			logrus.Infof("listener: dropping %s while paused", ev.EventName())
			return
		}
	}

	switch event := ev.(type) {
	case chain.TradeCreatedEvent:
		l.handleTradeCreated(ctx, event)
	case chain.TradeFundedEvent:
		l.handleTradeFunded(ctx, event)
	case chain.GoodsShippedEvent:
		l.handleGoodsShipped(ctx, event)
	case chain.DeliveryConfirmedEvent:
		logrus.Infof("listener: delivery confirmed for trade %s by %s", event.TradeID, event.Confirmer)
	case chain.TradeDisputedEvent:
		l.handleTradeDisputed(event)
	case chain.PausedEvent:
		logrus.Warnf("listener: contract paused by %s", event.Account)
		l.coordinator.HandleChainPause()
	case chain.UnpausedEvent:
		logrus.Infof("listener: contract unpaused by %s", event.Account)
		l.coordinator.HandleChainUnpause()
	default:
		logrus.Debugf("listener: ignoring event %s", ev.EventName())
	}
}

func (l *EventListener) handleTradeCreated(ctx context.Context, event chain.TradeCreatedEvent) {
	task := &model.GSTVerificationTask{
		TradeID: event.TradeID.String(),
		Buyer:   event.Buyer.Hex(),
		Seller:  event.Seller.Hex(),
	}
	accepted, err := l.queue.EnqueueGSTVerification(ctx, task)
	if err != nil {
		logrus.Errorf("listener: queueing GST verification for trade %s failed: %v", event.TradeID, err)
		return
	}
	if !accepted {
		logrus.Infof("listener: trade %s created while paused, verification deferred to retry sweep", event.TradeID)
		return
	}
	logrus.Infof("listener: trade %s created, GST verification queued", event.TradeID)
}

// handleTradeFunded re-checks verification on funding. Creation normally
// queued the trade already; this covers trades whose first verification
// ran while the registry was down.
func (l *EventListener) handleTradeFunded(ctx context.Context, event chain.TradeFundedEvent) {
	trade, err := l.chainClient.Trades(ctx, event.TradeID)
	if err != nil {
		logrus.Errorf("listener: reading funded trade %s failed: %v", event.TradeID, err)
		return
	}
	if trade.BuyerGSTVerified && trade.SellerGSTVerified {
		return
	}
	task := &model.GSTVerificationTask{
		TradeID: event.TradeID.String(),
		Buyer:   trade.Buyer.Hex(),
		Seller:  trade.Seller.Hex(),
	}
	if _, err := l.queue.EnqueueGSTVerification(ctx, task); err != nil {
		logrus.Errorf("listener: re-queueing GST verification for funded trade %s failed: %v", event.TradeID, err)
		return
	}
	logrus.Infof("listener: trade %s funded with unverified parties, verification re-queued", event.TradeID)
}

func (l *EventListener) handleGoodsShipped(ctx context.Context, event chain.GoodsShippedEvent) {
	task := &model.DeliveryTrackingTask{
		TradeID:  event.TradeID.String(),
		Tracking: model.ParseShipmentDetails(event.ShipmentDetails),
	}
	accepted, err := l.queue.EnqueueDeliveryTracking(ctx, task)
	if err != nil {
		logrus.Errorf("listener: queueing delivery tracking for trade %s failed: %v", event.TradeID, err)
		return
	}
	if !accepted {
		logrus.Infof("listener: trade %s shipped while paused, tracking deferred to resync", event.TradeID)
		return
	}
	logrus.Infof("listener: trade %s shipped, tracking queued (number=%q structured=%t)",
		event.TradeID, task.Tracking.TrackingNumber, task.Tracking.Structured)
}

func (l *EventListener) handleTradeDisputed(event chain.TradeDisputedEvent) {
	logrus.Warnf("listener: trade %s disputed by %s: %s", event.TradeID, event.Disputer, event.Reason)
	notification.NotifyAlert(
		fmt.Sprintf("Trade %s disputed", event.TradeID),
		fmt.Sprintf("disputed by %s: %s", event.Disputer, event.Reason),
	)
}
