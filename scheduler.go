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
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/notification"
	"github.com/tradelane/oracle/model"
)

// Scheduler runs the oracle's periodic jobs: the verification retry sweep,
// the stalled-shipment audit, the health heartbeat and the event resync.
// Every job except the health check is skipped while the oracle is paused.
type Scheduler struct {
	cron        *cron.Cron
	chainClient chain.EscrowClient
	queue       *Queue
	trackers    *TrackerManager
	coordinator *PauseCoordinator

	windowBlocks uint64
	stalledAfter time.Duration
	lowBalance   decimal.Decimal

	mu         sync.Mutex
	lastHealth *model.HealthSnapshot
}

func NewScheduler(cnf *config.Configuration, chainClient chain.EscrowClient, queue *Queue, trackers *TrackerManager, coordinator *PauseCoordinator) *Scheduler {
	lowBalance := decimal.Zero
	if cnf.Scheduler.LowBalanceWei != "" {
		parsed, err := decimal.NewFromString(cnf.Scheduler.LowBalanceWei)
		if err != nil {
			logrus.Warnf("scheduler: invalid low balance threshold %q: %v", cnf.Scheduler.LowBalanceWei, err)
		} else {
			lowBalance = parsed
		}
	}
	return &Scheduler{
		cron:         cron.New(),
		chainClient:  chainClient,
		queue:        queue,
		trackers:     trackers,
		coordinator:  coordinator,
		windowBlocks: cnf.Scheduler.EventWindowBlocks,
		stalledAfter: time.Duration(cnf.Scheduler.StalledAfterDays) * 24 * time.Hour,
		lowBalance:   lowBalance,
	}
}

// Start registers the cron entries and starts the scheduler.
func (s *Scheduler) Start(ctx context.Context, cnf *config.Configuration) error {
	jobs := []struct {
		name       string
		spec       string
		run        func(context.Context)
		pauseAware bool
	}{
		{"retry_sweep", cnf.Scheduler.RetrySweep, s.RunRetrySweep, true},
		{"stalled_audit", cnf.Scheduler.StalledAudit, func(ctx context.Context) { s.RunStalledAudit(ctx) }, true},
		{"health_check", cnf.Scheduler.HealthCheck, func(ctx context.Context) { s.RunHealthCheck(ctx) }, false},
		{"resync", cnf.Scheduler.Resync, s.RunResync, true},
	}
	for _, job := range jobs {
		job := job
		_, err := s.cron.AddFunc(job.spec, func() {
			if job.pauseAware && s.coordinator != nil && s.coordinator.IsPaused() {
				logrus.Debugf("scheduler: skipping %s, oracle is paused", job.name)
				return
			}
			job.run(ctx)
		})
		if err != nil {
			return fmt.Errorf("scheduling %s with %q: %w", job.name, job.spec, err)
		}
	}
	s.cron.Start()
	logrus.Info("scheduler: started")
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) eventWindow(ctx context.Context) (uint64, uint64, error) {
	head, err := s.chainClient.BlockNumber(ctx)
	if err != nil {
		return 0, 0, err
	}
	from := uint64(0)
	if head > s.windowBlocks {
		from = head - s.windowBlocks
	}
	return from, head, nil
}

// RunRetrySweep re-drives GST verification for recently created trades
// that are still active with an unverified party. Verification itself is
// idempotent, so re-driving an already-verified trade is a no-op.
func (s *Scheduler) RunRetrySweep(ctx context.Context) {
	from, head, err := s.eventWindow(ctx)
	if err != nil {
		logrus.Errorf("scheduler: retry sweep could not read chain head: %v", err)
		return
	}
	events, err := s.chainClient.FilterTradeCreated(ctx, from, head)
	if err != nil {
		logrus.Errorf("scheduler: retry sweep filter failed: %v", err)
		return
	}

	requeued := 0
	for _, event := range events {
		trade, err := s.chainClient.Trades(ctx, event.TradeID)
		if err != nil {
			logrus.Errorf("scheduler: retry sweep could not read trade %s: %v", event.TradeID, err)
			continue
		}
		if !trade.Status.Active() || (trade.BuyerGSTVerified && trade.SellerGSTVerified) {
			continue
		}
		task := &model.GSTVerificationTask{
			TradeID: event.TradeID.String(),
			Buyer:   trade.Buyer.Hex(),
			Seller:  trade.Seller.Hex(),
		}
		if _, err := s.queue.EnqueueGSTVerification(ctx, task); err != nil {
			logrus.Errorf("scheduler: retry sweep could not queue trade %s: %v", event.TradeID, err)
			continue
		}
		requeued++
	}
	logrus.Infof("scheduler: retry sweep scanned blocks %d-%d, re-queued %d of %d trades", from, head, requeued, len(events))
}

// StalledShipment is one finding of the stalled-shipment audit. Tracked
// findings carry the session age; untracked ones mean a shipped trade has
// no live session at all.
type StalledShipment struct {
	TradeID        string
	TrackingNumber string
	Age            time.Duration
	Tracked        bool
}

// RunStalledAudit flags shipments that have been in transit too long, and
// shipped trades no poller is watching. The audit is observational: it
// alerts an operator, it never forces a trade state and never queues work;
// re-driving an untracked shipment is the resync job's side.
func (s *Scheduler) RunStalledAudit(ctx context.Context) []StalledShipment {
	from, head, err := s.eventWindow(ctx)
	if err != nil {
		logrus.Errorf("scheduler: stalled audit could not read chain head: %v", err)
		return nil
	}
	events, err := s.chainClient.FilterGoodsShipped(ctx, from, head)
	if err != nil {
		logrus.Errorf("scheduler: stalled audit filter failed: %v", err)
		return nil
	}

	sessions := make(map[string]model.TrackingSession)
	for _, session := range s.trackers.Sessions() {
		sessions[session.TradeID] = session
	}

	var findings []StalledShipment
	for _, event := range events {
		trade, err := s.chainClient.Trades(ctx, event.TradeID)
		if err != nil {
			logrus.Errorf("scheduler: stalled audit could not read trade %s: %v", event.TradeID, err)
			continue
		}
		if trade.Status != model.TradeStatusShipped {
			continue
		}
		session, tracked := sessions[event.TradeID.String()]
		if !tracked {
			logrus.Warnf("scheduler: trade %s is shipped but has no tracking session, resync will re-drive it", event.TradeID)
			findings = append(findings, StalledShipment{TradeID: event.TradeID.String()})
			continue
		}
		if age := time.Since(session.StartedAt); age > s.stalledAfter {
			logrus.Warnf("scheduler: trade %s shipped %s ago and still undelivered", event.TradeID, age.Round(time.Hour))
			notification.NotifyAlert(
				fmt.Sprintf("Stalled shipment for trade %s", event.TradeID),
				fmt.Sprintf("shipment %q has been in transit for %s (last status %s)", session.TrackingNumber, age.Round(time.Hour), session.LastStatus),
			)
			findings = append(findings, StalledShipment{
				TradeID:        event.TradeID.String(),
				TrackingNumber: session.TrackingNumber,
				Age:            age,
				Tracked:        true,
			})
		}
	}
	return findings
}

// RunHealthCheck produces a heartbeat snapshot. It runs even while paused
// so operators keep visibility during an incident.
func (s *Scheduler) RunHealthCheck(ctx context.Context) *model.HealthSnapshot {
	snapshot := &model.HealthSnapshot{Timestamp: time.Now()}
	if s.coordinator != nil {
		snapshot.PauseState = s.coordinator.State()
	}
	if cnf, err := config.Fetch(); err == nil {
		snapshot.Network = cnf.Chain.Network
	}
	snapshot.WalletAddress = s.chainClient.WalletAddress().Hex()

	head, err := s.chainClient.BlockNumber(ctx)
	if err != nil {
		logrus.Errorf("scheduler: health check could not read chain head: %v", err)
		notification.NotifyError(fmt.Errorf("health check: chain head unreachable: %w", err))
	} else {
		snapshot.ChainHeight = head
	}

	balance, err := s.chainClient.WalletBalance(ctx)
	if err != nil {
		logrus.Errorf("scheduler: health check could not read wallet balance: %v", err)
	} else {
		wei := decimal.NewFromBigInt(balance, 0)
		snapshot.WalletBalance = wei.String()
		ether := decimal.NewFromBigInt(balance, -18)
		logrus.Infof("scheduler: health ok, height=%d wallet=%s balance=%s paused=%t",
			snapshot.ChainHeight, snapshot.WalletAddress, ether.StringFixed(6), snapshot.PauseState.Paused)
		if s.lowBalance.IsPositive() && wei.LessThan(s.lowBalance) {
			notification.NotifyAlert(
				"Oracle wallet balance low",
				fmt.Sprintf("wallet %s holds %s wei, below the %s threshold", snapshot.WalletAddress, wei, s.lowBalance),
			)
		}
	}

	s.mu.Lock()
	s.lastHealth = snapshot
	s.mu.Unlock()
	return snapshot
}

// LastHealth returns the most recent heartbeat snapshot, or nil before the
// first run.
func (s *Scheduler) LastHealth() *model.HealthSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastHealth == nil {
		return nil
	}
	copied := *s.lastHealth
	return &copied
}

// RunResync re-scans the recent event window and re-drives anything the
// live subscription missed: unverified active trades get a verification
// task, shipped trades without a tracking session get a tracking task.
func (s *Scheduler) RunResync(ctx context.Context) {
	s.RunRetrySweep(ctx)

	from, head, err := s.eventWindow(ctx)
	if err != nil {
		logrus.Errorf("scheduler: resync could not read chain head: %v", err)
		return
	}
	events, err := s.chainClient.FilterGoodsShipped(ctx, from, head)
	if err != nil {
		logrus.Errorf("scheduler: resync filter failed: %v", err)
		return
	}

	restarted := 0
	for _, event := range events {
		if s.trackers.IsTracking(event.TradeID) {
			continue
		}
		trade, err := s.chainClient.Trades(ctx, event.TradeID)
		if err != nil {
			logrus.Errorf("scheduler: resync could not read trade %s: %v", event.TradeID, err)
			continue
		}
		if trade.Status != model.TradeStatusShipped {
			continue
		}
		task := &model.DeliveryTrackingTask{
			TradeID:  event.TradeID.String(),
			Tracking: model.ParseShipmentDetails(event.ShipmentDetails),
		}
		if _, err := s.queue.EnqueueDeliveryTracking(ctx, task); err != nil {
			logrus.Errorf("scheduler: resync could not queue tracking for trade %s: %v", event.TradeID, err)
			continue
		}
		restarted++
	}
	if restarted > 0 {
		logrus.Infof("scheduler: resync restarted tracking for %d shipped trades", restarted)
	}
}
