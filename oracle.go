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

	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/internal/cache"
	"github.com/tradelane/oracle/logistics"
	"github.com/tradelane/oracle/model"
	"github.com/tradelane/oracle/registry"
)

// Oracle wires the escrow client, the pause coordinator, the task queue and
// the processors into one runnable unit.
type Oracle struct {
	Chain       chain.EscrowClient
	Coordinator *PauseCoordinator
	Queue       *Queue
	GST         *GSTProcessor
	Trackers    *TrackerManager
	Scheduler   *Scheduler
	Listener    *EventListener
}

// NewOracle connects to the chain and assembles every component from the
// loaded configuration.
func NewOracle(ctx context.Context, cnf *config.Configuration) (*Oracle, error) {
	chainClient, err := chain.NewClient(ctx, cnf)
	if err != nil {
		return nil, err
	}
	return assemble(cnf, chainClient), nil
}

// NewOracleWithClient assembles the oracle around an existing escrow
// client.
func NewOracleWithClient(cnf *config.Configuration, chainClient chain.EscrowClient) (*Oracle, error) {
	return assemble(cnf, chainClient), nil
}

func assemble(cnf *config.Configuration, chainClient chain.EscrowClient) *Oracle {
	coordinator := NewPauseCoordinator(chainClient)
	queue, err := NewQueue(cnf, coordinator)
	if err != nil {
		logrus.Errorf("oracle: broker init failed, queue running in-memory: %v", err)
		memoryCnf := *cnf
		memoryCnf.Queue.Broker = false
		queue, _ = NewQueue(&memoryCnf, coordinator)
	}

	gstinCache, err := cache.NewCache()
	if err != nil {
		logrus.Infof("oracle: GSTIN cache disabled: %v", err)
		gstinCache = nil
	}
	resolver := registry.NewResolver(cnf.GSTINMap, gstinCache)
	gst := NewGSTProcessor(chainClient, resolver, registry.NewClient(cnf))
	trackers := NewTrackerManager(cnf, chainClient, logistics.NewTracker(cnf), coordinator)

	queue.RegisterHandler(model.TaskKindGSTVerification, gst.HandleTask)
	queue.RegisterHandler(model.TaskKindDeliveryTracking, trackers.HandleTask)

	return &Oracle{
		Chain:       chainClient,
		Coordinator: coordinator,
		Queue:       queue,
		GST:         gst,
		Trackers:    trackers,
		Scheduler:   NewScheduler(cnf, chainClient, queue, trackers, coordinator),
		Listener:    NewEventListener(chainClient, queue, coordinator),
	}
}

// Start seeds the pause state, starts the scheduler and begins consuming
// contract events. It returns once everything is running; the listener
// keeps going until ctx is cancelled.
func (o *Oracle) Start(ctx context.Context, cnf *config.Configuration) error {
	if err := o.Coordinator.Initialize(ctx, cnf.StartPaused); err != nil {
		return err
	}
	if err := o.Scheduler.Start(ctx, cnf); err != nil {
		return err
	}
	go func() {
		if err := o.Listener.Run(ctx); err != nil {
			logrus.Errorf("oracle: event listener stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the periodic jobs, the tracking sessions and the queue.
func (o *Oracle) Shutdown() {
	o.Scheduler.Stop()
	o.Trackers.StopAll()
	if err := o.Queue.Close(); err != nil {
		logrus.Errorf("oracle: queue close failed: %v", err)
	}
}
