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
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/model"
)

// PauseListener is notified synchronously after every pause state change.
type PauseListener func(state model.PauseState)

type pauseSubscription struct {
	id       int
	listener PauseListener
}

// PauseCoordinator owns the process-wide pause flag. Every other component
// reads it through IsPaused and must not start new work while it is set.
// Transitions are idempotent: a call that would not change the flag returns
// false and notifies nobody.
type PauseCoordinator struct {
	mu        sync.RWMutex
	state     model.PauseState
	subs      []pauseSubscription
	nextSubID int

	chainClient chain.EscrowClient
}

// NewPauseCoordinator creates a coordinator in the active (unpaused) state.
func NewPauseCoordinator(client chain.EscrowClient) *PauseCoordinator {
	return &PauseCoordinator{chainClient: client}
}

// Initialize seeds local state from the contract's pause flag so that an
// oracle restarted against a paused contract comes up paused. Chain-side
// pause events are mirrored afterwards by the event listener.
func (p *PauseCoordinator) Initialize(ctx context.Context, startPaused bool) error {
	paused, err := p.chainClient.Paused(ctx)
	if err != nil {
		return err
	}
	if paused {
		p.applyChainState(true, "contract is paused on-chain")
		return nil
	}
	if startPaused {
		p.Pause(ctx, "started paused by configuration", model.PauseSourceSystem)
	}
	return nil
}

// IsPaused is a non-blocking read of the pause flag.
func (p *PauseCoordinator) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state.Paused
}

// State returns a copy of the current pause state.
func (p *PauseCoordinator) State() model.PauseState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// OnPauseStateChange registers a listener and returns its unsubscribe
// function. Listeners are invoked synchronously, in registration order.
func (p *PauseCoordinator) OnPauseStateChange(listener PauseListener) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subs = append(p.subs, pauseSubscription{id: id, listener: listener})
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for i, sub := range p.subs {
			if sub.id == id {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				return
			}
		}
	}
}

// Pause halts all oracle-side processing. Returns false if already paused.
// The local transition always succeeds; the on-chain mirror is best effort
// and only attempted when the oracle key holds PAUSER_ROLE, so in-flight
// work can be halted even when the chain write fails.
func (p *PauseCoordinator) Pause(ctx context.Context, reason string, source model.PauseSource) bool {
	now := time.Now()
	changed := p.transition(model.PauseState{
		Paused:   true,
		Reason:   reason,
		PausedAt: &now,
		Source:   source,
	})
	if !changed {
		return false
	}

	logrus.WithFields(logrus.Fields{"reason": reason, "source": source}).Warn("oracle paused")

	if source != model.PauseSourceContract {
		p.mirrorOnChain(ctx, true)
	}
	return true
}

// Unpause resumes processing. Returns false if not paused.
func (p *PauseCoordinator) Unpause(ctx context.Context, reason string, source model.PauseSource) bool {
	changed := p.transition(model.PauseState{
		Paused: false,
		Reason: reason,
		Source: source,
	})
	if !changed {
		return false
	}

	logrus.WithFields(logrus.Fields{"reason": reason, "source": source}).Info("oracle unpaused")

	if source != model.PauseSourceContract {
		p.mirrorOnChain(ctx, false)
	}
	return true
}

// HandleChainPause mirrors an on-chain Paused event into local state. This
// also covers pauses triggered by another actor holding the pauser role.
func (p *PauseCoordinator) HandleChainPause() {
	p.applyChainState(true, "contract paused on-chain")
}

// HandleChainUnpause mirrors an on-chain Unpaused event.
func (p *PauseCoordinator) HandleChainUnpause() {
	p.applyChainState(false, "contract unpaused on-chain")
}

func (p *PauseCoordinator) applyChainState(paused bool, reason string) {
	state := model.PauseState{
		Paused: paused,
		Reason: reason,
		Source: model.PauseSourceContract,
	}
	if paused {
		now := time.Now()
		state.PausedAt = &now
	}
	if p.transition(state) {
		logrus.WithField("paused", paused).Warn("mirrored on-chain pause state")
	}
}

// transition applies the new state if it changes the boolean, then fans out
// to listeners. Setting the same value twice is a no-op and does not
// re-notify.
func (p *PauseCoordinator) transition(next model.PauseState) bool {
	p.mu.Lock()
	if p.state.Paused == next.Paused {
		p.mu.Unlock()
		return false
	}
	p.state = next
	subs := make([]pauseSubscription, len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()

	for _, sub := range subs {
		sub.listener(next)
	}
	return true
}

// mirrorOnChain attempts the corresponding contract call. Failures are
// logged and swallowed; the local state change has already happened.
func (p *PauseCoordinator) mirrorOnChain(ctx context.Context, pause bool) {
	role, err := p.chainClient.PauserRole(ctx)
	if err != nil {
		logrus.Errorf("pause: reading PAUSER_ROLE failed, skipping on-chain mirror: %v", err)
		return
	}
	ok, err := p.chainClient.HasRole(ctx, role, p.chainClient.WalletAddress())
	if err != nil {
		logrus.Errorf("pause: hasRole check failed, skipping on-chain mirror: %v", err)
		return
	}
	if !ok {
		logrus.Debug("pause: oracle wallet lacks PAUSER_ROLE, on-chain mirror skipped")
		return
	}

	if pause {
		_, err = p.chainClient.Pause(ctx)
	} else {
		_, err = p.chainClient.Unpause(ctx)
	}
	if err != nil {
		logrus.Errorf("pause: on-chain mirror failed (local state unchanged by this): %v", err)
	}
}
