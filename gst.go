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

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/model"
	"github.com/tradelane/oracle/registry"
)

// GSTProcessor verifies the GST registration of both trade parties and
// writes the result on-chain. Verification is fail-closed: a registry error
// leaves a party unverified rather than guessing, and the retry sweep picks
// the trade up again later.
type GSTProcessor struct {
	chainClient chain.EscrowClient
	resolver    *registry.Resolver
	verifier    registry.Verifier
}

func NewGSTProcessor(chainClient chain.EscrowClient, resolver *registry.Resolver, verifier registry.Verifier) *GSTProcessor {
	return &GSTProcessor{
		chainClient: chainClient,
		resolver:    resolver,
		verifier:    verifier,
	}
}

// HandleTask is the queue entry point for GST verification tasks.
func (p *GSTProcessor) HandleTask(ctx context.Context, payload []byte) error {
	var task model.GSTVerificationTask
	if err := json.Unmarshal(payload, &task); err != nil {
		return fmt.Errorf("gst task decode failed: %v: %w", err, ErrMalformedTask)
	}
	tradeID, ok := new(big.Int).SetString(task.TradeID, 10)
	if !ok {
		return fmt.Errorf("gst task %s has invalid trade id %q: %w", task.TaskID, task.TradeID, ErrMalformedTask)
	}
	return p.Verify(ctx, tradeID)
}

// Verify re-reads the trade, checks both parties against the registry and
// updates the contract when the computed flags differ from what is already
// on-chain. Flags only ever move from false to true; an API result of
// "not registered" never clears a flag a prior run set.
func (p *GSTProcessor) Verify(ctx context.Context, tradeID *big.Int) error {
	ctx, span := tracer.Start(ctx, "Verifying Trade GST Status")
	defer span.End()

	trade, err := p.chainClient.Trades(ctx, tradeID)
	if err != nil {
		return errors.Wrapf(err, "reading trade %s", tradeID)
	}
	if !trade.Status.Active() {
		logrus.Infof("gst: trade %s is %s, skipping verification", tradeID, trade.Status)
		return nil
	}
	if trade.BuyerGSTVerified && trade.SellerGSTVerified {
		return nil
	}

	buyerVerified := trade.BuyerGSTVerified || p.verifyParty(ctx, "buyer", trade.Buyer.Hex())
	sellerVerified := trade.SellerGSTVerified || p.verifyParty(ctx, "seller", trade.Seller.Hex())

	if buyerVerified == trade.BuyerGSTVerified && sellerVerified == trade.SellerGSTVerified {
		logrus.Infof("gst: trade %s flags unchanged (buyer=%t seller=%t), nothing to write", tradeID, buyerVerified, sellerVerified)
		return nil
	}

	receipt, err := p.chainClient.UpdateGSTVerificationStatus(ctx, tradeID, buyerVerified, sellerVerified)
	if err != nil {
		return errors.Wrapf(err, "updating GST status for trade %s", tradeID)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("GST status update for trade %s reverted in tx %s", tradeID, receipt.TxHash)
	}
	logrus.Infof("gst: trade %s updated on-chain (buyer=%t seller=%t)", tradeID, buyerVerified, sellerVerified)
	return nil
}

func (p *GSTProcessor) verifyParty(ctx context.Context, role, address string) bool {
	gstin, authoritative := p.resolver.Resolve(ctx, address)
	if !authoritative {
		logrus.Warnf("gst: no directory entry for %s %s, using derived GSTIN", role, address)
	}
	verified, err := p.verifier.VerifyGSTIN(ctx, gstin)
	if err != nil {
		logrus.Errorf("gst: registry check for %s %s failed, treating as unverified: %v", role, address, err)
		return false
	}
	return verified
}
