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

package chain

import (
	"context"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tradelane/oracle/model"
)

// Event is the tagged union of contract events the oracle consumes. Each
// concrete event carries its decoded payload plus the block it was seen in.
type Event interface {
	EventName() string
}

type TradeCreatedEvent struct {
	TradeID     *big.Int
	Buyer       common.Address
	Seller      common.Address
	Amount      *big.Int
	Token       common.Address
	BlockNumber uint64
}

func (TradeCreatedEvent) EventName() string { return "TradeCreated" }

type TradeFundedEvent struct {
	TradeID     *big.Int
	Amount      *big.Int
	BlockNumber uint64
}

func (TradeFundedEvent) EventName() string { return "TradeFunded" }

type GoodsShippedEvent struct {
	TradeID         *big.Int
	ShipmentDetails string
	BlockNumber     uint64
}

func (GoodsShippedEvent) EventName() string { return "GoodsShipped" }

type DeliveryConfirmedEvent struct {
	TradeID     *big.Int
	Confirmer   common.Address
	BlockNumber uint64
}

func (DeliveryConfirmedEvent) EventName() string { return "DeliveryConfirmed" }

type TradeDisputedEvent struct {
	TradeID     *big.Int
	Disputer    common.Address
	Reason      string
	BlockNumber uint64
}

func (TradeDisputedEvent) EventName() string { return "TradeDisputed" }

type PausedEvent struct {
	Account common.Address
}

func (PausedEvent) EventName() string { return "Paused" }

type UnpausedEvent struct {
	Account common.Address
}

func (UnpausedEvent) EventName() string { return "Unpaused" }

// EscrowClient is the oracle's window onto the escrow contract. Reads always
// hit the chain; writes wait for their receipt before returning so callers
// can treat a non-success receipt as a failed task.
type EscrowClient interface {
	// Reads.
	Trades(ctx context.Context, tradeID *big.Int) (*model.Trade, error)
	Paused(ctx context.Context) (bool, error)
	PauserRole(ctx context.Context) ([32]byte, error)
	HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
	WalletBalance(ctx context.Context) (*big.Int, error)
	WalletAddress() common.Address

	// Writes. Each submits a transaction and waits for it to be mined.
	UpdateGSTVerificationStatus(ctx context.Context, tradeID *big.Int, buyerVerified, sellerVerified bool) (*types.Receipt, error)
	OracleConfirmDelivery(ctx context.Context, tradeID *big.Int) (*types.Receipt, error)
	Pause(ctx context.Context) (*types.Receipt, error)
	Unpause(ctx context.Context) (*types.Receipt, error)

	// Event access.
	SubscribeEvents(ctx context.Context, sink chan<- Event) (ethereum.Subscription, error)
	FilterTradeCreated(ctx context.Context, fromBlock, toBlock uint64) ([]TradeCreatedEvent, error)
	FilterGoodsShipped(ctx context.Context, fromBlock, toBlock uint64) ([]GoodsShippedEvent, error)
}
