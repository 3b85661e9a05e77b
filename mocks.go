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
	"errors"
	"math/big"
	"sync"

	"github.com/brianvoe/gofakeit/v6"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/tradelane/oracle/chain"
	"github.com/tradelane/oracle/logistics"
	"github.com/tradelane/oracle/model"
)

// MockEscrowClient is an in-memory chain.EscrowClient for tests. Writes are
// recorded and applied to the held trades so idempotency paths can be
// exercised without a node.
type MockEscrowClient struct {
	mu sync.Mutex

	TradesByID    map[string]*model.Trade
	PausedFlag    bool
	HasPauserRole bool
	ChainHeight   uint64
	Balance       *big.Int
	Wallet        common.Address

	// FailWrites makes every write return an error. FailedReceipt makes
	// writes return a mined-but-reverted receipt instead.
	FailWrites    bool
	FailedReceipt bool

	TradesCalls     int
	UpdateGSTCalls  []GSTUpdateCall
	ConfirmCalls    []*big.Int
	PauseCalls      int
	UnpauseCalls    int
	CreatedHistory  []chain.TradeCreatedEvent
	ShippedHistory  []chain.GoodsShippedEvent

	SubscribeCount int

	eventSink chan<- chain.Event
	subErrs   chan error
}

type GSTUpdateCall struct {
	TradeID        *big.Int
	BuyerVerified  bool
	SellerVerified bool
}

func NewMockEscrowClient() *MockEscrowClient {
	return &MockEscrowClient{
		TradesByID: make(map[string]*model.Trade),
		Balance:    big.NewInt(1e18),
		Wallet:     common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
	}
}

// AddTrade stores a trade keyed by its ID.
func (m *MockEscrowClient) AddTrade(trade *model.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TradesByID[trade.ID.String()] = trade
}

func (m *MockEscrowClient) Trades(_ context.Context, tradeID *big.Int) (*model.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TradesCalls++
	trade, ok := m.TradesByID[tradeID.String()]
	if !ok {
		return nil, errors.New("trade not found")
	}
	copied := *trade
	return &copied, nil
}

func (m *MockEscrowClient) Paused(_ context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PausedFlag, nil
}

func (m *MockEscrowClient) PauserRole(_ context.Context) ([32]byte, error) {
	return [32]byte{1}, nil
}

func (m *MockEscrowClient) HasRole(_ context.Context, _ [32]byte, _ common.Address) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.HasPauserRole, nil
}

func (m *MockEscrowClient) BlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ChainHeight, nil
}

func (m *MockEscrowClient) WalletBalance(_ context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.Balance), nil
}

func (m *MockEscrowClient) WalletAddress() common.Address {
	return m.Wallet
}

func (m *MockEscrowClient) receipt() (*types.Receipt, error) {
	if m.FailWrites {
		return nil, errors.New("transaction submission failed")
	}
	if m.FailedReceipt {
		return &types.Receipt{Status: types.ReceiptStatusFailed}, nil
	}
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (m *MockEscrowClient) UpdateGSTVerificationStatus(_ context.Context, tradeID *big.Int, buyerVerified, sellerVerified bool) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, err := m.receipt()
	if err != nil {
		return nil, err
	}
	m.UpdateGSTCalls = append(m.UpdateGSTCalls, GSTUpdateCall{
		TradeID:        tradeID,
		BuyerVerified:  buyerVerified,
		SellerVerified: sellerVerified,
	})
	if receipt.Status == types.ReceiptStatusSuccessful {
		if trade, ok := m.TradesByID[tradeID.String()]; ok {
			trade.BuyerGSTVerified = buyerVerified
			trade.SellerGSTVerified = sellerVerified
		}
	}
	return receipt, nil
}

func (m *MockEscrowClient) OracleConfirmDelivery(_ context.Context, tradeID *big.Int) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, err := m.receipt()
	if err != nil {
		return nil, err
	}
	m.ConfirmCalls = append(m.ConfirmCalls, tradeID)
	if receipt.Status == types.ReceiptStatusSuccessful {
		if trade, ok := m.TradesByID[tradeID.String()]; ok {
			trade.Status = model.TradeStatusDelivered
		}
	}
	return receipt, nil
}

func (m *MockEscrowClient) Pause(_ context.Context) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, err := m.receipt()
	if err != nil {
		return nil, err
	}
	m.PauseCalls++
	m.PausedFlag = true
	return receipt, nil
}

func (m *MockEscrowClient) Unpause(_ context.Context) (*types.Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	receipt, err := m.receipt()
	if err != nil {
		return nil, err
	}
	m.UnpauseCalls++
	m.PausedFlag = false
	return receipt, nil
}

func (m *MockEscrowClient) SubscribeEvents(_ context.Context, sink chan<- chain.Event) (ethereum.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubscribeCount++
	m.eventSink = sink
	m.subErrs = make(chan error, 1)
	return &mockSubscription{errs: m.subErrs}, nil
}

// EmitEvent pushes an event into the subscribed sink.
func (m *MockEscrowClient) EmitEvent(ev chain.Event) {
	m.mu.Lock()
	sink := m.eventSink
	m.mu.Unlock()
	if sink != nil {
		sink <- ev
	}
}

// EmitSubscriptionError simulates a connection-level subscription failure.
func (m *MockEscrowClient) EmitSubscriptionError(err error) {
	m.mu.Lock()
	errs := m.subErrs
	m.mu.Unlock()
	if errs != nil {
		errs <- err
	}
}

func (m *MockEscrowClient) FilterTradeCreated(_ context.Context, fromBlock, _ uint64) ([]chain.TradeCreatedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []chain.TradeCreatedEvent
	for _, ev := range m.CreatedHistory {
		if ev.BlockNumber >= fromBlock {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (m *MockEscrowClient) FilterGoodsShipped(_ context.Context, fromBlock, _ uint64) ([]chain.GoodsShippedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var events []chain.GoodsShippedEvent
	for _, ev := range m.ShippedHistory {
		if ev.BlockNumber >= fromBlock {
			events = append(events, ev)
		}
	}
	return events, nil
}

type mockSubscription struct {
	errs chan error
	once sync.Once
}

func (s *mockSubscription) Unsubscribe() {
	s.once.Do(func() { close(s.errs) })
}

func (s *mockSubscription) Err() <-chan error {
	return s.errs
}

// MockTrade builds a trade with random party addresses.
func MockTrade(id int64, status model.TradeStatus) *model.Trade {
	return &model.Trade{
		ID:     big.NewInt(id),
		Buyer:  common.BigToAddress(big.NewInt(int64(gofakeit.Number(1, 1<<30)))),
		Seller: common.BigToAddress(big.NewInt(int64(gofakeit.Number(1, 1<<30)))),
		Amount: big.NewInt(int64(gofakeit.Number(1000, 1_000_000))),
		Status: status,
	}
}

// MockVerifier is a registry.Verifier returning canned results per GSTIN.
type MockVerifier struct {
	mu      sync.Mutex
	Results map[string]bool
	Err     error
	Calls   []string
}

func NewMockVerifier() *MockVerifier {
	return &MockVerifier{Results: make(map[string]bool)}
}

func (v *MockVerifier) VerifyGSTIN(_ context.Context, gstin string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.Calls = append(v.Calls, gstin)
	if v.Err != nil {
		return false, v.Err
	}
	return v.Results[gstin], nil
}

// MockTracker is a logistics.Tracker replaying a scripted status sequence
// per tracking number.
type MockTracker struct {
	mu        sync.Mutex
	Sequences map[string][]model.DeliveryStatus
	Err       error
	polls     map[string]int
}

func NewMockTracker() *MockTracker {
	return &MockTracker{
		Sequences: make(map[string][]model.DeliveryStatus),
		polls:     make(map[string]int),
	}
}

func (t *MockTracker) Track(_ context.Context, _, trackingNumber string) (*logistics.TrackingUpdate, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return nil, t.Err
	}
	seq := t.Sequences[trackingNumber]
	if len(seq) == 0 {
		return &logistics.TrackingUpdate{Status: model.DeliveryStatusUnknown}, nil
	}
	idx := t.polls[trackingNumber]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	t.polls[trackingNumber]++
	status := seq[idx]
	return &logistics.TrackingUpdate{Status: status, RawStatus: string(status)}, nil
}
