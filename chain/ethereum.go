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
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"

	"github.com/tradelane/oracle/config"
	"github.com/tradelane/oracle/model"
)

// escrowABI covers the slice of the escrow contract this process touches:
// the trades getter, the pause surface, the two oracle write methods and the
// event streams the listener subscribes to.
const escrowABI = `[
	{"type":"function","name":"trades","stateMutability":"view","inputs":[{"name":"tradeId","type":"uint256"}],"outputs":[{"name":"id","type":"uint256"},{"name":"buyer","type":"address"},{"name":"seller","type":"address"},{"name":"amount","type":"uint256"},{"name":"token","type":"address"},{"name":"status","type":"uint8"},{"name":"buyerGSTVerified","type":"bool"},{"name":"sellerGSTVerified","type":"bool"}]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"PAUSER_ROLE","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bytes32"}]},
	{"type":"function","name":"hasRole","stateMutability":"view","inputs":[{"name":"role","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"updateGSTVerificationStatus","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"uint256"},{"name":"buyerVerified","type":"bool"},{"name":"sellerVerified","type":"bool"}],"outputs":[]},
	{"type":"function","name":"oracleConfirmDelivery","stateMutability":"nonpayable","inputs":[{"name":"tradeId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"pause","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"function","name":"unpause","stateMutability":"nonpayable","inputs":[],"outputs":[]},
	{"type":"event","name":"TradeCreated","inputs":[{"name":"tradeId","type":"uint256","indexed":true},{"name":"buyer","type":"address","indexed":true},{"name":"seller","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false},{"name":"token","type":"address","indexed":false}],"anonymous":false},
	{"type":"event","name":"TradeFunded","inputs":[{"name":"tradeId","type":"uint256","indexed":true},{"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
	{"type":"event","name":"GoodsShipped","inputs":[{"name":"tradeId","type":"uint256","indexed":true},{"name":"shipmentDetails","type":"string","indexed":false}],"anonymous":false},
	{"type":"event","name":"DeliveryConfirmed","inputs":[{"name":"tradeId","type":"uint256","indexed":true},{"name":"confirmer","type":"address","indexed":false}],"anonymous":false},
	{"type":"event","name":"TradeDisputed","inputs":[{"name":"tradeId","type":"uint256","indexed":true},{"name":"disputer","type":"address","indexed":false},{"name":"reason","type":"string","indexed":false}],"anonymous":false},
	{"type":"event","name":"Paused","inputs":[{"name":"account","type":"address","indexed":false}],"anonymous":false},
	{"type":"event","name":"Unpaused","inputs":[{"name":"account","type":"address","indexed":false}],"anonymous":false}
]`

// Client is the ethclient-backed EscrowClient implementation.
type Client struct {
	eth      *ethclient.Client
	contract *bind.BoundContract
	abi      abi.ABI
	address  common.Address
	wallet   common.Address
	auth     *bind.TransactOpts
}

// NewClient dials the configured RPC endpoint and binds the escrow contract.
// The endpoint must support subscriptions (ws or ipc) for the event listener
// to work; log filtering and calls work over any transport.
func NewClient(ctx context.Context, cnf *config.Configuration) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cnf.Chain.RpcUrl)
	if err != nil {
		return nil, errors.Wrap(err, "dialing chain rpc")
	}

	key, err := crypto.HexToECDSA(cnf.Chain.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "parsing oracle private key")
	}

	chainID := big.NewInt(cnf.Chain.ChainID)
	if cnf.Chain.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "fetching chain id")
		}
	}

	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, errors.Wrap(err, "building transactor")
	}

	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	if err != nil {
		return nil, errors.Wrap(err, "parsing escrow abi")
	}

	address := common.HexToAddress(cnf.Chain.ContractAddress)
	contract := bind.NewBoundContract(address, parsed, eth, eth, eth)

	return &Client{
		eth:      eth,
		contract: contract,
		abi:      parsed,
		address:  address,
		wallet:   crypto.PubkeyToAddress(key.PublicKey),
		auth:     auth,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) WalletAddress() common.Address {
	return c.wallet
}

func (c *Client) Trades(ctx context.Context, tradeID *big.Int) (*model.Trade, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "trades", tradeID)
	if err != nil {
		return nil, errors.Wrapf(err, "reading trade %s", tradeID)
	}
	if len(out) != 8 {
		return nil, errors.Errorf("unexpected trades() arity %d for trade %s", len(out), tradeID)
	}
	return &model.Trade{
		ID:                abi.ConvertType(out[0], new(big.Int)).(*big.Int),
		Buyer:             *abi.ConvertType(out[1], new(common.Address)).(*common.Address),
		Seller:            *abi.ConvertType(out[2], new(common.Address)).(*common.Address),
		Amount:            abi.ConvertType(out[3], new(big.Int)).(*big.Int),
		Token:             *abi.ConvertType(out[4], new(common.Address)).(*common.Address),
		Status:            model.TradeStatus(*abi.ConvertType(out[5], new(uint8)).(*uint8)),
		BuyerGSTVerified:  *abi.ConvertType(out[6], new(bool)).(*bool),
		SellerGSTVerified: *abi.ConvertType(out[7], new(bool)).(*bool),
	}, nil
}

func (c *Client) Paused(ctx context.Context) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "paused")
	if err != nil {
		return false, errors.Wrap(err, "reading paused flag")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) PauserRole(ctx context.Context) ([32]byte, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "PAUSER_ROLE")
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "reading PAUSER_ROLE")
	}
	return *abi.ConvertType(out[0], new([32]byte)).(*[32]byte), nil
}

func (c *Client) HasRole(ctx context.Context, role [32]byte, account common.Address) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "hasRole", role, account)
	if err != nil {
		return false, errors.Wrap(err, "reading hasRole")
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

func (c *Client) WalletBalance(ctx context.Context) (*big.Int, error) {
	return c.eth.BalanceAt(ctx, c.wallet, nil)
}

// transact submits a contract write and blocks until it is mined.
func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	opts := *c.auth
	opts.Context = ctx
	tx, err := c.contract.Transact(&opts, method, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "submitting %s", method)
	}
	receipt, err := bind.WaitMined(ctx, c.eth, tx)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for %s receipt", method)
	}
	return receipt, nil
}

func (c *Client) UpdateGSTVerificationStatus(ctx context.Context, tradeID *big.Int, buyerVerified, sellerVerified bool) (*types.Receipt, error) {
	return c.transact(ctx, "updateGSTVerificationStatus", tradeID, buyerVerified, sellerVerified)
}

func (c *Client) OracleConfirmDelivery(ctx context.Context, tradeID *big.Int) (*types.Receipt, error) {
	return c.transact(ctx, "oracleConfirmDelivery", tradeID)
}

func (c *Client) Pause(ctx context.Context) (*types.Receipt, error) {
	return c.transact(ctx, "pause")
}

func (c *Client) Unpause(ctx context.Context) (*types.Receipt, error) {
	return c.transact(ctx, "unpause")
}

// SubscribeEvents opens a single log subscription for the contract and fans
// decoded events into sink. Logs that fail to decode are dropped; the caller
// owns connection-level errors via the returned subscription's Err channel.
func (c *Client) SubscribeEvents(ctx context.Context, sink chan<- Event) (ethereum.Subscription, error) {
	logs := make(chan types.Log, 64)
	sub, err := c.eth.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{c.address},
	}, logs)
	if err != nil {
		return nil, errors.Wrap(err, "subscribing to contract logs")
	}

	go func() {
		for {
			select {
			case lg, ok := <-logs:
				if !ok {
					return
				}
				ev, err := c.decodeLog(lg)
				if err != nil || ev == nil {
					continue
				}
				select {
				case sink <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// decodeLog resolves a raw log into one of the Event variants. Unknown
// topics return (nil, nil).
func (c *Client) decodeLog(lg types.Log) (Event, error) {
	if len(lg.Topics) == 0 {
		return nil, nil
	}
	switch lg.Topics[0] {
	case c.abi.Events["TradeCreated"].ID:
		if len(lg.Topics) < 4 {
			return nil, errors.New("TradeCreated log missing indexed topics")
		}
		var data struct {
			Amount *big.Int
			Token  common.Address
		}
		if err := c.contract.UnpackLog(&data, "TradeCreated", lg); err != nil {
			return nil, err
		}
		return TradeCreatedEvent{
			TradeID:     new(big.Int).SetBytes(lg.Topics[1].Bytes()),
			Buyer:       common.BytesToAddress(lg.Topics[2].Bytes()),
			Seller:      common.BytesToAddress(lg.Topics[3].Bytes()),
			Amount:      data.Amount,
			Token:       data.Token,
			BlockNumber: lg.BlockNumber,
		}, nil
	case c.abi.Events["TradeFunded"].ID:
		var data struct {
			Amount *big.Int
		}
		if err := c.contract.UnpackLog(&data, "TradeFunded", lg); err != nil {
			return nil, err
		}
		return TradeFundedEvent{
			TradeID:     topicTradeID(lg),
			Amount:      data.Amount,
			BlockNumber: lg.BlockNumber,
		}, nil
	case c.abi.Events["GoodsShipped"].ID:
		var data struct {
			ShipmentDetails string
		}
		if err := c.contract.UnpackLog(&data, "GoodsShipped", lg); err != nil {
			return nil, err
		}
		return GoodsShippedEvent{
			TradeID:         topicTradeID(lg),
			ShipmentDetails: data.ShipmentDetails,
			BlockNumber:     lg.BlockNumber,
		}, nil
	case c.abi.Events["DeliveryConfirmed"].ID:
		var data struct {
			Confirmer common.Address
		}
		if err := c.contract.UnpackLog(&data, "DeliveryConfirmed", lg); err != nil {
			return nil, err
		}
		return DeliveryConfirmedEvent{
			TradeID:     topicTradeID(lg),
			Confirmer:   data.Confirmer,
			BlockNumber: lg.BlockNumber,
		}, nil
	case c.abi.Events["TradeDisputed"].ID:
		var data struct {
			Disputer common.Address
			Reason   string
		}
		if err := c.contract.UnpackLog(&data, "TradeDisputed", lg); err != nil {
			return nil, err
		}
		return TradeDisputedEvent{
			TradeID:     topicTradeID(lg),
			Disputer:    data.Disputer,
			Reason:      data.Reason,
			BlockNumber: lg.BlockNumber,
		}, nil
	case c.abi.Events["Paused"].ID:
		var data struct {
			Account common.Address
		}
		if err := c.contract.UnpackLog(&data, "Paused", lg); err != nil {
			return nil, err
		}
		return PausedEvent{Account: data.Account}, nil
	case c.abi.Events["Unpaused"].ID:
		var data struct {
			Account common.Address
		}
		if err := c.contract.UnpackLog(&data, "Unpaused", lg); err != nil {
			return nil, err
		}
		return UnpausedEvent{Account: data.Account}, nil
	}
	return nil, nil
}

func topicTradeID(lg types.Log) *big.Int {
	if len(lg.Topics) < 2 {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(lg.Topics[1].Bytes())
}

// filterLogs runs a bounded historical log query for a single event.
func (c *Client) filterLogs(ctx context.Context, event string, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.address},
		Topics:    [][]common.Hash{{c.abi.Events[event].ID}},
	}
	if toBlock > 0 {
		query.ToBlock = new(big.Int).SetUint64(toBlock)
	}
	logs, err := c.eth.FilterLogs(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "filtering %s logs", event)
	}
	return logs, nil
}

func (c *Client) FilterTradeCreated(ctx context.Context, fromBlock, toBlock uint64) ([]TradeCreatedEvent, error) {
	logs, err := c.filterLogs(ctx, "TradeCreated", fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]TradeCreatedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.decodeLog(lg)
		if err != nil {
			continue
		}
		if created, ok := ev.(TradeCreatedEvent); ok {
			events = append(events, created)
		}
	}
	return events, nil
}

func (c *Client) FilterGoodsShipped(ctx context.Context, fromBlock, toBlock uint64) ([]GoodsShippedEvent, error) {
	logs, err := c.filterLogs(ctx, "GoodsShipped", fromBlock, toBlock)
	if err != nil {
		return nil, err
	}
	events := make([]GoodsShippedEvent, 0, len(logs))
	for _, lg := range logs {
		ev, err := c.decodeLog(lg)
		if err != nil {
			continue
		}
		if shipped, ok := ev.(GoodsShippedEvent); ok {
			events = append(events, shipped)
		}
	}
	return events, nil
}
