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
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	require.NoError(t, err)
	address := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	return &Client{
		abi:      parsed,
		address:  address,
		contract: bind.NewBoundContract(address, parsed, nil, nil, nil),
	}
}

func TestEscrowABIParses(t *testing.T) {
	parsed, err := abi.JSON(strings.NewReader(escrowABI))
	require.NoError(t, err)

	for _, name := range []string{"TradeCreated", "TradeFunded", "GoodsShipped", "DeliveryConfirmed", "TradeDisputed", "Paused", "Unpaused"} {
		_, ok := parsed.Events[name]
		assert.True(t, ok, "missing event %s", name)
	}
	for _, name := range []string{"trades", "paused", "hasRole", "PAUSER_ROLE", "updateGSTVerificationStatus", "oracleConfirmDelivery", "pause", "unpause"} {
		_, ok := parsed.Methods[name]
		assert.True(t, ok, "missing method %s", name)
	}
}

func TestDecodeGoodsShippedLog(t *testing.T) {
	c := testClient(t)

	data, err := c.abi.Events["GoodsShipped"].Inputs.NonIndexed().Pack("trk-123")
	require.NoError(t, err)

	lg := types.Log{
		Address: c.address,
		Topics: []common.Hash{
			c.abi.Events["GoodsShipped"].ID,
			common.BigToHash(big.NewInt(42)),
		},
		Data:        data,
		BlockNumber: 100,
	}

	ev, err := c.decodeLog(lg)
	require.NoError(t, err)
	shipped, ok := ev.(GoodsShippedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(42), shipped.TradeID.Int64())
	assert.Equal(t, "trk-123", shipped.ShipmentDetails)
	assert.Equal(t, uint64(100), shipped.BlockNumber)
}

func TestDecodeTradeCreatedLog(t *testing.T) {
	c := testClient(t)

	buyer := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	seller := common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	token := common.HexToAddress("0x0000000000000000000000000000000000000000")

	data, err := c.abi.Events["TradeCreated"].Inputs.NonIndexed().Pack(big.NewInt(1000), token)
	require.NoError(t, err)

	lg := types.Log{
		Address: c.address,
		Topics: []common.Hash{
			c.abi.Events["TradeCreated"].ID,
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(buyer.Bytes()),
			common.BytesToHash(seller.Bytes()),
		},
		Data:        data,
		BlockNumber: 55,
	}

	ev, err := c.decodeLog(lg)
	require.NoError(t, err)
	created, ok := ev.(TradeCreatedEvent)
	require.True(t, ok)
	assert.Equal(t, int64(7), created.TradeID.Int64())
	assert.Equal(t, buyer, created.Buyer)
	assert.Equal(t, seller, created.Seller)
	assert.Equal(t, int64(1000), created.Amount.Int64())
}

func TestDecodeUnknownTopicIgnored(t *testing.T) {
	c := testClient(t)

	lg := types.Log{
		Address: c.address,
		Topics:  []common.Hash{common.HexToHash("0xdeadbeef")},
	}
	ev, err := c.decodeLog(lg)
	assert.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDecodePausedLog(t *testing.T) {
	c := testClient(t)

	account := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	data, err := c.abi.Events["Paused"].Inputs.NonIndexed().Pack(account)
	require.NoError(t, err)

	lg := types.Log{
		Address: c.address,
		Topics:  []common.Hash{c.abi.Events["Paused"].ID},
		Data:    data,
	}
	ev, err := c.decodeLog(lg)
	require.NoError(t, err)
	paused, ok := ev.(PausedEvent)
	require.True(t, ok)
	assert.Equal(t, account, paused.Account)
}
