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

package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseShipmentDetailsStructured(t *testing.T) {
	info := ParseShipmentDetails(`{"carrier":"delhivery","trackingNumber":"DL-998877"}`)
	assert.True(t, info.Structured)
	assert.Equal(t, "delhivery", info.Carrier)
	assert.Equal(t, "DL-998877", info.TrackingNumber)
}

func TestParseShipmentDetailsOpaque(t *testing.T) {
	info := ParseShipmentDetails("  trk-123 ")
	assert.False(t, info.Structured)
	assert.Equal(t, "trk-123", info.TrackingNumber)
	assert.Empty(t, info.Carrier)
	assert.Equal(t, "  trk-123 ", info.Raw)
}

func TestParseShipmentDetailsMalformedJSON(t *testing.T) {
	// Broken JSON falls back to the opaque-identifier variant.
	raw := `{"carrier": "dtdc", "trackingNumber":`
	info := ParseShipmentDetails(raw)
	assert.False(t, info.Structured)
	assert.Equal(t, raw, info.TrackingNumber)
}

func TestParseShipmentDetailsJSONWithoutTrackingNumber(t *testing.T) {
	raw := `{"carrier":"dtdc"}`
	info := ParseShipmentDetails(raw)
	assert.False(t, info.Structured)
	assert.Equal(t, raw, info.TrackingNumber)
}

func TestDeliveryStatusTerminal(t *testing.T) {
	assert.True(t, DeliveryStatusDelivered.Terminal())
	assert.True(t, DeliveryStatusFailed.Terminal())
	assert.True(t, DeliveryStatusReturned.Terminal())
	assert.True(t, DeliveryStatusCancelled.Terminal())

	assert.False(t, DeliveryStatusPending.Terminal())
	assert.False(t, DeliveryStatusInTransit.Terminal())
	assert.False(t, DeliveryStatusOutForDelivery.Terminal())
	assert.False(t, DeliveryStatusException.Terminal())
	assert.False(t, DeliveryStatusUnknown.Terminal())
	assert.False(t, DeliveryStatusError.Terminal())
}

func TestDeliveryStatusSuccess(t *testing.T) {
	assert.True(t, DeliveryStatusDelivered.Success())
	assert.False(t, DeliveryStatusReturned.Success())
	assert.False(t, DeliveryStatusInTransit.Success())
}

func TestTradeStatusActive(t *testing.T) {
	assert.True(t, TradeStatusCreated.Active())
	assert.True(t, TradeStatusFunded.Active())
	assert.True(t, TradeStatusShipped.Active())
	assert.False(t, TradeStatusDelivered.Active())
	assert.False(t, TradeStatusReleased.Active())
	assert.False(t, TradeStatusDisputed.Active())
}

func TestTradeStatusString(t *testing.T) {
	assert.Equal(t, "Shipped", TradeStatusShipped.String())
	assert.Equal(t, "Unknown", TradeStatus(99).String())
}
