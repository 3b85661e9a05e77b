package logistics

import (
	"strings"

	"github.com/tradelane/oracle/model"
)

// statusTable maps the carrier status strings seen in the wild onto the
// internal enum. Anything not listed maps to UNKNOWN, which keeps the
// session polling rather than terminating it.
var statusTable = map[string]model.DeliveryStatus{
	"pending":          model.DeliveryStatusPending,
	"created":          model.DeliveryStatusPending,
	"pre_transit":      model.DeliveryStatusPending,
	"label_created":    model.DeliveryStatusPending,
	"in_transit":       model.DeliveryStatusInTransit,
	"transit":          model.DeliveryStatusInTransit,
	"shipped":          model.DeliveryStatusInTransit,
	"picked_up":        model.DeliveryStatusInTransit,
	"out_for_delivery": model.DeliveryStatusOutForDelivery,
	"delivered":        model.DeliveryStatusDelivered,
	"failed":           model.DeliveryStatusFailed,
	"failure":          model.DeliveryStatusFailed,
	"delivery_failed":  model.DeliveryStatusFailed,
	"returned":         model.DeliveryStatusReturned,
	"return_to_sender": model.DeliveryStatusReturned,
	"cancelled":        model.DeliveryStatusCancelled,
	"canceled":         model.DeliveryStatusCancelled,
	"exception":        model.DeliveryStatusException,
	"error":            model.DeliveryStatusError,
}

// MapStatus resolves an external status string into the internal enum.
func MapStatus(raw string) model.DeliveryStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	if status, ok := statusTable[normalized]; ok {
		return status
	}
	return model.DeliveryStatusUnknown
}
