// Package status decides whether a provider-reported delivery state may
// replace the one already recorded for a message. Callbacks arrive out of
// order and may be duplicated, so ordering is by precedence, never by
// arrival time.
package status

import "github.com/example/verify-campaigns/internal/model"

// precedence ranks delivery states. Terminal states (undelivered, failed)
// outrank everything and are never replaced once recorded.
var precedence = map[model.DeliveryStatus]int{
	model.DeliveryQueued:      0,
	model.DeliverySending:     1,
	model.DeliverySent:        2,
	model.DeliveryDelivered:   3,
	model.DeliveryRead:        4,
	model.DeliveryUndelivered: 99,
	model.DeliveryFailed:      100,
}

// Precedence returns the rank of s. Unknown states rank lowest.
func Precedence(s model.DeliveryStatus) int {
	return precedence[s]
}

// Resolve reports whether incoming may replace current, and the status that
// should be stored afterwards. Only a strictly higher rank wins; ties keep
// the current value, so re-delivered callbacks are no-ops.
func Resolve(current, incoming model.DeliveryStatus) (apply bool, effective model.DeliveryStatus) {
	if precedence[incoming] > precedence[current] {
		return true, incoming
	}
	return false, current
}

// permanentFailureCodes are provider error codes that mean the destination
// number itself is unusable (not a transient delivery problem).
var permanentFailureCodes = map[int]bool{
	21211: true, // invalid 'To' number
	21610: true, // recipient has opted out
	21614: true, // not a mobile number
	30003: true, // unreachable handset
	30005: true, // unknown destination
	30006: true, // landline or unreachable carrier
	63024: true, // invalid recipient for this channel
}

// IsPermanentFailureCode reports whether a provider error code marks the
// destination number as permanently undeliverable.
func IsPermanentFailureCode(code int) bool {
	return permanentFailureCodes[code]
}
