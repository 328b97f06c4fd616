package events

import (
	"math/big"
	"strconv"
)

// FormatAmount renders an amount for event attributes; nil renders as zero.
func FormatAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// FormatUint renders identifiers such as asset ids.
func FormatUint(v uint64) string { return strconv.FormatUint(v, 10) }

// FormatInt renders timestamps.
func FormatInt(v int64) string { return strconv.FormatInt(v, 10) }

// FormatBool renders flags as "true"/"false".
func FormatBool(v bool) string { return strconv.FormatBool(v) }
