// SPDX-License-Identifier: Apache-2.0

package domain

import "strings"

// NormalizeAddress lowercases an account address and strips the 0x prefix and
// leading zeros so that short and long forms of the same account compare equal.
// An empty input stays empty.
func NormalizeAddress(addr string) string {
	lower := strings.ToLower(strings.TrimSpace(addr))
	if lower == "" {
		return ""
	}
	lower = strings.TrimPrefix(lower, "0x")
	lower = strings.TrimLeft(lower, "0")
	if lower == "" {
		return "0x0"
	}
	return "0x" + lower
}

// SameAddress reports whether a and b name the same non-empty account.
func SameAddress(a, b string) bool {
	na := NormalizeAddress(a)
	return na != "" && na == NormalizeAddress(b)
}

// IsZeroAddress reports whether addr is empty or the all-zero account, which
// the ledger uses to clear an optional address.
func IsZeroAddress(addr string) bool {
	n := NormalizeAddress(addr)
	return n == "" || n == "0x0"
}
