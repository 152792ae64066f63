// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeKey shapes a table key the way the node expects it for keyType:
// u8 as a JSON number, wider unsigned integers as decimal strings and every
// other type unchanged.
func NormalizeKey(keyType string, key any) any {
	keyType = strings.TrimSpace(keyType)
	switch {
	case keyType == "" || keyType == "address":
		return key
	case keyType == "u8":
		switch v := key.(type) {
		case int, int64, uint8, uint64, float64:
			return v
		case string:
			if n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 8); err == nil {
				return n
			}
			return v
		default:
			return key
		}
	case strings.HasPrefix(keyType, "u"):
		return fmt.Sprint(key)
	default:
		return key
	}
}
