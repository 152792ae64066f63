// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Event is one immutable fact read from a ledger event stream.
type Event struct {
	StreamID  string          `json:"stream_id"`
	Field     string          `json:"field"`
	Sequence  uint64          `json:"sequence"`
	Version   uint64          `json:"version,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data"`
	EmittedAt uint64          `json:"emitted_at,omitempty"`
}

// U64 decodes ledger u64 values, which arrive either as JSON numbers or as
// decimal strings. Null, empty and unparseable values decode to zero.
type U64 uint64

func (u *U64) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		*u = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	if raw == "" {
		*u = 0
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f < 0 {
			return err
		}
		v = uint64(f)
	}
	*u = U64(v)
	return nil
}

func (u U64) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(u), 10)), nil
}

// Variant decodes the ledger's enum encodings into the variant name. The
// ledger emits a bare string, an object {"__variant__": name} or an option
// wrapper {"vec": [name]}; an empty option decodes to "".
type Variant string

func (v *Variant) UnmarshalJSON(b []byte) error {
	name, err := decodeVariant(b)
	if err != nil {
		return err
	}
	*v = Variant(name)
	return nil
}

func decodeVariant(b []byte) (string, error) {
	raw := strings.TrimSpace(string(b))
	if raw == "" || raw == "null" {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{':
		var obj struct {
			Variant *string           `json:"__variant__"`
			Vec     []json.RawMessage `json:"vec"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return "", err
		}
		if obj.Variant != nil {
			return *obj.Variant, nil
		}
		if len(obj.Vec) == 0 {
			return "", nil
		}
		return decodeVariant(obj.Vec[0])
	default:
		return "", fmt.Errorf("unsupported variant encoding %q", raw)
	}
}
