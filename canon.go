// Copyright 2024 The immukv authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package immukv

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf16"
)

// canonicalJSON renders v as JSON with lexicographically sorted object keys,
// no insignificant whitespace, ASCII-escaped non-ASCII runes, and no `null`
// fields. It is applied uniformly to both the hash input and every stored
// object body so that the hash chain is reproducible across implementations
// and languages.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: marshal: %w", err)
	}
	var generic any
	dec := json.NewDecoder(bytes.NewReader(raw))
	// UseNumber preserves integers wider than float64's 53-bit mantissa
	// (e.g. snowflake IDs, nanosecond timestamps) as json.Number instead
	// of silently rounding them during the round trip through `any`.
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("canonicalize: unmarshal: %w", err)
	}
	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		first := true
		for _, k := range keys {
			if val[k] == nil {
				continue
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			if err := writeCanonicalString(buf, k); err != nil {
				return err
			}
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case string:
		return writeCanonicalString(buf, val)
	case json.Number:
		// Already valid, minimal JSON number text (see the UseNumber
		// decoder option in canonicalJSON); written verbatim so integers
		// wider than float64's mantissa survive canonicalization intact.
		buf.WriteString(string(val))
	default:
		// bools: encoding/json's default formatting is already minimal
		// and stable for the types the UseNumber decoder produces into
		// any (json.Number, bool; numbers are handled above).
		enc, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("canonicalize: marshal scalar: %w", err)
		}
		buf.Write(enc)
	}
	return nil
}

func writeCanonicalString(buf *bytes.Buffer, s string) error {
	// encoding/json's Marshal HTML-escapes '<', '>', and '&' by default
	// (to \u escapes of their code points, hex 003c etc.), which would make the canonical form depend on
	// which implementation's default encoder produced it. An Encoder
	// with SetEscapeHTML(false) turns that off; it still trails a
	// newline after the value, which we trim before the ASCII-forcing
	// pass below.
	var encoded bytes.Buffer
	enc := json.NewEncoder(&encoded)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("canonicalize: marshal string: %w", err)
	}
	raw := bytes.TrimSuffix(encoded.Bytes(), []byte("\n"))

	var out bytes.Buffer
	for _, r := range string(raw) {
		if r > 0xFFFF {
			// Outside the BMP: a UTF-16 surrogate pair of \uXXXX escapes.
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(&out, `\u%04x\u%04x`, r1, r2)
			continue
		}
		if r > 0x7E {
			fmt.Fprintf(&out, `\u%04x`, r)
			continue
		}
		out.WriteRune(r)
	}
	buf.Write(out.Bytes())
	return nil
}
