package persist

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Volatile timestamp-like fields are stripped recursively before
// compression. None of the aggregate schemas declare them; they only appear
// as stray bookkeeping copied in from host snapshots.
var volatileFields = []string{"timestamp", "savedAt", "updatedAt", "modifiedAt", "lastSaved"}

// Foldable boolean fields are collapsed into a single flagBits integer per
// containing object. The low byte carries the values, the next byte carries
// presence, so folding round-trips exactly.
var foldableBools = []string{"muted", "reverse", "hold", "autofill"}

const flagBitsField = "flagBits"

// compact applies the pre-compression transforms to a generic JSON value:
// volatile fields stripped, foldable booleans packed into flagBits.
func compact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for _, name := range volatileFields {
			delete(t, name)
		}
		presence, value := 0, 0
		for i, name := range foldableBools {
			b, ok := t[name].(bool)
			if !ok {
				continue
			}
			presence |= 1 << i
			if b {
				value |= 1 << i
			}
			delete(t, name)
		}
		if presence != 0 {
			t[flagBitsField] = float64(presence<<8 | value)
		}
		for k, e := range t {
			t[k] = compact(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = compact(e)
		}
		return t
	default:
		return v
	}
}

// expand reverses compact's bit-mask folding. Stripped volatile fields are
// gone for good; they are volatile by definition.
func expand(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if fb, ok := t[flagBitsField].(float64); ok {
			presence := int(fb) >> 8
			value := int(fb) & 0xff
			for i, name := range foldableBools {
				if presence&(1<<i) != 0 {
					t[name] = value&(1<<i) != 0
				}
			}
			delete(t, flagBitsField)
		}
		for k, e := range t {
			t[k] = expand(e)
		}
		return t
	case []any:
		for i, e := range t {
			t[i] = expand(e)
		}
		return t
	default:
		return v
	}
}

// compressPayload compacts, marshals and gzips a payload, returning the
// JSON-encoded base64 string that goes into StorageRecord.Payload.
func compressPayload(payload any) (json.RawMessage, error) {
	compacted := compact(payload)
	raw, err := json.Marshal(compacted)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip payload: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(buf.Bytes())
	return json.Marshal(encoded)
}

// decompressPayload reverses compressPayload.
func decompressPayload(raw json.RawMessage) (any, error) {
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("decode compressed payload envelope: %w", err)
	}
	gz, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode compressed payload: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(gz))
	if err != nil {
		return nil, fmt.Errorf("open gzip payload: %w", err)
	}
	defer func() { _ = zr.Close() }()
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip payload: %w", err)
	}
	var payload any
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal decompressed payload: %w", err)
	}
	return expand(payload), nil
}
