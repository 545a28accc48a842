// Castellan - Audit Ledger and Security Anomaly Monitoring
// Copyright 2026 Castellan Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/castellan-io/castellan

// Package hashchain computes the tamper-evidence digests that link audit
// ledger entries. Each entry's digest covers a canonical serialization of
// its fields plus the previous entry's digest, so any later mutation of a
// stored entry is detectable by recomputing the chain.
//
// The scheme is tamper-evident, not tamper-proof: it detects modification
// of persisted rows, it does not prevent a writer with storage access from
// rewriting the whole chain.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Entry is the canonical view of a ledger entry for hashing. Optional
// fields serialize as the empty string when absent.
type Entry struct {
	ActorUserID  string
	TargetUserID string
	Action       string
	EventType    string
	Outcome      string
	Severity     string
	ResourceType string
	ResourceID   string
	Details      string
	Metadata     map[string]any
	IPAddress    string
	UserAgent    string
	CreatedAt    time.Time
	// PreviousHash is the prior entry's digest, empty for the first entry.
	PreviousHash string
}

// Canonical returns the pipe-joined canonical string for e. Field order is
// fixed; changing it would change every digest in existing chains.
func Canonical(e Entry) string {
	fields := []string{
		e.ActorUserID,
		e.TargetUserID,
		e.Action,
		e.EventType,
		e.Outcome,
		e.Severity,
		e.ResourceType,
		e.ResourceID,
		e.Details,
		CanonicalMetadata(e.Metadata),
		e.IPAddress,
		e.UserAgent,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
		e.PreviousHash,
	}
	return strings.Join(fields, "|")
}

// Hash returns the lowercase hex SHA-256 digest of e's canonical string.
func Hash(e Entry) string {
	sum := sha256.Sum256([]byte(Canonical(e)))
	return hex.EncodeToString(sum[:])
}

// CanonicalMetadata serializes metadata as JSON with object keys sorted
// lexicographically at every nesting level. Array order is preserved.
// Nil or empty metadata serializes as the empty string, not "{}", so an
// absent map and an empty map hash identically.
func CanonicalMetadata(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	var b strings.Builder
	writeCanonical(&b, m)
	return b.String()
}

func writeCanonical(b *strings.Builder, v any) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			writeJSONString(b, k)
			b.WriteByte(':')
			writeCanonical(b, val[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	case nil:
		b.WriteString("null")
	case string:
		writeJSONString(b, val)
	case bool:
		b.WriteString(strconv.FormatBool(val))
	case float64:
		b.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	case int:
		b.WriteString(strconv.Itoa(val))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	default:
		// Structs, typed maps and the like round-trip through JSON; the
		// intermediate form reduces to the cases handled above.
		raw, err := json.Marshal(val)
		if err != nil {
			b.WriteString("null")
			return
		}
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			b.Write(raw)
			return
		}
		switch decoded.(type) {
		case map[string]any, []any:
			writeCanonical(b, decoded)
		default:
			b.Write(raw)
		}
	}
}

func writeJSONString(b *strings.Builder, s string) {
	raw, _ := json.Marshal(s)
	b.Write(raw)
}
