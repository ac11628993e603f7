package audit

import (
	"bytes"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cuemby/warden/pkg/types"
)

// CreatedAtLayout renders entry timestamps with fixed six-digit fractional
// seconds and an explicit +00:00 offset. The layout never varies with the
// timestamp's precision so two writers hashing the same entry produce
// identical bytes.
const CreatedAtLayout = "2006-01-02T15:04:05.000000+00:00"

// canonicalKeys is the exact serialization order of the hash input. The keys
// are sorted lexicographically and the set is closed: adding a field to the
// chain is a breaking change that requires a migration.
var canonicalKeys = []string{
	"action",
	"actor_key_id",
	"actor_role",
	"chain_index",
	"created_at",
	"event_id",
	"prev_hash",
	"reason",
	"resource",
	"resource_id",
	"status",
}

// CanonicalBytes renders the hash input for an entry: a compact JSON object
// holding the eleven chained fields in canonical key order, with null for
// absent optional fields. The entry hash itself is never part of the input.
func CanonicalBytes(entry *types.AuditEntry) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range canonicalKeys {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(key)
		buf.WriteString(`":`)
		switch key {
		case "action":
			appendJSONString(&buf, entry.Action)
		case "actor_key_id":
			appendOptionalString(&buf, entry.ActorKeyID)
		case "actor_role":
			appendOptionalString(&buf, entry.ActorRole)
		case "chain_index":
			buf.WriteString(strconv.FormatInt(entry.ChainIndex, 10))
		case "created_at":
			appendJSONString(&buf, entry.CreatedAt.UTC().Format(CreatedAtLayout))
		case "event_id":
			appendJSONString(&buf, entry.EventID)
		case "prev_hash":
			appendOptionalString(&buf, entry.PrevHash)
		case "reason":
			appendOptionalString(&buf, entry.Reason)
		case "resource":
			appendJSONString(&buf, entry.Resource)
		case "resource_id":
			appendOptionalString(&buf, entry.ResourceID)
		case "status":
			appendOptionalString(&buf, entry.Status)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

// EntryHash computes the SHA-512 hex digest of the canonical entry bytes.
func EntryHash(entry *types.AuditEntry) string {
	sum := sha512.Sum512(CanonicalBytes(entry))
	return hex.EncodeToString(sum[:])
}

func appendOptionalString(buf *bytes.Buffer, value *string) {
	if value == nil {
		buf.WriteString("null")
		return
	}
	appendJSONString(buf, *value)
}

// appendJSONString writes a JSON string without HTML escaping so the bytes
// match what other canonical writers produce for the same value.
func appendJSONString(buf *bytes.Buffer, value string) {
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	// Encoding a plain string cannot fail; Encode appends a newline we strip.
	_ = enc.Encode(value)
	buf.Truncate(buf.Len() - 1)
}

// FormatCreatedAt renders a timestamp the way the canonical encoding does.
// Exported for the migration tool, which must hash exactly like the service.
func FormatCreatedAt(t time.Time) string {
	return t.UTC().Format(CreatedAtLayout)
}
