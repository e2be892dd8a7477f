package resource

import (
	"encoding/binary"
	"encoding/hex"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// snapshotItem is one captured resource.
type snapshotItem struct {
	ID      string
	Existed bool
	Content []byte
}

// SnapshotPrefix marks snapshot IDs.
const SnapshotPrefix = "snap_"

// snapshotID hashes the sorted captured items so identical captures always
// produce the same ID.
func snapshotID(items []snapshotItem) string {
	sorted := make([]snapshotItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h, _ := blake2b.New256(nil)
	var n [8]byte
	for _, it := range sorted {
		binary.BigEndian.PutUint64(n[:], uint64(len(it.ID)))
		h.Write(n[:])
		h.Write([]byte(it.ID))
		if it.Existed {
			h.Write([]byte{1})
		} else {
			h.Write([]byte{0})
		}
		binary.BigEndian.PutUint64(n[:], uint64(len(it.Content)))
		h.Write(n[:])
		h.Write(it.Content)
	}
	return SnapshotPrefix + hex.EncodeToString(h.Sum(nil))
}

// normalizeIDs sorts and deduplicates ids.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
