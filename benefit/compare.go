/*
compare.go - Structural cloning and comparison for application payloads

PURPOSE:
  Return snapshots and resubmission change detection both need a
  serialization-boundary contract: Data is a plain JSON-shaped value
  tree (maps, slices, strings, numbers, bools, nil). Cloning is a
  codec round-trip; equality is a recursive structural walk that is
  insensitive to map key ordering.

PRECONDITION:
  Data must not contain non-serializable references (channels, funcs,
  cyclic structures). The store enforces this at write time by
  round-tripping through the codec.

SEE ALSO:
  - returns.go: Uses CloneData and StructuralEqual
*/
package benefit

import (
	"github.com/goccy/go-json"
)

// CloneData deep-copies a payload through the codec. The result shares
// no memory with the input.
func CloneData(data map[string]any) (map[string]any, error) {
	if data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StructuralEqual compares two payload values structurally:
// objects are equal when they hold the same keys with equal values
// regardless of key order; arrays are equal element-wise in order;
// numbers are compared through the codec's canonical form.
func StructuralEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}

	aMap, aIsMap := a.(map[string]any)
	bMap, bIsMap := b.(map[string]any)
	if aIsMap && bIsMap {
		if len(aMap) != len(bMap) {
			return false
		}
		for k, av := range aMap {
			bv, ok := bMap[k]
			if !ok || !StructuralEqual(av, bv) {
				return false
			}
		}
		return true
	}

	aArr, aIsArr := a.([]any)
	bArr, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		if len(aArr) != len(bArr) {
			return false
		}
		for i := range aArr {
			if !StructuralEqual(aArr[i], bArr[i]) {
				return false
			}
		}
		return true
	}

	// Mixed-origin values (one side freshly edited in memory, one side
	// decoded from a snapshot) can disagree on numeric representation.
	// Canonicalize both sides through the codec before comparing.
	if aIsMap != bIsMap || aIsArr != bIsArr {
		return false
	}
	if a == b {
		return true
	}
	ar, aErr := json.Marshal(a)
	br, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(ar) == string(br)
}

// SameAttachmentSet compares two attachment lists as a
// fileName → fileURL set: a changed count, a changed file set, or a
// changed URL for an existing name all count as different.
func SameAttachmentSet(a, b []Attachment) bool {
	if len(a) != len(b) {
		return false
	}
	byName := make(map[string]string, len(a))
	for _, att := range a {
		byName[att.FileName] = att.FileURL
	}
	if len(byName) != len(a) {
		// Duplicate names on one side; fall back to exact multiset.
		return sameAttachmentMultiset(a, b)
	}
	for _, att := range b {
		url, ok := byName[att.FileName]
		if !ok || url != att.FileURL {
			return false
		}
	}
	return true
}

func sameAttachmentMultiset(a, b []Attachment) bool {
	counts := make(map[Attachment]int, len(a))
	for _, att := range a {
		counts[att]++
	}
	for _, att := range b {
		counts[att]--
		if counts[att] < 0 {
			return false
		}
	}
	return true
}
