package s2a

import (
	"slices"
	"strings"
)

// SpeakerMap assigns dense indices to speaker ids.
type SpeakerMap map[string]int

// NewSpeakerMap indexes the distinct ids in sorted order, so the same corpus
// always yields the same assignment.
func NewSpeakerMap(ids ...[]string) SpeakerMap {
	var all []string
	for _, group := range ids {
		all = append(all, group...)
	}

	slices.Sort(all)
	all = slices.Compact(all)

	m := make(SpeakerMap, len(all))
	for i, id := range all {
		m[id] = i
	}

	return m
}

// Index returns the slot of a speaker id, or -1.
func (m SpeakerMap) Index(id string) int {
	if i, ok := m[id]; ok {
		return i
	}

	return -1
}

// SpeakerFromKey extracts the speaker id from a sample key: the second
// slash-separated segment.
func SpeakerFromKey(key string) string {
	parts := strings.Split(key, "/")
	if len(parts) < 2 {
		return ""
	}

	return parts[1]
}
