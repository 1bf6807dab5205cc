package board

import (
	"strings"

	"taskboard/internal/store"
)

// ParseTags adds the comma separated tags from input to existing. Blank
// entries and tags already on the task are skipped. Nothing else is
// deduplicated.
func ParseTags(existing store.Tags, input string) store.Tags {
	out := append(store.Tags{}, existing...)
	seen := make(map[string]struct{}, len(existing))
	for _, t := range existing {
		seen[t] = struct{}{}
	}
	for _, raw := range strings.Split(input, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// RemoveTag drops every occurrence of tag.
func RemoveTag(existing store.Tags, tag string) store.Tags {
	out := make(store.Tags, 0, len(existing))
	for _, t := range existing {
		if t != tag {
			out = append(out, t)
		}
	}
	return out
}
