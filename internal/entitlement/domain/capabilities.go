package domain

import (
	"sort"
	"strings"
)

// NormalizeCapabilities lower-cases, trims, deduplicates and sorts.
func NormalizeCapabilities(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

func UnionCapabilities(sets ...[]string) []string {
	var all []string
	for _, set := range sets {
		all = append(all, set...)
	}
	return NormalizeCapabilities(all)
}

// SubtractCapabilities returns base without any item of remove.
func SubtractCapabilities(base, remove []string) []string {
	drop := make(map[string]struct{}, len(remove))
	for _, item := range NormalizeCapabilities(remove) {
		drop[item] = struct{}{}
	}
	out := make([]string, 0, len(base))
	for _, item := range NormalizeCapabilities(base) {
		if _, ok := drop[item]; ok {
			continue
		}
		out = append(out, item)
	}
	return out
}

func ContainsCapability(set []string, capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	for _, item := range set {
		if strings.ToLower(strings.TrimSpace(item)) == capability {
			return true
		}
	}
	return false
}

// IsSuperset reports whether every item of sub is in set.
func IsSuperset(set, sub []string) bool {
	have := make(map[string]struct{}, len(set))
	for _, item := range NormalizeCapabilities(set) {
		have[item] = struct{}{}
	}
	for _, item := range NormalizeCapabilities(sub) {
		if _, ok := have[item]; !ok {
			return false
		}
	}
	return true
}
