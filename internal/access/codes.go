package access

import (
	"strings"

	"golang.org/x/text/cases"
)

// normalizeCode case-folds and trims capability, role, group, feature and module codes.
func normalizeCode(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	return cases.Fold().String(raw)
}

// NormalizeCode exposes code normalization to storage and transport layers.
func NormalizeCode(raw string) string {
	return normalizeCode(raw)
}

func normalizeCodes(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		code := normalizeCode(r)
		if code == "" {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
