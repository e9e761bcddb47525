package upstream

import (
	"fmt"
	"sort"
)

// Identity is a verified upstream user expressed in local terms
type Identity struct {
	Provider        string
	Subject         string
	UpstreamSubject string
	Claims          map[string][]string
}

// LocalSubject namespaces an upstream subject so providers cannot collide
func LocalSubject(provider, sub string) string {
	return provider + "|" + sub
}

// passthrough claims are copied under their own name unless a mapping overrides them
var passthrough = []string{
	"name", "given_name", "family_name", "preferred_username", "email", "email_verified",
}

// mapClaims converts upstream claims into local multi-valued claims.
// mappings is keyed by upstream claim name.
func mapClaims(raw map[string]any, mappings map[string]string) map[string][]string {
	out := make(map[string][]string)
	for _, name := range passthrough {
		if _, mapped := mappings[name]; mapped {
			continue
		}
		if values := claimStrings(raw[name]); len(values) > 0 {
			out[name] = values
		}
	}

	upstreamNames := make([]string, 0, len(mappings))
	for name := range mappings {
		upstreamNames = append(upstreamNames, name)
	}
	sort.Strings(upstreamNames)
	for _, from := range upstreamNames {
		to := mappings[from]
		if to == "" || to == "sub" {
			continue
		}
		if values := claimStrings(raw[from]); len(values) > 0 {
			out[to] = append(out[to], values...)
		}
	}
	return out
}

func claimStrings(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case bool:
		return []string{fmt.Sprint(val)}
	case float64:
		return []string{fmt.Sprint(val)}
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, claimStrings(item)...)
		}
		return out
	default:
		return nil
	}
}
