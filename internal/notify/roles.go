package notify

import (
	"slices"
	"strings"
)

// Rules maps a notification category to the roles allowed to see it. The
// category is metadata.category, then metadata.kind, then the type.
type Rules map[string][]string

// NewRules builds Rules from configured category keys, which may use any
// case or surrounding spaces. Keys that collide after folding merge roles.
func NewRules(m map[string][]string) Rules {
	r := make(Rules, len(m))
	for k, roles := range m {
		key := strings.ToLower(strings.TrimSpace(k))
		for _, role := range roles {
			if !slices.Contains(r[key], role) {
				r[key] = append(r[key], role)
			}
		}
		if _, ok := r[key]; !ok {
			r[key] = []string{}
		}
	}
	for _, roles := range r {
		slices.Sort(roles)
	}
	return r
}

// Tag returns the roles for n, or nil when no rule applies (visible to all).
func (r Rules) Tag(n Notification) []string {
	for _, key := range []string{metaString(n.Metadata, "category"), metaString(n.Metadata, "kind"), n.Type} {
		if key == "" {
			continue
		}
		if roles, ok := r[strings.ToLower(key)]; ok {
			return slices.Clone(roles)
		}
	}
	return nil
}

// TagCategory returns the roles for a bare category name.
func (r Rules) TagCategory(category string) []string {
	return slices.Clone(r[strings.ToLower(category)])
}

// Visible reports whether a user with role may see n.
func Visible(n Notification, role string) bool {
	return len(n.VisibleTo) == 0 || slices.Contains(n.VisibleTo, role)
}

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}
