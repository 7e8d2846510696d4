package alerts

import (
	"time"
)

// List operations work on the tree-shaped alerts.active array ([]any of
// map[string]any). They never mutate their input; callers commit the
// returned slice through the state bus.

// HasUnacknowledged reports whether an unresolved, unacknowledged alert with
// the given trigger exists. This is the trigger-uniqueness invariant gate.
func HasUnacknowledged(list []any, trigger string) bool {
	for _, entry := range list {
		a, ok := Decode(entry)
		if !ok {
			continue
		}
		if a.Trigger == trigger && !a.Acknowledged && a.ResolvedAt == nil {
			return true
		}
	}
	return false
}

// Append adds a new alert unless an unacknowledged alert with the same
// trigger is already active. Returns the (possibly new) list and whether the
// alert was appended.
func Append(list []any, a Alert) ([]any, bool) {
	if HasUnacknowledged(list, a.Trigger) {
		return list, false
	}
	out := make([]any, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, a.Tree())
	return out, true
}

// ResolveTrigger stamps resolvedAt on every unresolved, unacknowledged alert
// with the given trigger. Returns the new list and the number resolved.
func ResolveTrigger(list []any, trigger string, now time.Time) ([]any, int) {
	return resolve(list, now, func(a Alert) bool {
		return a.Trigger == trigger
	})
}

// ResolveCategory resolves every unresolved, unacknowledged, auto-resolvable
// alert in the category. Used when the anchor is retrieved or reset.
func ResolveCategory(list []any, category string, now time.Time) ([]any, int) {
	return resolve(list, now, func(a Alert) bool {
		return a.Category == category && a.AutoResolvable
	})
}

func resolve(list []any, now time.Time, match func(Alert) bool) ([]any, int) {
	resolved := 0
	out := make([]any, 0, len(list))
	ts := now.UnixMilli()
	for _, entry := range list {
		a, ok := Decode(entry)
		if !ok || a.Acknowledged || a.ResolvedAt != nil || !match(a) {
			out = append(out, entry)
			continue
		}
		a.ResolvedAt = &ts
		out = append(out, a.Tree())
		resolved++
	}
	if resolved == 0 {
		return list, 0
	}
	return out, resolved
}

// Prune drops entries resolved longer than window ago. Resolving stamps the
// entry in place so the transition is visible in a patch; pruning removes it
// on a later commit.
func Prune(list []any, now time.Time, window time.Duration) ([]any, bool) {
	cutoff := now.Add(-window).UnixMilli()
	out := make([]any, 0, len(list))
	dropped := false
	for _, entry := range list {
		a, ok := Decode(entry)
		if ok && a.ResolvedAt != nil && *a.ResolvedAt < cutoff {
			dropped = true
			continue
		}
		out = append(out, entry)
	}
	if !dropped {
		return list, false
	}
	return out, true
}

// ActiveByTrigger returns the unresolved alert with the given trigger.
func ActiveByTrigger(list []any, trigger string) (Alert, bool) {
	for _, entry := range list {
		a, ok := Decode(entry)
		if ok && a.Trigger == trigger && a.ResolvedAt == nil {
			return a, true
		}
	}
	return Alert{}, false
}
