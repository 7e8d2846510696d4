package alerts

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/state"
)

// ResolvedRetention keeps resolved alerts visible for a short window so the
// resolving patch reaches consumers before the entry disappears.
const ResolvedRetention = 5 * time.Minute

// Evaluate runs the rule set in declaration order against the committed
// state, returning the next alerts.active list and whether it changed. A
// panic in one rule is logged and skips only that rule.
func Evaluate(rules []Rule, list []any, curr, prev state.Tree, now time.Time, logger zerolog.Logger) ([]any, bool) {
	changed := false

	for _, rule := range rules {
		next, ruleChanged := evaluateOne(rule, list, curr, prev, now, logger)
		if ruleChanged {
			list = next
			changed = true
		}
	}

	if pruned, dropped := Prune(list, now, ResolvedRetention); dropped {
		list = pruned
		changed = true
	}

	return list, changed
}

func evaluateOne(rule Rule, list []any, curr, prev state.Tree, now time.Time, logger zerolog.Logger) (out []any, changed bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("rule", rule.Name).Msg("Alert rule panicked, skipping")
			out, changed = list, false
		}
	}()

	if rule.Condition == nil || !rule.Condition(curr, prev) {
		return list, false
	}

	switch rule.Action.Type {
	case ActionCreateAlert:
		if rule.Action.Payload == nil {
			logger.Warn().Str("rule", rule.Name).Msg("CREATE_ALERT rule without payload, skipping")
			return list, false
		}
		seed := rule.Action.Payload(curr)
		alert := FromSeed(seed, rule.Action.Trigger, now)
		next, appended := Append(list, alert)
		if appended {
			logger.Info().
				Str("rule", rule.Name).
				Str("trigger", alert.Trigger).
				Str("level", string(alert.Level)).
				Msg("Alert created")
		}
		return next, appended

	case ActionResolveAlerts:
		var next []any
		var n int
		if rule.Action.Trigger != "" {
			next, n = ResolveTrigger(list, rule.Action.Trigger, now)
		} else if rule.Action.Category != "" {
			next, n = ResolveCategory(list, rule.Action.Category, now)
		} else {
			return list, false
		}
		if n > 0 {
			logger.Info().
				Str("rule", rule.Name).
				Str("trigger", rule.Action.Trigger).
				Str("category", rule.Action.Category).
				Int("resolved", n).
				Msg("Alerts resolved")
		}
		return next, n > 0

	default:
		logger.Warn().Str("rule", rule.Name).Str("action", string(rule.Action.Type)).Msg("Unknown rule action, skipping")
		return list, false
	}
}
