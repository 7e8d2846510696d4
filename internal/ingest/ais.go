package ingest

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/batch"
	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/pkg/signalk"
)

const (
	// aisChurnRatio and aisChurnCount select a whole-tree replace over
	// per-target updates when the fleet turned over too much to patch
	// economically.
	aisChurnRatio = 0.3
	aisChurnCount = 20
)

// AISExtractor polls /vessels and maintains ais.targets, excluding the own
// vessel. Small diffs become per-target writes; heavy churn becomes a single
// whole-tree replace.
type AISExtractor struct {
	client   *signalk.Client
	coord    *batch.Coordinator
	interval time.Duration
	logger   zerolog.Logger

	selfURN string
	prev    map[string]state.Tree
	now     func() time.Time
}

// NewAISExtractor builds an extractor polling at the given interval.
func NewAISExtractor(client *signalk.Client, coord *batch.Coordinator, interval time.Duration, logger zerolog.Logger) *AISExtractor {
	return &AISExtractor{
		client:   client,
		coord:    coord,
		interval: interval,
		logger:   logger.With().Str("component", "ais").Logger(),
		prev:     map[string]state.Tree{},
		now:      time.Now,
	}
}

// Run polls until ctx is cancelled. Fetch errors are logged and retried on
// the next tick; AIS is best effort.
func (a *AISExtractor) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

func (a *AISExtractor) refresh(ctx context.Context) {
	if a.selfURN == "" {
		self, err := a.client.Self(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Msg("AIS self lookup failed")
			return
		}
		a.selfURN = self
	}

	vessels, err := a.client.Vessels(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("AIS vessel fetch failed")
		return
	}

	next := extractTargets(vessels, a.selfURN, a.now().UnixMilli())
	added, removed, updated := diffTargets(a.prev, next)
	changes := len(added) + len(removed) + len(updated)
	if changes == 0 {
		a.prev = next
		return
	}

	if replaceWholeTree(changes, len(next)) {
		tree := state.Tree{}
		for mmsi, target := range next {
			tree[mmsi] = target
		}
		a.coord.Enqueue(state.KeyAISTargets, state.Replace{Value: tree}, "ais")
		a.logger.Debug().Int("targets", len(next)).Int("changes", changes).Msg("AIS whole-tree replace")
	} else {
		for _, mmsi := range added {
			a.coord.Enqueue(state.KeyAISTargets+"."+mmsi, state.Replace{Value: next[mmsi]}, "ais")
		}
		for _, mmsi := range updated {
			a.coord.Enqueue(state.KeyAISTargets+"."+mmsi, state.Replace{Value: next[mmsi]}, "ais")
		}
		for _, mmsi := range removed {
			a.coord.Enqueue(state.KeyAISTargets+"."+mmsi, state.Tombstone, "ais")
		}
	}

	a.prev = next
}

// replaceWholeTree applies the churn policy: replace when more than 30% of
// the new fleet changed, when over 20 targets changed, or when the fleet
// emptied out.
func replaceWholeTree(changes, totalNew int) bool {
	if totalNew == 0 {
		return true
	}
	return float64(changes)/float64(totalNew) > aisChurnRatio || changes > aisChurnCount
}

// extractTargets projects the /vessels snapshot into target records keyed by
// MMSI. Vessels without a resolvable MMSI or position are skipped.
func extractTargets(vessels map[string]any, selfURN string, nowMS int64) map[string]state.Tree {
	out := map[string]state.Tree{}
	for urn, raw := range vessels {
		if urn == selfURN || urn == "self" {
			continue
		}
		vessel, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		mmsi := vesselMMSI(urn, vessel)
		if mmsi == "" {
			continue
		}
		target, ok := buildTarget(vessel, mmsi, nowMS)
		if !ok {
			continue
		}
		out[mmsi] = target
	}
	return out
}

func vesselMMSI(urn string, vessel map[string]any) string {
	if mmsi, ok := vessel["mmsi"].(string); ok && mmsi != "" {
		return mmsi
	}
	const prefix = "urn:mrn:imo:mmsi:"
	if strings.HasPrefix(urn, prefix) {
		return strings.TrimPrefix(urn, prefix)
	}
	return ""
}

func buildTarget(vessel map[string]any, mmsi string, nowMS int64) (state.Tree, bool) {
	pos := state.LookupTree(state.Tree(vessel), "navigation.position.value")
	lat, okLat := asFloat(pos["latitude"])
	lon, okLon := asFloat(pos["longitude"])
	if !okLat || !okLon {
		return nil, false
	}

	target := state.Tree{
		"mmsi": mmsi,
		"position": map[string]any{
			"latitude":  lat,
			"longitude": lon,
		},
		"lastUpdated": nowMS,
	}
	if name, ok := state.LookupString(state.Tree(vessel), "name"); ok {
		target["name"] = name
	}
	if cs, ok := state.LookupString(state.Tree(vessel), "communication.callsignVhf"); ok {
		target["callsign"] = cs
	}
	for field, path := range map[string]string{
		"sog":     "navigation.speedOverGround.value",
		"cog":     "navigation.courseOverGroundTrue.value",
		"heading": "navigation.headingTrue.value",
	} {
		if v, ok := state.LookupFloat(state.Tree(vessel), path); ok {
			target[field] = v
		}
	}
	return target, true
}

// diffTargets compares fleets, ignoring lastUpdated. Updated means the
// kinematics changed: position, sog, cog, or heading.
func diffTargets(prev, next map[string]state.Tree) (added, removed, updated []string) {
	for mmsi := range next {
		if _, ok := prev[mmsi]; !ok {
			added = append(added, mmsi)
		}
	}
	for mmsi, old := range prev {
		curr, ok := next[mmsi]
		if !ok {
			removed = append(removed, mmsi)
			continue
		}
		if kinematicsChanged(old, curr) {
			updated = append(updated, mmsi)
		}
	}
	return added, removed, updated
}

func kinematicsChanged(old, curr state.Tree) bool {
	for _, field := range []string{"sog", "cog", "heading"} {
		if old[field] != curr[field] {
			return true
		}
	}
	oldPos, _ := old["position"].(map[string]any)
	currPos, _ := curr["position"].(map[string]any)
	if oldPos == nil || currPos == nil {
		return oldPos != nil || currPos != nil
	}
	return oldPos["latitude"] != currPos["latitude"] || oldPos["longitude"] != currPos["longitude"]
}
