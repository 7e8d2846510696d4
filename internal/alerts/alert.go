// Package alerts defines the alert model, list operations over the
// alerts.active subtree, and the static rule set the derivation engine
// evaluates on every commit.
package alerts

import (
	"crypto/rand"
	"encoding/json"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Level is the alert severity.
type Level string

const (
	LevelInfo      Level = "info"
	LevelWarning   Level = "warning"
	LevelError     Level = "error"
	LevelCritical  Level = "critical"
	LevelEmergency Level = "emergency"
)

// Alert categories.
const (
	CategoryAnchor      = "anchor"
	CategoryEnvironment = "environment"
	CategorySignalK     = "signalk"
)

// Alert is one entry of alerts.active. Timestamps are epoch milliseconds to
// match the wire envelopes.
type Alert struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Category       string         `json:"category"`
	Source         string         `json:"source"`
	Level          Level          `json:"level"`
	Label          string         `json:"label"`
	Message        string         `json:"message"`
	Trigger        string         `json:"trigger"`
	Data           map[string]any `json:"data,omitempty"`
	AutoResolvable bool           `json:"autoResolvable"`
	Acknowledged   bool           `json:"acknowledged"`
	CreatedAt      int64          `json:"createdAt"`
	ResolvedAt     *int64         `json:"resolvedAt,omitempty"`
}

// Seed is the rule-supplied portion of a new alert; the engine assigns ID
// and CreatedAt.
type Seed struct {
	Type           string
	Category       string
	Source         string
	Level          Level
	Label          string
	Message        string
	Data           map[string]any
	AutoResolvable bool
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID returns a ULID, sortable by creation time.
func NewID(now time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), entropy).String()
}

// FromSeed materializes an alert from a rule seed.
func FromSeed(seed Seed, trigger string, now time.Time) Alert {
	return Alert{
		ID:             NewID(now),
		Type:           seed.Type,
		Category:       seed.Category,
		Source:         seed.Source,
		Level:          seed.Level,
		Label:          seed.Label,
		Message:        seed.Message,
		Trigger:        trigger,
		Data:           seed.Data,
		AutoResolvable: seed.AutoResolvable,
		CreatedAt:      now.UnixMilli(),
	}
}

// Tree renders the alert in the JSON-shaped form stored in the state
// document.
func (a Alert) Tree() map[string]any {
	raw, err := json.Marshal(a)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

// Decode parses one alerts.active entry back into an Alert.
func Decode(entry any) (Alert, bool) {
	m, ok := entry.(map[string]any)
	if !ok {
		return Alert{}, false
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Alert{}, false
	}
	var a Alert
	if err := json.Unmarshal(raw, &a); err != nil {
		return Alert{}, false
	}
	return a, true
}
