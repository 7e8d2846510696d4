// Package bus is the single publication point for vessel state. All mutation
// funnels through the commit lock so patches are totally ordered by commit
// sequence number; readers take deep-copied snapshots and never block
// writers.
package bus

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/state"
)

// Deriver recomputes derived fields and evaluates alert rules after each raw
// commit. Implemented by the derivation engine.
type Deriver interface {
	Derive(curr, prev state.Tree, now time.Time) map[string]any
	Alerts(curr, prev state.Tree, now time.Time) ([]any, bool)
}

// PatchEvent carries one committed transition.
type PatchEvent struct {
	Seq       uint64
	Patch     state.Patch
	Timestamp int64 // epoch ms
}

// FullUpdateEvent carries a whole snapshot and the seq it reflects.
type FullUpdateEvent struct {
	Seq       uint64
	State     state.Tree
	Timestamp int64
}

// Bus owns the state document. Listeners are invoked synchronously in commit
// order while the commit lock is held, so they must hand work off quickly
// and never re-enter the bus.
type Bus struct {
	mu     sync.Mutex
	doc    *state.Document
	seq    uint64
	engine Deriver
	logger zerolog.Logger
	now    func() time.Time

	subMu       sync.RWMutex
	nextSubID   int
	patchSubs   map[int]func(PatchEvent)
	fullSubs    map[int]func(FullUpdateEvent)
	tideSubs    map[int]func(map[string]any)
	weatherSubs map[int]func(map[string]any)

	clientMu    sync.Mutex
	clientCount int
}

// New creates a bus over an empty document. engine may be nil (tests).
func New(engine Deriver, logger zerolog.Logger) *Bus {
	return &Bus{
		doc:         state.NewDocument(),
		engine:      engine,
		logger:      logger,
		now:         time.Now,
		patchSubs:   make(map[int]func(PatchEvent)),
		fullSubs:    make(map[int]func(FullUpdateEvent)),
		tideSubs:    make(map[int]func(map[string]any)),
		weatherSubs: make(map[int]func(map[string]any)),
	}
}

// SetClock overrides the time source (tests).
func (b *Bus) SetClock(now func() time.Time) {
	b.now = now
}

// Commit applies a batch atomically: raw writes, then derivation output,
// then rule effects, all in one totally-ordered patch. An effectively empty
// batch commits nothing and does not advance the sequence.
func (b *Bus) Commit(batch map[string]any) (state.Patch, uint64, error) {
	return b.commitFn(func(state.Tree) map[string]any { return batch })
}

// commitFn builds the batch from the current snapshot under the commit lock,
// for mutators whose writes depend on present state.
func (b *Bus) commitFn(build func(curr state.Tree) map[string]any) (state.Patch, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	prev := b.doc.Snapshot()

	batch := build(prev)
	if len(batch) == 0 {
		return state.Patch{}, b.seq, nil
	}
	mirrorAISAlias(batch)

	patch, err := b.doc.ApplyBatch(batch)
	if err != nil {
		return nil, b.seq, err
	}

	if !patch.IsEmpty() && b.engine != nil {
		mid := b.doc.Snapshot()
		if derived := b.engine.Derive(mid, prev, now); len(derived) > 0 {
			derivedPatch, err := b.doc.ApplyBatch(derived)
			if err != nil {
				b.logger.Error().Err(err).Msg("Derivation batch failed, committing raw patch only")
			} else {
				patch = append(patch, derivedPatch...)
			}
		}

		post := b.doc.Snapshot()
		if list, changed := b.engine.Alerts(post, prev, now); changed {
			alertsPatch, err := b.doc.ApplyBatch(map[string]any{
				state.KeyActiveAlerts: state.Replace{Value: list},
			})
			if err != nil {
				b.logger.Error().Err(err).Msg("Alert batch failed")
			} else {
				patch = append(patch, alertsPatch...)
			}
		}
	}

	if patch.IsEmpty() {
		return state.Patch{}, b.seq, nil
	}

	b.seq++
	event := PatchEvent{Seq: b.seq, Patch: patch, Timestamp: now.UnixMilli()}
	for _, fn := range b.patchListeners() {
		fn(event)
	}
	return patch, b.seq, nil
}

// CurrentSnapshot returns a deep copy of the state and the seq it reflects.
func (b *Bus) CurrentSnapshot() (state.Tree, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doc.Snapshot(), b.seq
}

// EmitFullUpdate publishes the current snapshot to full-update listeners.
// The batch coordinator calls this as the periodic heartbeat.
func (b *Bus) EmitFullUpdate() {
	b.mu.Lock()
	event := FullUpdateEvent{Seq: b.seq, State: b.doc.Snapshot(), Timestamp: b.now().UnixMilli()}
	b.mu.Unlock()

	for _, fn := range b.fullListeners() {
		fn(event)
	}
}

// OnPatch registers a patch listener and returns its unsubscribe func.
func (b *Bus) OnPatch(fn func(PatchEvent)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.patchSubs[id] = fn
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.patchSubs, id)
	}
}

// OnFullUpdate registers a full-update listener.
func (b *Bus) OnFullUpdate(fn func(FullUpdateEvent)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.fullSubs[id] = fn
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.fullSubs, id)
	}
}

// OnTide registers a tide-update listener.
func (b *Bus) OnTide(fn func(map[string]any)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.tideSubs[id] = fn
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.tideSubs, id)
	}
}

// OnWeather registers a weather-update listener.
func (b *Bus) OnWeather(fn func(map[string]any)) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextSubID
	b.nextSubID++
	b.weatherSubs[id] = fn
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.weatherSubs, id)
	}
}

func (b *Bus) patchListeners() []func(PatchEvent) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]func(PatchEvent), 0, len(b.patchSubs))
	for _, fn := range b.patchSubs {
		out = append(out, fn)
	}
	return out
}

func (b *Bus) fullListeners() []func(FullUpdateEvent) {
	b.subMu.RLock()
	defer b.subMu.RUnlock()
	out := make([]func(FullUpdateEvent), 0, len(b.fullSubs))
	for _, fn := range b.fullSubs {
		out = append(out, fn)
	}
	return out
}

// AddClients adjusts the aggregate client count (direct + remote), floored
// at zero, and returns the new value.
func (b *Bus) AddClients(delta int) int {
	b.clientMu.Lock()
	defer b.clientMu.Unlock()
	b.clientCount += delta
	if b.clientCount < 0 {
		b.clientCount = 0
	}
	return b.clientCount
}

// ClientCount returns the current aggregate client count.
func (b *Bus) ClientCount() int {
	b.clientMu.Lock()
	defer b.clientMu.Unlock()
	return b.clientCount
}

// mirrorAISAlias mirrors canonical ais.targets writes onto the legacy
// aisTargets alias so both stay byte-identical within the same commit.
func mirrorAISAlias(batch map[string]any) {
	for path, value := range batch {
		if path == state.KeyAISTargets || strings.HasPrefix(path, state.KeyAISTargets+".") {
			batch[state.KeyAISLegacy+path[len(state.KeyAISTargets):]] = value
		}
	}
}
