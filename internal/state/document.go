// Package state holds the canonical vessel state: a JSON-shaped tree
// addressed by dotted paths, with RFC-6902 patches as the change currency.
// A Document has no lock of its own; the state bus serializes all writers.
package state

import (
	"reflect"
	"sort"
)

// Document is the canonical vessel state tree. Not safe for concurrent use.
type Document struct {
	root Tree
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{root: Tree{}}
}

// FromTree builds a document from an existing tree (replay, tests). The
// tree is normalized and copied.
func FromTree(tree Tree) (*Document, error) {
	normalized, err := normalizeValue(tree)
	if err != nil {
		return nil, err
	}
	root, _ := normalized.(map[string]any)
	if root == nil {
		root = Tree{}
	}
	return &Document{root: root}, nil
}

type tombstone struct{}

// Tombstone marks a batch entry for removal; ApplyBatch emits a remove op
// when the path exists.
var Tombstone = tombstone{}

// Replace forces whole-node replacement instead of the default structural
// merge, producing a single replace op for the path.
type Replace struct {
	Value any
}

// Get returns a deep copy of the value at path.
func (d *Document) Get(path string) (any, bool) {
	v, ok := Lookup(d.root, path)
	if !ok {
		return nil, false
	}
	return deepCopyValue(v), true
}

// Set writes a single value with merge semantics, reporting whether the
// document changed.
func (d *Document) Set(path string, value any) (bool, error) {
	patch, err := d.ApplyBatch(map[string]any{path: value})
	if err != nil {
		return false, err
	}
	return !patch.IsEmpty(), nil
}

// Delete removes the node at path, reporting whether it existed.
func (d *Document) Delete(path string) (bool, error) {
	patch, err := d.ApplyBatch(map[string]any{path: Tombstone})
	if err != nil {
		return false, err
	}
	return !patch.IsEmpty(), nil
}

// Snapshot returns a deep copy of the whole tree.
func (d *Document) Snapshot() Tree {
	return DeepCopyTree(d.root)
}

type batchEntry struct {
	segs    []string
	value   any
	remove  bool
	replace bool
}

// ApplyBatch applies a path→value mapping and returns the RFC-6902 patch
// describing the change. Semantics: objects merge key-wise, scalars and
// arrays replace, deep-equal writes emit no ops, missing intermediates are
// auto-materialized, and the patch applied to the prior snapshot reproduces
// the new one exactly. Paths are processed in sorted order so patches are
// deterministic. Validation happens before any mutation.
func (d *Document) ApplyBatch(batch map[string]any) (Patch, error) {
	if len(batch) == 0 {
		return Patch{}, nil
	}

	paths := make([]string, 0, len(batch))
	for p := range batch {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	entries := make([]batchEntry, 0, len(paths))
	for _, path := range paths {
		segs, err := splitPath(path)
		if err != nil {
			return nil, err
		}
		raw := batch[path]
		if _, isTomb := raw.(tombstone); isTomb {
			entries = append(entries, batchEntry{segs: segs, remove: true})
			continue
		}
		replaceMode := false
		if r, ok := raw.(Replace); ok {
			replaceMode = true
			raw = r.Value
		}
		value, err := normalizeValue(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, batchEntry{segs: segs, value: value, replace: replaceMode})
	}

	patch := Patch{}
	for _, e := range entries {
		ops, err := d.applyEntry(e)
		if err != nil {
			return nil, err
		}
		patch = append(patch, ops...)
	}
	return patch, nil
}

func (d *Document) applyEntry(e batchEntry) (Patch, error) {
	if e.remove {
		return d.removeNode(e.segs), nil
	}

	cur := d.root
	for i := 0; i < len(e.segs)-1; i++ {
		child, ok := cur[e.segs[i]]
		if !ok {
			// Auto-materialize: a single add at the highest absent
			// ancestor keeps the patch applicable to the prior snapshot.
			wrapped := wrapValue(e.segs[i+1:], e.value)
			op := NewOperation("add", pointerFromSegments(e.segs[:i+1]), deepCopyValue(wrapped))
			cur[e.segs[i]] = wrapped
			return Patch{op}, nil
		}
		childMap, isMap := child.(map[string]any)
		if !isMap {
			// A scalar blocks the path; replace it with the wrapped object.
			wrapped := wrapValue(e.segs[i+1:], e.value)
			op := NewOperation("replace", pointerFromSegments(e.segs[:i+1]), deepCopyValue(wrapped))
			cur[e.segs[i]] = wrapped
			return Patch{op}, nil
		}
		cur = childMap
	}

	last := e.segs[len(e.segs)-1]
	pointer := pointerFromSegments(e.segs)
	old, exists := cur[last]
	if !exists {
		op := NewOperation("add", pointer, deepCopyValue(e.value))
		cur[last] = e.value
		return Patch{op}, nil
	}

	if !e.replace {
		if oldMap, okOld := old.(map[string]any); okOld {
			if newMap, okNew := e.value.(map[string]any); okNew {
				merged := mergeTrees(oldMap, newMap)
				ops, err := subtreeDiff(oldMap, merged, pointer)
				if err != nil {
					return nil, err
				}
				if len(ops) == 0 {
					return nil, nil
				}
				cur[last] = merged
				return ops, nil
			}
		}
	}

	if reflect.DeepEqual(old, e.value) {
		return nil, nil
	}
	op := NewOperation("replace", pointer, deepCopyValue(e.value))
	cur[last] = e.value
	return Patch{op}, nil
}

func (d *Document) removeNode(segs []string) Patch {
	cur := d.root
	for i := 0; i < len(segs)-1; i++ {
		childMap, ok := cur[segs[i]].(map[string]any)
		if !ok {
			return nil
		}
		cur = childMap
	}
	last := segs[len(segs)-1]
	if _, exists := cur[last]; !exists {
		return nil
	}
	delete(cur, last)
	return Patch{NewOperation("remove", pointerFromSegments(segs), nil)}
}

// wrapValue nests a value under the remaining path segments.
func wrapValue(rest []string, value any) any {
	for i := len(rest) - 1; i >= 0; i-- {
		value = Tree{rest[i]: value}
	}
	return value
}

// mergeTrees merges new into old key-wise without mutating either.
func mergeTrees(old, new Tree) Tree {
	merged := make(Tree, len(old)+len(new))
	for k, v := range old {
		merged[k] = v
	}
	for k, v := range new {
		if oldSub, ok := merged[k].(map[string]any); ok {
			if newSub, ok2 := v.(map[string]any); ok2 {
				merged[k] = mergeTrees(oldSub, newSub)
				continue
			}
		}
		merged[k] = v
	}
	return merged
}
