package state

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonpatchapply "github.com/evanphx/json-patch/v5"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
)

// Patch is an ordered list of RFC-6902 operations (add, replace, remove)
// describing the transition between two committed states.
type Patch []jsonpatch.Operation

// IsEmpty reports whether the patch carries no operations.
func (p Patch) IsEmpty() bool {
	return len(p) == 0
}

// Ops returns the patch as plain values for JSON envelopes.
func (p Patch) Ops() []jsonpatch.Operation {
	return p
}

// NewOperation builds a single RFC-6902 operation.
func NewOperation(op, pointer string, value any) jsonpatch.Operation {
	return jsonpatch.Operation{Operation: op, Path: pointer, Value: encodableValue(op, value)}
}

// encodableValue keeps explicit nulls on the wire: Operation marshals Value
// with omitempty, which would otherwise drop the value field of an
// add/replace carrying null and make the patch unappliable.
func encodableValue(op string, value any) any {
	if value == nil && op != "remove" {
		return json.RawMessage("null")
	}
	return value
}

func sanitizeOps(ops []jsonpatch.Operation) []jsonpatch.Operation {
	for i := range ops {
		ops[i].Value = encodableValue(ops[i].Operation, ops[i].Value)
	}
	return ops
}

// Diff computes the RFC-6902 patch transforming prev into curr.
func Diff(prev, curr Tree) (Patch, error) {
	prevJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("marshal previous state: %w", err)
	}
	currJSON, err := json.Marshal(curr)
	if err != nil {
		return nil, fmt.Errorf("marshal current state: %w", err)
	}
	ops, err := jsonpatch.CreatePatch(prevJSON, currJSON)
	if err != nil {
		return nil, fmt.Errorf("diff states: %w", err)
	}
	return Patch(sanitizeOps(ops)), nil
}

// subtreeDiff diffs two values rooted at the given JSON pointer and rebases
// the resulting operation paths onto it.
func subtreeDiff(old, new any, pointer string) (Patch, error) {
	oldJSON, err := json.Marshal(old)
	if err != nil {
		return nil, fmt.Errorf("marshal subtree: %w", err)
	}
	newJSON, err := json.Marshal(new)
	if err != nil {
		return nil, fmt.Errorf("marshal subtree: %w", err)
	}
	ops, err := jsonpatch.CreatePatch(oldJSON, newJSON)
	if err != nil {
		return nil, fmt.Errorf("diff subtree: %w", err)
	}
	for i := range ops {
		ops[i].Path = pointer + ops[i].Path
	}
	return Patch(sanitizeOps(ops)), nil
}

// ApplyPatch applies a patch to a snapshot, returning the patched tree. The
// input tree is not modified. Used by replay and by consumers verifying
// patch streams.
func ApplyPatch(prev Tree, patch Patch) (Tree, error) {
	if patch.IsEmpty() {
		return DeepCopyTree(prev), nil
	}
	docJSON, err := json.Marshal(prev)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal patch: %w", err)
	}
	decoded, err := jsonpatchapply.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	patched, err := decoded.Apply(docJSON)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	var out Tree
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("unmarshal patched snapshot: %w", err)
	}
	return out, nil
}

// escapePointerSegment escapes a path segment per RFC 6901.
func escapePointerSegment(seg string) string {
	seg = strings.ReplaceAll(seg, "~", "~0")
	return strings.ReplaceAll(seg, "/", "~1")
}

// pointerFromSegments renders dotted-path segments as a JSON pointer.
func pointerFromSegments(segs []string) string {
	var b strings.Builder
	for _, seg := range segs {
		b.WriteByte('/')
		b.WriteString(escapePointerSegment(seg))
	}
	return b.String()
}

// PointerFor converts a dotted path to its RFC-6901 pointer form.
func PointerFor(path string) (string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", err
	}
	return pointerFromSegments(segs), nil
}
