package agency

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ErrNotFound is returned by Node.Get for a path with no entry.
var ErrNotFound = errors.New("agency: path not found")

// Node is a read-only, point-in-time view of an agency subtree.
//
// A Node wraps a JSON-shaped value: map[string]any for objects, []any for
// arrays, string/float64/bool/nil for scalars. Nodes are pure values: the
// supervisor refreshes one snapshot per tick and every health check and
// job reads from that same snapshot, so all of them observe one consistent
// world. Nothing a Node hands out may be mutated.
//
// Accessors come in option form — (value, ok) — instead of raising on a
// missing or mistyped entry; a failed lookup is ordinary control flow for
// the supervisor, not an exception.
type Node struct {
	v any
}

// NewNode wraps a decoded JSON value as a snapshot node. The value is
// normalized to JSON shape (maps, slices, float64 numbers) so that deep
// comparison against wire data behaves consistently.
func NewNode(v any) *Node {
	return &Node{v: normalize(v)}
}

// emptyNode stands in for an absent subtree so that callers can chain
// Children()/Get() without nil checks.
var emptyNode = &Node{v: nil}

// Value returns the underlying JSON-shaped value.
func (n *Node) Value() any {
	if n == nil {
		return nil
	}
	return n.v
}

// splitPath splits "/Plan/Collections/db" into its non-empty segments.
func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Get returns the node at path, or ErrNotFound if any segment is missing.
// Path segments traverse objects only; indexing into arrays is not part of
// the agency's addressing model.
func (n *Node) Get(path string) (*Node, error) {
	cur := n.Value()
	for _, seg := range splitPath(path) {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
	}
	return &Node{v: cur}, nil
}

// Has reports whether the full path exists.
func (n *Node) Has(path string) bool {
	_, err := n.Get(path)
	return err == nil
}

// Exists returns how many leading segments of path resolve, plus one for
// the root. A full match of k segments returns k+1; a root node with no
// match of the first segment returns 1. Callers compare against
// len(segments)+1 to test full existence of deep entries.
func (n *Node) Exists(path string) int {
	depth := 1
	cur := n.Value()
	for _, seg := range splitPath(path) {
		obj, ok := cur.(map[string]any)
		if !ok {
			break
		}
		cur, ok = obj[seg]
		if !ok {
			break
		}
		depth++
	}
	return depth
}

// Child is one named entry of an object node.
type Child struct {
	Name string
	Node *Node
}

// Children returns the object entries at this node in stable key order.
// A non-object node has no children.
func (n *Node) Children() []Child {
	obj, ok := n.Value().(map[string]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(obj))
	for name := range obj {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]Child, 0, len(names))
	for _, name := range names {
		out = append(out, Child{Name: name, Node: &Node{v: obj[name]}})
	}
	return out
}

// ChildNode returns the named child, or an empty node placeholder. Use Get
// when absence must be distinguished.
func (n *Node) ChildNode(name string) *Node {
	c, err := n.Get(name)
	if err != nil {
		return emptyNode
	}
	return c
}

// Str returns the node's string value.
func (n *Node) Str() (string, bool) {
	s, ok := n.Value().(string)
	return s, ok
}

// UInt returns the node's unsigned integer value. JSON numbers arrive as
// float64; negative or fractional values do not convert.
func (n *Node) UInt() (uint64, bool) {
	switch v := n.Value().(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return 0, false
		}
		return uint64(v), true
	case json.Number:
		u, err := v.Int64()
		if err != nil || u < 0 {
			return 0, false
		}
		return uint64(u), true
	default:
		return 0, false
	}
}

// Bool returns the node's boolean value.
func (n *Node) Bool() (bool, bool) {
	b, ok := n.Value().(bool)
	return b, ok
}

// Array returns the node's elements.
func (n *Node) Array() ([]*Node, bool) {
	arr, ok := n.Value().([]any)
	if !ok {
		return nil, false
	}
	out := make([]*Node, len(arr))
	for i, v := range arr {
		out[i] = &Node{v: v}
	}
	return out, true
}

// StringArray returns the node's elements as strings. Non-string elements
// fail the conversion.
func (n *Node) StringArray() ([]string, bool) {
	arr, ok := n.Value().([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, len(arr))
	for i, v := range arr {
		s, ok := v.(string)
		if !ok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

// IsObject reports whether the node is an object.
func (n *Node) IsObject() bool {
	_, ok := n.Value().(map[string]any)
	return ok
}

// IsArray reports whether the node is an array.
func (n *Node) IsArray() bool {
	_, ok := n.Value().([]any)
	return ok
}

// normalize converts arbitrary Go values into JSON shape so that values
// written directly to the in-memory store compare equal to values that
// crossed the wire. Marshal/unmarshal keeps the conversion rules in one
// place.
func normalize(v any) any {
	switch v.(type) {
	case nil, string, bool, float64:
		return v
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
