// Package rope provides an immutable rope over Unicode codepoints.
//
// Every edit returns a new Rope that shares unmodified subtrees with its
// predecessor. The document model keeps one snapshot per revision, so
// structural sharing is what keeps repeated application sub-linear relative
// to copying the whole document on every accepted edit.
package rope

import "strings"

// maxLeafLen caps leaf size in codepoints. Edits split at most two leaves,
// so the cost of an edit is bounded by tree depth plus one leaf copy.
const maxLeafLen = 512

// rebalanceDepth triggers a rebuild when edit chains skew the tree.
const rebalanceDepth = 64

// Rope is an immutable sequence of codepoints. The zero value is empty.
type Rope struct {
	root *node
}

// node is either a leaf (text != nil) or an internal node with two children.
// weight is the codepoint length of the left subtree.
type node struct {
	left, right *node
	text        []rune
	weight      int
	length      int
	depth       int
}

func leaf(text []rune) *node {
	return &node{text: text, length: len(text)}
}

func branch(l, r *node) *node {
	if l == nil || l.length == 0 {
		return r
	}
	if r == nil || r.length == 0 {
		return l
	}
	// Merge small neighbors instead of growing the tree.
	if l.text != nil && r.text != nil && l.length+r.length <= maxLeafLen {
		merged := make([]rune, 0, l.length+r.length)
		merged = append(merged, l.text...)
		merged = append(merged, r.text...)
		return leaf(merged)
	}
	return &node{
		left:   l,
		right:  r,
		weight: l.length,
		length: l.length + r.length,
		depth:  1 + max(l.depth, r.depth),
	}
}

// New builds a rope from s.
func New(s string) *Rope {
	return &Rope{root: build([]rune(s))}
}

func build(runes []rune) *node {
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= maxLeafLen {
		return leaf(runes)
	}
	mid := len(runes) / 2
	return branch(build(runes[:mid]), build(runes[mid:]))
}

// Len returns the rope's length in codepoints.
func (r *Rope) Len() int {
	if r == nil || r.root == nil {
		return 0
	}
	return r.root.length
}

// String materializes the full content.
func (r *Rope) String() string {
	if r == nil || r.root == nil {
		return ""
	}
	var b strings.Builder
	b.Grow(r.root.length)
	r.root.report(&b)
	return b.String()
}

func (n *node) report(b *strings.Builder) {
	if n == nil {
		return
	}
	if n.text != nil {
		b.WriteString(string(n.text))
		return
	}
	n.left.report(b)
	n.right.report(b)
}

// Slice returns the codepoints in [i, j) as a string.
// Indices outside [0, Len()] are clamped.
func (r *Rope) Slice(i, j int) string {
	n := r.Len()
	i = clamp(i, 0, n)
	j = clamp(j, i, n)
	if i == j {
		return ""
	}
	_, rest := split(r.rootOrNil(), i)
	mid, _ := split(rest, j-i)
	var b strings.Builder
	b.Grow(j - i)
	mid.report(&b)
	return b.String()
}

// Insert returns a new rope with s spliced in at codepoint index i.
// The receiver is unchanged.
func (r *Rope) Insert(i int, s string) *Rope {
	if s == "" {
		return r.selfOrEmpty()
	}
	i = clamp(i, 0, r.Len())
	l, rest := split(r.rootOrNil(), i)
	return &Rope{root: rebalance(branch(branch(l, build([]rune(s))), rest))}
}

// Delete returns a new rope with n codepoints removed starting at i.
// The receiver is unchanged.
func (r *Rope) Delete(i, n int) *Rope {
	if n <= 0 {
		return r.selfOrEmpty()
	}
	length := r.Len()
	i = clamp(i, 0, length)
	n = clamp(n, 0, length-i)
	l, rest := split(r.rootOrNil(), i)
	_, tail := split(rest, n)
	return &Rope{root: rebalance(branch(l, tail))}
}

// Concat returns the concatenation of r and other, sharing both trees.
func (r *Rope) Concat(other *Rope) *Rope {
	return &Rope{root: rebalance(branch(r.rootOrNil(), other.rootOrNil()))}
}

func (r *Rope) rootOrNil() *node {
	if r == nil {
		return nil
	}
	return r.root
}

func (r *Rope) selfOrEmpty() *Rope {
	if r == nil {
		return &Rope{}
	}
	return r
}

// split divides n into the first i codepoints and the remainder.
// Nodes on the cut path are copied; everything else is shared.
func split(n *node, i int) (*node, *node) {
	if n == nil {
		return nil, nil
	}
	if i <= 0 {
		return nil, n
	}
	if i >= n.length {
		return n, nil
	}
	if n.text != nil {
		// Leaf slices share the backing array; leaves are never mutated.
		return leaf(n.text[:i]), leaf(n.text[i:])
	}
	if i < n.weight {
		ll, lr := split(n.left, i)
		return ll, branch(lr, n.right)
	}
	rl, rr := split(n.right, i-n.weight)
	return branch(n.left, rl), rr
}

// rebalance rebuilds the tree when repeated edits have skewed it.
// Rebuilding is O(n) but amortized away by the depth threshold.
func rebalance(n *node) *node {
	if n == nil || n.depth <= rebalanceDepth {
		return n
	}
	runes := make([]rune, 0, n.length)
	runes = collect(n, runes)
	return build(runes)
}

func collect(n *node, runes []rune) []rune {
	if n == nil {
		return runes
	}
	if n.text != nil {
		return append(runes, n.text...)
	}
	runes = collect(n.left, runes)
	return collect(n.right, runes)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
