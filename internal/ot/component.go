package ot

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Kind distinguishes component variants.
type Kind int

const (
	// KindRetain skips over a run of the base document unchanged.
	KindRetain Kind = iota + 1
	// KindInsert splices new text into the document.
	KindInsert
	// KindDelete removes a run of the base document.
	KindDelete
)

// Component is one step of an operation: retain n, insert text, or delete n.
//
// The zero Component is invalid. Use Retain, Insert, and Delete to construct
// well-formed components.
type Component struct {
	Kind Kind
	N    int    // run length for Retain and Delete
	Text string // payload for Insert, NFC-normalized
}

// Retain returns a component that skips n codepoints of the base document.
func Retain(n int) Component {
	return Component{Kind: KindRetain, N: n}
}

// Insert returns a component that splices text into the document.
// The text is NFC-normalized so all replicas measure the same length.
func Insert(text string) Component {
	return Component{Kind: KindInsert, Text: norm.NFC.String(text)}
}

// Delete returns a component that removes n codepoints of the base document.
func Delete(n int) Component {
	return Component{Kind: KindDelete, N: n}
}

// Len returns the component's length in codepoints: the run length for
// Retain/Delete, the text length for Insert.
func (c Component) Len() int {
	if c.Kind == KindInsert {
		return utf8.RuneCountInString(c.Text)
	}
	return c.N
}

// IsNoop reports whether the component consumes and produces nothing.
func (c Component) IsNoop() bool {
	return c.Len() == 0
}

func (c Component) String() string {
	switch c.Kind {
	case KindRetain:
		return fmt.Sprintf("retain(%d)", c.N)
	case KindInsert:
		return fmt.Sprintf("insert(%q)", c.Text)
	case KindDelete:
		return fmt.Sprintf("delete(%d)", c.N)
	default:
		return fmt.Sprintf("component(kind=%d)", int(c.Kind))
	}
}

// MarshalJSON encodes the component in the compact delta convention:
// a positive integer retains, a negative integer deletes, a string inserts.
func (c Component) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindRetain:
		return json.Marshal(c.N)
	case KindInsert:
		return json.Marshal(c.Text)
	case KindDelete:
		return json.Marshal(-c.N)
	default:
		return nil, fmt.Errorf("marshal component: invalid kind %d", int(c.Kind))
	}
}

// UnmarshalJSON decodes the compact form produced by MarshalJSON.
func (c *Component) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal component: %w", err)
	}
	switch t := v.(type) {
	case string:
		*c = Insert(t)
		return nil
	case float64:
		n := int(t)
		if float64(n) != t {
			return fmt.Errorf("unmarshal component: non-integer length %v", t)
		}
		switch {
		case n > 0:
			*c = Retain(n)
		case n < 0:
			*c = Delete(-n)
		default:
			return fmt.Errorf("unmarshal component: zero-length run")
		}
		return nil
	default:
		return fmt.Errorf("unmarshal component: unsupported value %T", v)
	}
}

// takeFront splits off the first n codepoints of the component.
// n must not exceed c.Len().
func (c Component) takeFront(n int) (head, tail Component) {
	if c.Kind == KindInsert {
		runes := []rune(c.Text)
		return Component{Kind: KindInsert, Text: string(runes[:n])},
			Component{Kind: KindInsert, Text: string(runes[n:])}
	}
	return Component{Kind: c.Kind, N: n}, Component{Kind: c.Kind, N: c.N - n}
}
