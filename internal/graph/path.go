package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/pitabwire/modelmgmt/internal/metadata"
)

// ErrNodeNotFound is returned when a path does not resolve.
var ErrNodeNotFound = errors.New("node not found")

// Segment is one step of a structural path.
type Segment struct {
	Kind metadata.Kind
	ID   string
}

func (s Segment) String() string {
	return string(s.Kind) + "=" + s.ID
}

// Path addresses a node from its top-level model down, serialised as
// "kind=id/kind=id/...".
type Path []Segment

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = s.String()
	}
	return strings.Join(parts, "/")
}

// Last returns the final segment of a non-empty path.
func (p Path) Last() Segment {
	return p[len(p)-1]
}

// ParsePath parses a serialised path.
func ParsePath(s string) (Path, error) {
	s = strings.Trim(strings.TrimSpace(s), "/")
	if s == "" {
		return nil, fmt.Errorf("empty path")
	}
	var p Path
	for _, part := range strings.Split(s, "/") {
		kind, id, ok := strings.Cut(part, "=")
		if !ok || kind == "" || id == "" {
			return nil, fmt.Errorf("invalid path segment %q", part)
		}
		k := metadata.Kind(kind)
		if k != metadata.KindAttribute && !slices.Contains(metadata.Kinds, k) {
			return nil, fmt.Errorf("unknown kind %q in path segment %q", kind, part)
		}
		p = append(p, Segment{Kind: k, ID: id})
	}
	for i, seg := range p {
		if seg.Kind == metadata.KindAttribute && i != len(p)-1 {
			return nil, fmt.Errorf("attribute segment %q must be last", seg)
		}
	}
	return p, nil
}

// PathOf returns the structural path of n from its owning top-level model.
func PathOf(n Node) Path {
	var p Path
	seen := map[Ref]bool{}
	for n != nil && !seen[n.Ref()] {
		seen[n.Ref()] = true
		p = append(p, Segment{Kind: n.Kind(), ID: n.ID()})
		if n.Kind().TopLevel() {
			break
		}
		n = n.Parent()
	}
	slices.Reverse(p)
	return p
}

// Resolve finds the node addressed by an absolute path.
func (g *Graph) Resolve(p Path) (Node, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("empty path")
	}
	root, ok := g.Lookup(p[0].Kind, p[0].ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, p[0])
	}
	return ResolveFrom(root, p[1:])
}

// ResolveFrom finds the node addressed by rel below m, following
// effective (own or shared) entries.
func ResolveFrom(m *Model, rel Path) (Node, error) {
	var cur Node = m
	for i, seg := range rel {
		model, ok := cur.(*Model)
		if !ok {
			return nil, fmt.Errorf("%w: %s below attribute", ErrNodeNotFound, seg)
		}
		if seg.Kind == metadata.KindAttribute {
			a, ok := model.Attribute(seg.ID)
			if !ok || i != len(rel)-1 {
				return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, seg)
			}
			return a, nil
		}
		c, ok := model.Child(seg.Kind, seg.ID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, seg)
		}
		cur = c
	}
	return cur, nil
}
