package types

// Node is a property-graph node. ID is the database-native identifier and is
// only meaningful for the lifetime of a connection; use Ref for matching.
type Node struct {
	ID         string     `json:"id"`
	Labels     []string   `json:"labels"`
	Properties Properties `json:"properties"`
}

// HasLabel reports whether the node carries the label.
func (n *Node) HasLabel(label Label) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Label returns the first managed label on the node, or the first label
// when none is managed.
func (n *Node) Label() Label {
	for _, l := range n.Labels {
		if IsKnownLabel(l) {
			return l
		}
	}
	if len(n.Labels) > 0 {
		return n.Labels[0]
	}
	return ""
}

// Ref returns the domain-key reference for the node. The second return is
// false when the node has no managed label or lacks its key property.
func (n *Node) Ref() (NodeRef, bool) {
	label := n.Label()
	prop, ok := KeyProperty(label)
	if !ok {
		return NodeRef{}, false
	}
	key := n.Properties.String(prop)
	if key == "" {
		return NodeRef{}, false
	}
	return NodeRef{Label: label, Key: key}, true
}

// Edge is a directed, typed relationship between two nodes.
type Edge struct {
	ID         string     `json:"id"`
	FromID     string     `json:"fromId"`
	ToID       string     `json:"toId"`
	Type       string     `json:"type"`
	Properties Properties `json:"properties,omitempty"`
}

// NodeRef identifies a node by label and domain key.
type NodeRef struct {
	Label Label  `json:"label"`
	Key   string `json:"key"`
}

// KeyProperty returns the property that holds the reference's key.
func (r NodeRef) KeyProperty() string {
	k, _ := KeyProperty(r.Label)
	return k
}

// IsZero reports whether the reference is empty.
func (r NodeRef) IsZero() bool { return r.Label == "" && r.Key == "" }

func (r NodeRef) String() string { return r.Label + ":" + r.Key }

// Incidence is one edge touching a node together with the node at the other
// end. Outgoing is true when the edge leaves the node it was queried for.
type Incidence struct {
	Edge     Edge `json:"edge"`
	Neighbor Node `json:"neighbor"`
	Outgoing bool `json:"outgoing"`
}
