package graph

import (
	"fmt"
	"strings"

	"github.com/scrypster/graphsync/pkg/types"
)

// OpKind identifies a batch operation.
type OpKind int

const (
	// OpMergeNode finds-or-creates a node by domain key and overlays
	// Properties. With no properties it creates a key-only stub and leaves an
	// existing node untouched.
	OpMergeNode OpKind = iota + 1

	// OpUpdateNode overlays Properties onto an existing node. Fails with
	// ErrNotFound when the node is missing.
	OpUpdateNode

	// OpDeleteNode removes a node and its incident edges. Missing nodes are
	// ignored.
	OpDeleteNode

	// OpMergeEdge finds-or-creates the (From, To, EdgeType) edge and overlays
	// Properties. When AssertedBy is set it is added to the edge's
	// asserted-by list. Fails with MissingEndpointError when an endpoint does
	// not exist.
	OpMergeEdge

	// OpDeleteEdge removes the (From, To, EdgeType) edge if present.
	OpDeleteEdge

	// OpDeleteIncident removes every edge of Node in Direction whose type is
	// in EdgeTypes.
	OpDeleteIncident

	// OpRetract removes AssertedBy from the asserted-by list of every edge and
	// deletes edges whose list becomes empty.
	OpRetract
)

var opNames = map[OpKind]string{
	OpMergeNode:      "merge_node",
	OpUpdateNode:     "update_node",
	OpDeleteNode:     "delete_node",
	OpMergeEdge:      "merge_edge",
	OpDeleteEdge:     "delete_edge",
	OpDeleteIncident: "delete_incident",
	OpRetract:        "retract",
}

func (k OpKind) String() string {
	if n, ok := opNames[k]; ok {
		return n
	}
	return fmt.Sprintf("op(%d)", int(k))
}

// AssertedByProperty is the edge property listing the facts that assert a
// semantic edge.
const AssertedByProperty = "factIds"

// StubProperty is set to true on nodes created only as an edge endpoint.
const StubProperty = "stub"

// Operation is one step of a transactional batch. Nodes are always addressed
// by domain key.
type Operation struct {
	Kind       OpKind
	Node       types.NodeRef
	From       types.NodeRef
	To         types.NodeRef
	EdgeType   string
	EdgeTypes  []string
	Direction  types.Direction
	Properties types.Properties
	AssertedBy string
}

func MergeNode(ref types.NodeRef, props types.Properties) Operation {
	return Operation{Kind: OpMergeNode, Node: ref, Properties: props}
}

// MergeStub ensures a key-only node exists so an edge can point at it.
func MergeStub(ref types.NodeRef) Operation {
	return Operation{Kind: OpMergeNode, Node: ref}
}

func UpdateNode(ref types.NodeRef, props types.Properties) Operation {
	return Operation{Kind: OpUpdateNode, Node: ref, Properties: props}
}

func DeleteNode(ref types.NodeRef) Operation {
	return Operation{Kind: OpDeleteNode, Node: ref}
}

func MergeEdge(from, to types.NodeRef, relType string, props types.Properties) Operation {
	return Operation{Kind: OpMergeEdge, From: from, To: to, EdgeType: relType, Properties: props}
}

// AssertEdge merges a semantic edge on behalf of the fact factID.
func AssertEdge(from, to types.NodeRef, relType, factID string, props types.Properties) Operation {
	return Operation{Kind: OpMergeEdge, From: from, To: to, EdgeType: relType, Properties: props, AssertedBy: factID}
}

func DeleteEdge(from, to types.NodeRef, relType string) Operation {
	return Operation{Kind: OpDeleteEdge, From: from, To: to, EdgeType: relType}
}

func DeleteOutgoing(ref types.NodeRef, relTypes ...string) Operation {
	return Operation{Kind: OpDeleteIncident, Node: ref, EdgeTypes: relTypes, Direction: types.DirectionOutgoing}
}

func DeleteIncoming(ref types.NodeRef, relTypes ...string) Operation {
	return Operation{Kind: OpDeleteIncident, Node: ref, EdgeTypes: relTypes, Direction: types.DirectionIncoming}
}

// Retract withdraws every edge assertion made by factID. Adapters may locate
// the asserted edges through the fact's MENTIONS edges, so a batch retracts
// before it removes them.
func Retract(factID string) Operation {
	return Operation{Kind: OpRetract, AssertedBy: factID}
}

// Validate checks that the operation is well formed and that every label and
// relationship type is a safe identifier.
func (op Operation) Validate() error {
	switch op.Kind {
	case OpMergeNode, OpUpdateNode, OpDeleteNode:
		return validateRef(op.Node)
	case OpMergeEdge, OpDeleteEdge:
		if err := validateRef(op.From); err != nil {
			return err
		}
		if err := validateRef(op.To); err != nil {
			return err
		}
		return ValidateIdentifier(op.EdgeType)
	case OpDeleteIncident:
		if err := validateRef(op.Node); err != nil {
			return err
		}
		if !op.Direction.IsValid() {
			return &InvalidPropertyError{Field: "direction", Reason: fmt.Sprintf("invalid direction %q", op.Direction)}
		}
		if len(op.EdgeTypes) == 0 {
			return &InvalidPropertyError{Field: "edgeTypes", Reason: "at least one type required"}
		}
		for _, t := range op.EdgeTypes {
			if err := ValidateIdentifier(t); err != nil {
				return err
			}
		}
		return nil
	case OpRetract:
		if op.AssertedBy == "" {
			return &InvalidPropertyError{Field: AssertedByProperty, Reason: "empty fact id"}
		}
		return nil
	}
	return fmt.Errorf("unknown operation kind %d", int(op.Kind))
}

func (op Operation) String() string {
	switch op.Kind {
	case OpMergeEdge, OpDeleteEdge:
		return fmt.Sprintf("%s (%s)-[:%s]->(%s)", op.Kind, op.From, op.EdgeType, op.To)
	case OpDeleteIncident:
		return fmt.Sprintf("%s %s (%s)-[:%s]", op.Kind, op.Direction, op.Node, strings.Join(op.EdgeTypes, "|"))
	case OpRetract:
		return fmt.Sprintf("%s %s", op.Kind, op.AssertedBy)
	}
	return fmt.Sprintf("%s (%s)", op.Kind, op.Node)
}

func validateRef(ref types.NodeRef) error {
	if err := ValidateIdentifier(ref.Label); err != nil {
		return err
	}
	if _, ok := types.KeyProperty(ref.Label); !ok {
		return &InvalidPropertyError{Label: ref.Label, Reason: "unmanaged label"}
	}
	if ref.Key == "" {
		return &InvalidPropertyError{Label: ref.Label, Reason: "empty domain key"}
	}
	return nil
}

// ValidateIdentifier rejects labels and relationship types that could not be
// safely embedded in a query.
func ValidateIdentifier(s string) error {
	if s == "" {
		return &InvalidPropertyError{Field: "identifier", Reason: "empty"}
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return &InvalidPropertyError{Field: "identifier", Reason: fmt.Sprintf("invalid identifier %q", s)}
		}
	}
	return nil
}
