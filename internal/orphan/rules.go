// Package orphan finds the nodes that lose their last supporting edge when a
// node is deleted and removes them together with it in one batch.
//
// A node is supported by an incoming dependency edge. Every edge type is a
// dependency edge unless it is listed in Rules.NonDependency. Whether an
// unsupported node may be removed is decided per label by its Role.
package orphan

import (
	"fmt"
	"strings"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// Role decides how the orphan pass treats a label.
type Role int

const (
	// RoleEligible nodes exist only to support relationships and are removed
	// once nothing depends on them.
	RoleEligible Role = iota

	// RoleAnchor nodes are meaningful on their own and never removed by the
	// orphan pass.
	RoleAnchor

	// RoleExplicit nodes are removed only by their own delete job.
	RoleExplicit
)

var roleNames = map[Role]string{
	RoleEligible: "eligible",
	RoleAnchor:   "anchor",
	RoleExplicit: "explicit",
}

func (r Role) String() string {
	if n, ok := roleNames[r]; ok {
		return n
	}
	return fmt.Sprintf("role(%d)", int(r))
}

// ParseRole parses a role name as produced by Role.String.
func ParseRole(s string) (Role, error) {
	for r, n := range roleNames {
		if strings.EqualFold(s, n) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown cleanup role %q", s)
}

// Rule is the cleanup rule of one label.
type Rule struct {
	Role Role

	// KeepIfReferencedBy restricts which incoming edge types count as
	// support for the label. Empty means every dependency edge type.
	KeepIfReferencedBy []string
}

// Rules holds the cleanup configuration for every label.
type Rules struct {
	Labels map[string]Rule

	// NonDependency lists edge types that never keep a node alive and are
	// not followed when collecting the affected region.
	NonDependency map[string]bool

	// StubsEligible makes key-only stub nodes removable whatever their
	// label's role.
	StubsEligible bool
}

// NonDependencyTypes are the structural edge types that do not imply
// ownership or necessity.
var NonDependencyTypes = []string{types.RelInSpace, types.RelParentOf, types.RelChildOf}

// DefaultRules returns the standard cleanup rules.
func DefaultRules() Rules {
	nonDep := make(map[string]bool, len(NonDependencyTypes))
	for _, t := range NonDependencyTypes {
		nonDep[t] = true
	}
	return Rules{
		Labels: map[string]Rule{
			types.LabelMemory:       {Role: RoleAnchor},
			types.LabelFact:         {Role: RoleAnchor},
			types.LabelContext:      {Role: RoleAnchor},
			types.LabelSpace:        {Role: RoleExplicit},
			types.LabelConversation: {Role: RoleExplicit},
			types.LabelEntity:       {Role: RoleEligible},
			types.LabelUser:         {Role: RoleEligible},
		},
		NonDependency: nonDep,
		StubsEligible: true,
	}
}

// IsDependency reports whether an edge of relType keeps its target alive.
func (r Rules) IsDependency(relType string) bool {
	return !r.NonDependency[relType]
}

// Eligible reports whether the orphan pass may remove n. Labels without a
// rule are never removed.
func (r Rules) Eligible(n *types.Node) bool {
	if r.StubsEligible {
		if stub, _ := n.Properties[graph.StubProperty].AsBool(); stub {
			return true
		}
	}
	rule, ok := r.Labels[n.Label()]
	return ok && rule.Role == RoleEligible
}

// Supports reports whether an incoming edge of relType counts as support for
// a node with the given label.
func (r Rules) Supports(label, relType string) bool {
	if !r.IsDependency(relType) {
		return false
	}
	rule := r.Labels[label]
	if len(rule.KeepIfReferencedBy) == 0 {
		return true
	}
	for _, t := range rule.KeepIfReferencedBy {
		if t == relType {
			return true
		}
	}
	return false
}
