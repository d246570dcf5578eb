// Package schema declares the graph schema the sync engine maintains: one
// unique domain-key constraint per label, secondary indexes, and the allowed
// property kinds per label and per edge.
package schema

import (
	"fmt"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// Common property names.
const (
	PropSpaceID   = "spaceId"
	PropCreatedAt = "createdAt"
	PropUpdatedAt = "updatedAt"
)

// Field declares one property of a label.
type Field struct {
	Kind     types.Kind
	Required bool
}

// Label is the schema of one node label.
type Label struct {
	Name    string
	Key     string
	Fields  map[string]Field
	Indexes []string
}

// Schema is the full node and edge schema.
type Schema struct {
	Labels map[string]Label
	// EdgeFields are the properties allowed on any edge.
	EdgeFields map[string]Field
}

func str() Field      { return Field{Kind: types.KindString} }
func required() Field { return Field{Kind: types.KindString, Required: true} }
func integer() Field  { return Field{Kind: types.KindInt} }
func boolean() Field  { return Field{Kind: types.KindBool} }
func ts() Field       { return Field{Kind: types.KindTime} }
func list() Field     { return Field{Kind: types.KindStringList} }

func withCommon(fields map[string]Field) map[string]Field {
	fields[graph.StubProperty] = boolean()
	fields[PropCreatedAt] = ts()
	fields[PropUpdatedAt] = ts()
	return fields
}

// Default returns the schema for every label the engine manages.
func Default() Schema {
	return Schema{
		Labels: map[string]Label{
			types.LabelSpace: {
				Name: types.LabelSpace, Key: types.KeySpace,
				Fields: withCommon(map[string]Field{
					types.KeySpace: required(),
					"name":         str(),
					"spaceType":    str(),
					"status":       str(),
				}),
			},
			types.LabelConversation: {
				Name: types.LabelConversation, Key: types.KeyConversation,
				Fields: withCommon(map[string]Field{
					types.KeyConversation: required(),
					PropSpaceID:           str(),
					"conversationType":    str(),
					"participantIds":      list(),
					"messageCount":        integer(),
				}),
				Indexes: []string{PropSpaceID},
			},
			types.LabelMemory: {
				Name: types.LabelMemory, Key: types.KeyMemory,
				Fields: withCommon(map[string]Field{
					types.KeyMemory: required(),
					PropSpaceID:     str(),
					"preview":       str(),
					"sourceType":    str(),
					"importance":    integer(),
					"tags":          list(),
					"version":       integer(),
				}),
				Indexes: []string{PropSpaceID, "sourceType"},
			},
			types.LabelFact: {
				Name: types.LabelFact, Key: types.KeyFact,
				Fields: withCommon(map[string]Field{
					types.KeyFact: required(),
					PropSpaceID:   str(),
					"fact":        str(),
					"factType":    str(),
					"subject":     str(),
					"predicate":   str(),
					"object":      str(),
					"confidence":  integer(),
					"tags":        list(),
				}),
				Indexes: []string{PropSpaceID, "factType"},
			},
			types.LabelContext: {
				Name: types.LabelContext, Key: types.KeyContext,
				Fields: withCommon(map[string]Field{
					types.KeyContext: required(),
					PropSpaceID:      str(),
					"purpose":        str(),
					"status":         str(),
					"depth":          integer(),
					"rootId":         str(),
				}),
				Indexes: []string{PropSpaceID, "rootId", "status"},
			},
			types.LabelEntity: {
				Name: types.LabelEntity, Key: types.KeyEntity,
				Fields: withCommon(map[string]Field{
					types.KeyEntity: required(),
					"name":          str(),
				}),
				Indexes: []string{"name"},
			},
			types.LabelUser: {
				Name: types.LabelUser, Key: types.KeyUser,
				Fields: withCommon(map[string]Field{
					types.KeyUser: required(),
					"displayName":  str(),
				}),
			},
		},
		EdgeFields: map[string]Field{
			graph.AssertedByProperty: list(),
			"predicate":              str(),
			"confidence":             integer(),
			PropCreatedAt:            ts(),
		},
	}
}

// ValidateNode checks props against the label schema. Unknown properties,
// kind mismatches and missing required fields are rejected.
func (s Schema) ValidateNode(label string, props types.Properties) error {
	ls, ok := s.Labels[label]
	if !ok {
		return &graph.InvalidPropertyError{Label: label, Reason: "label has no schema"}
	}
	if err := checkFields(label, ls.Fields, props); err != nil {
		return err
	}
	for name, f := range ls.Fields {
		if !f.Required {
			continue
		}
		v, ok := props[name]
		if !ok || v.IsNull() {
			return &graph.InvalidPropertyError{Label: label, Field: name, Reason: "required"}
		}
		if text, _ := v.AsString(); text == "" {
			return &graph.InvalidPropertyError{Label: label, Field: name, Reason: "must not be empty"}
		}
	}
	return nil
}

// ValidateEdge checks edge properties. The relationship type itself must be
// a safe identifier.
func (s Schema) ValidateEdge(relType string, props types.Properties) error {
	if err := graph.ValidateIdentifier(relType); err != nil {
		return err
	}
	return checkFields(relType, s.EdgeFields, props)
}

func checkFields(owner string, fields map[string]Field, props types.Properties) error {
	for _, name := range props.Keys() {
		v := props[name]
		f, ok := fields[name]
		if !ok {
			return &graph.InvalidPropertyError{Label: owner, Field: name, Reason: "unknown property"}
		}
		if v.IsNull() {
			continue
		}
		if v.Kind() != f.Kind {
			return &graph.InvalidPropertyError{Label: owner, Field: name,
				Reason: fmt.Sprintf("want %s, got %s", f.Kind, v.Kind())}
		}
	}
	return nil
}

// Validate checks every node and edge property set in a batch.
func (s Schema) Validate(ops []graph.Operation) error {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
		switch op.Kind {
		case graph.OpMergeNode, graph.OpUpdateNode:
			if len(op.Properties) == 0 {
				continue
			}
			props := op.Properties
			if op.Kind == graph.OpMergeNode {
				props = props.Clone()
				props[op.Node.KeyProperty()] = types.StringValue(op.Node.Key)
				if err := s.ValidateNode(op.Node.Label, props); err != nil {
					return err
				}
				continue
			}
			if err := checkFields(op.Node.Label, s.Labels[op.Node.Label].Fields, props); err != nil {
				return err
			}
		case graph.OpMergeEdge:
			if err := s.ValidateEdge(op.EdgeType, op.Properties); err != nil {
				return err
			}
		}
	}
	return nil
}
