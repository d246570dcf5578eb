// Package translator maps primary-store documents onto graph batch
// operations. It is pure: it never talks to the database and the same
// document always produces the same plan.
package translator

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/schema"
	"github.com/scrypster/graphsync/pkg/types"
)

// PreviewLength is the number of runes of memory content copied to the graph.
const PreviewLength = 200

// Plan is the set of operations that syncs one document.
type Plan struct {
	Ref types.NodeRef
	Ops []graph.Operation
}

// Translator builds plans and validates them against the schema.
type Translator struct {
	schema   schema.Schema
	validate *validator.Validate
}

// New returns a translator validating against s.
func New(s schema.Schema) *Translator {
	return &Translator{schema: s, validate: validator.New()}
}

// Upsert decodes a primary-store document and builds its plan.
func (t *Translator) Upsert(doc *types.Document) (*Plan, error) {
	if doc == nil {
		return nil, &graph.InvalidPropertyError{Field: "document", Reason: "nil"}
	}
	if !doc.EntityType.IsValid() {
		return nil, &graph.InvalidPropertyError{Field: "entityType", Reason: fmt.Sprintf("unknown entity type %q", doc.EntityType)}
	}
	v, err := types.DecodeDocument(doc.EntityType, doc.Body)
	if err != nil {
		return nil, &graph.InvalidPropertyError{Label: doc.EntityType.Label(), Reason: err.Error()}
	}
	plan, err := t.UpsertEntity(v)
	if err != nil {
		return nil, err
	}
	if plan.Ref.Key != doc.EntityID {
		return nil, &graph.InvalidPropertyError{Label: plan.Ref.Label, Field: "id",
			Reason: fmt.Sprintf("document id %q does not match entity id %q", plan.Ref.Key, doc.EntityID)}
	}
	return plan, nil
}

// UpsertEntity builds the plan for a typed document.
func (t *Translator) UpsertEntity(v any) (*Plan, error) {
	if err := t.validate.Struct(v); err != nil {
		return nil, &graph.InvalidPropertyError{Field: "document", Reason: err.Error()}
	}

	var plan *Plan
	switch d := v.(type) {
	case *types.Space:
		plan = spacePlan(d)
	case *types.Conversation:
		plan = conversationPlan(d)
	case *types.Memory:
		plan = memoryPlan(d)
	case *types.Fact:
		plan = factPlan(d)
	case *types.Context:
		plan = contextPlan(d)
	case *types.User:
		plan = userPlan(d)
	default:
		return nil, &graph.InvalidPropertyError{Field: "document", Reason: fmt.Sprintf("unsupported document %T", v)}
	}

	if err := t.schema.Validate(plan.Ops); err != nil {
		return nil, err
	}
	return plan, nil
}

// DeletePrelude returns the operations that must run in the same batch as the
// cascade when a document is deleted. For facts this withdraws every semantic
// edge the fact asserted. snapshot, when present, must describe the same
// entity.
func (t *Translator) DeletePrelude(entityType types.EntityType, id string, snapshot json.RawMessage) ([]graph.Operation, error) {
	if !entityType.IsValid() {
		return nil, &graph.InvalidPropertyError{Field: "entityType", Reason: fmt.Sprintf("unknown entity type %q", entityType)}
	}
	if id == "" {
		return nil, &graph.InvalidPropertyError{Field: "entityId", Reason: "empty"}
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		var head struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(snapshot, &head); err != nil {
			return nil, &graph.InvalidPropertyError{Field: "payloadSnapshot", Reason: err.Error()}
		}
		if head.ID != "" && head.ID != id {
			return nil, &graph.InvalidPropertyError{Field: "payloadSnapshot",
				Reason: fmt.Sprintf("snapshot id %q does not match entity id %q", head.ID, id)}
		}
	}
	if entityType == types.EntityTypeFact {
		return []graph.Operation{graph.Retract(id)}, nil
	}
	return nil, nil
}
