// Package types defines the core data structures shared by the graph sync
// engine: graph nodes and edges with typed property values, the canonical
// primary-store documents that are mirrored into the graph, and the durable
// sync queue entry.
package types

// Label is a graph node label. Every label owns exactly one domain key
// property used for idempotent upsert matching.
type Label = string

// Node labels mirrored from the system of record.
const (
	LabelSpace        Label = "Space"
	LabelConversation Label = "Conversation"
	LabelMemory       Label = "Memory"
	LabelFact         Label = "Fact"
	LabelContext      Label = "Context"
	LabelEntity       Label = "Entity"
	LabelUser         Label = "User"
)

// AllLabels lists every label the engine manages, in dependency order
// (containers first).
var AllLabels = []Label{
	LabelSpace,
	LabelUser,
	LabelConversation,
	LabelMemory,
	LabelFact,
	LabelContext,
	LabelEntity,
}

// Domain key property names. The database-native node identifier is never
// used for matching; these are.
const (
	KeySpace        = "spaceId"
	KeyConversation = "conversationId"
	KeyMemory       = "memoryId"
	KeyFact         = "factId"
	KeyContext      = "contextId"
	KeyEntity       = "entityKey"
	KeyUser         = "userId"
)

var keyProperties = map[Label]string{
	LabelSpace:        KeySpace,
	LabelConversation: KeyConversation,
	LabelMemory:       KeyMemory,
	LabelFact:         KeyFact,
	LabelContext:      KeyContext,
	LabelEntity:       KeyEntity,
	LabelUser:         KeyUser,
}

// KeyProperty returns the domain key property for a label.
// The boolean is false for labels the engine does not manage.
func KeyProperty(label Label) (string, bool) {
	k, ok := keyProperties[label]
	return k, ok
}

// IsKnownLabel reports whether the label is managed by the engine.
func IsKnownLabel(label Label) bool {
	_, ok := keyProperties[label]
	return ok
}

// Relationship types. Direction is fixed per type:
//   - hierarchy edges point child -> parent (CHILD_OF); PARENT_OF is the
//     materialised inverse, parent -> child
//   - provenance edges point derived -> source
//   - membership edges point member -> container
const (
	RelParentOf      = "PARENT_OF"      // Context -> Context (parent -> child)
	RelChildOf       = "CHILD_OF"       // Context -> Context (child -> parent)
	RelMentions      = "MENTIONS"       // Fact -> Entity
	RelReferences    = "REFERENCES"     // Memory -> Conversation
	RelExtractedFrom = "EXTRACTED_FROM" // Fact -> Conversation
	RelDerivedFrom   = "DERIVED_FROM"   // Fact -> Memory
	RelTriggeredBy   = "TRIGGERED_BY"   // Context -> Conversation
	RelInSpace       = "IN_SPACE"       // any -> Space
	RelInvolves      = "INVOLVES"       // Conversation | Context -> User
	RelAboutUser     = "ABOUT_USER"     // Memory -> User
	RelSupersedes    = "SUPERSEDES"     // Fact -> Fact (new -> old)
)

// Direction selects which incident edges a traversal follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// IsValid reports whether d is one of the known directions.
func (d Direction) IsValid() bool {
	switch d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return true
	}
	return false
}
