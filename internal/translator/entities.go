package translator

import (
	"time"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/internal/schema"
	"github.com/scrypster/graphsync/pkg/types"
)

// Outgoing reference edges owned by each label. An upsert deletes and
// re-merges them so a changed reference moves the edge.
var (
	conversationEdges = []string{types.RelInSpace}
	memoryEdges       = []string{types.RelReferences, types.RelInSpace, types.RelAboutUser}
	factEdges         = []string{types.RelMentions, types.RelExtractedFrom, types.RelDerivedFrom, types.RelInSpace, types.RelSupersedes}
	contextEdges      = []string{types.RelChildOf, types.RelTriggeredBy, types.RelInSpace, types.RelInvolves}
)

// props collects node properties. Empty values are stored as null so an
// overlay removes fields the document no longer has.
type props types.Properties

func (p props) str(k, v string) {
	if v == "" {
		p[k] = types.Value{}
		return
	}
	p[k] = types.StringValue(v)
}

func (p props) num(k string, v int) { p[k] = types.IntValue(int64(v)) }

func (p props) ts(k string, t time.Time) {
	if t.IsZero() {
		p[k] = types.Value{}
		return
	}
	p[k] = types.TimeValue(t)
}

func (p props) list(k string, l []string) {
	if len(l) == 0 {
		p[k] = types.Value{}
		return
	}
	p[k] = types.StringListValue(l)
}

func (p props) times(created, updated time.Time) {
	p.ts(schema.PropCreatedAt, created)
	p.ts(schema.PropUpdatedAt, updated)
}

type builder struct {
	ref types.NodeRef
	ops []graph.Operation
}

// newBuilder starts a plan with the node merge followed by removal of the
// node's owned outgoing edges.
func newBuilder(ref types.NodeRef, p props, owned ...string) *builder {
	p[graph.StubProperty] = types.BoolValue(false)
	b := &builder{ref: ref}
	b.ops = append(b.ops, graph.MergeNode(ref, types.Properties(p)))
	if len(owned) > 0 {
		b.ops = append(b.ops, graph.DeleteOutgoing(ref, owned...))
	}
	return b
}

// link merges an edge to another document, creating a key-only stub for the
// target when it has not been synced yet. Empty keys and self references are
// skipped.
func (b *builder) link(relType string, to types.NodeRef) {
	if to.Key == "" || to == b.ref {
		return
	}
	b.ops = append(b.ops, graph.MergeStub(to), graph.MergeEdge(b.ref, to, relType, nil))
}

func (b *builder) add(ops ...graph.Operation) { b.ops = append(b.ops, ops...) }

func (b *builder) plan() *Plan { return &Plan{Ref: b.ref, Ops: b.ops} }

func spaceRef(id string) types.NodeRef { return types.EntityTypeSpace.Ref(id) }

func spacePlan(s *types.Space) *Plan {
	p := props{}
	p.str("name", s.Name)
	p.str("spaceType", s.Type)
	p.str("status", s.Status)
	p.times(s.CreatedAt, s.UpdatedAt)
	return newBuilder(types.EntityTypeSpace.Ref(s.ID), p).plan()
}

func conversationPlan(c *types.Conversation) *Plan {
	p := props{}
	p.str(schema.PropSpaceID, c.SpaceID)
	p.str("conversationType", c.Type)
	p.list("participantIds", c.ParticipantIDs)
	p.num("messageCount", c.MessageCount)
	p.times(c.CreatedAt, c.UpdatedAt)

	b := newBuilder(types.EntityTypeConversation.Ref(c.ID), p, conversationEdges...)
	b.link(types.RelInSpace, spaceRef(c.SpaceID))
	return b.plan()
}

func memoryPlan(m *types.Memory) *Plan {
	p := props{}
	p.str(schema.PropSpaceID, m.SpaceID)
	p.str("preview", Preview(m.Content, PreviewLength))
	p.str("sourceType", m.SourceType)
	p.num("importance", m.Importance)
	p.list("tags", m.Tags)
	p.num("version", m.Version)
	p.times(m.CreatedAt, m.UpdatedAt)

	b := newBuilder(types.EntityTypeMemory.Ref(m.ID), p, memoryEdges...)
	b.link(types.RelReferences, types.EntityTypeConversation.Ref(m.ConversationID))
	b.link(types.RelInSpace, spaceRef(m.SpaceID))
	b.link(types.RelAboutUser, types.EntityTypeUser.Ref(m.UserID))
	return b.plan()
}

func factPlan(f *types.Fact) *Plan {
	p := props{}
	p.str(schema.PropSpaceID, f.SpaceID)
	p.str("fact", Preview(f.Fact, PreviewLength))
	p.str("factType", f.FactType)
	p.str("subject", DisplayName(f.Subject))
	p.str("predicate", DisplayName(f.Predicate))
	p.str("object", DisplayName(f.Object))
	p.num("confidence", f.Confidence)
	p.list("tags", f.Tags)
	p.times(f.CreatedAt, f.UpdatedAt)

	ref := types.EntityTypeFact.Ref(f.ID)
	b := newBuilder(ref, p)
	// Withdraw whatever this fact asserted before; the triple may have changed.
	// Adapters find the asserted edges through MENTIONS, so this precedes
	// removal of the owned edges.
	b.add(graph.Retract(f.ID), graph.DeleteOutgoing(ref, factEdges...))

	b.link(types.RelExtractedFrom, types.EntityTypeConversation.Ref(f.SourceConversationID))
	b.link(types.RelDerivedFrom, types.EntityTypeMemory.Ref(f.SourceMemoryID))
	b.link(types.RelSupersedes, types.EntityTypeFact.Ref(f.SupersedesID))
	b.link(types.RelInSpace, spaceRef(f.SpaceID))

	subject := entityRef(f.Subject)
	object := entityRef(f.Object)
	for _, e := range []struct {
		ref  types.NodeRef
		name string
	}{{subject, f.Subject}, {object, f.Object}} {
		if e.ref.Key == "" {
			continue
		}
		b.add(graph.MergeNode(e.ref, types.Properties{"name": types.StringValue(DisplayName(e.name))}))
		b.add(graph.MergeEdge(ref, e.ref, types.RelMentions, nil))
	}

	if f.HasTriple() && subject.Key != "" && object.Key != "" {
		edgeProps := types.Properties{
			"predicate":  types.StringValue(DisplayName(f.Predicate)),
			"confidence": types.IntValue(int64(f.Confidence)),
		}
		b.add(graph.AssertEdge(subject, object, RelationshipType(f.Predicate), f.ID, edgeProps))
	}
	return b.plan()
}

func entityRef(name string) types.NodeRef {
	return types.NodeRef{Label: types.LabelEntity, Key: EntityKey(name)}
}

func contextPlan(c *types.Context) *Plan {
	p := props{}
	p.str(schema.PropSpaceID, c.SpaceID)
	p.str("purpose", Preview(c.Purpose, PreviewLength))
	p.str("status", c.Status)
	p.num("depth", c.Depth)
	p.str("rootId", c.RootID)
	p.times(c.CreatedAt, c.UpdatedAt)

	ref := types.EntityTypeContext.Ref(c.ID)
	b := newBuilder(ref, p, contextEdges...)
	// PARENT_OF is owned by the child even though it points at it.
	b.add(graph.DeleteIncoming(ref, types.RelParentOf))

	if c.ParentID != "" && c.ParentID != c.ID {
		parent := types.EntityTypeContext.Ref(c.ParentID)
		b.link(types.RelChildOf, parent)
		b.add(graph.MergeEdge(parent, ref, types.RelParentOf, nil))
	}
	b.link(types.RelTriggeredBy, types.EntityTypeConversation.Ref(c.ConversationID))
	b.link(types.RelInSpace, spaceRef(c.SpaceID))
	b.link(types.RelInvolves, types.EntityTypeUser.Ref(c.UserID))
	return b.plan()
}

func userPlan(u *types.User) *Plan {
	p := props{}
	p.str("displayName", u.DisplayName)
	p.times(u.CreatedAt, u.UpdatedAt)
	return newBuilder(types.EntityTypeUser.Ref(u.ID), p).plan()
}
