package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType names a primary-store document type as carried on queue
// entries.
type EntityType string

const (
	EntityTypeSpace        EntityType = "space"
	EntityTypeConversation EntityType = "conversation"
	EntityTypeMemory       EntityType = "memory"
	EntityTypeFact         EntityType = "fact"
	EntityTypeContext      EntityType = "context"
	EntityTypeUser         EntityType = "user"
)

// ValidEntityTypes contains every entity type a sync job may carry.
var ValidEntityTypes = []EntityType{
	EntityTypeSpace,
	EntityTypeConversation,
	EntityTypeMemory,
	EntityTypeFact,
	EntityTypeContext,
	EntityTypeUser,
}

var entityLabels = map[EntityType]Label{
	EntityTypeSpace:        LabelSpace,
	EntityTypeConversation: LabelConversation,
	EntityTypeMemory:       LabelMemory,
	EntityTypeFact:         LabelFact,
	EntityTypeContext:      LabelContext,
	EntityTypeUser:         LabelUser,
}

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	_, ok := entityLabels[t]
	return ok
}

// Label returns the graph label the entity type is mirrored to.
func (t EntityType) Label() Label {
	return entityLabels[t]
}

// Ref returns the graph reference for the document with the given id.
func (t EntityType) Ref(id string) NodeRef {
	return NodeRef{Label: t.Label(), Key: id}
}

// Space is an isolation container that owns conversations, memories, facts
// and contexts.
type Space struct {
	ID        string    `json:"id" validate:"required"`
	Name      string    `json:"name,omitempty"`
	Type      string    `json:"type,omitempty" validate:"omitempty,oneof=personal team project custom"`
	Status    string    `json:"status,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Conversation is a message thread between users and agents.
type Conversation struct {
	ID             string    `json:"id" validate:"required"`
	SpaceID        string    `json:"spaceId,omitempty"`
	Type           string    `json:"type,omitempty" validate:"omitempty,oneof=user-agent agent-agent"`
	ParticipantIDs []string  `json:"participantIds,omitempty"`
	MessageCount   int       `json:"messageCount,omitempty" validate:"gte=0"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Memory is a stored memory entry. Content is never copied to the graph;
// only a short preview is.
type Memory struct {
	ID             string    `json:"id" validate:"required"`
	SpaceID        string    `json:"spaceId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	Content        string    `json:"content"`
	SourceType     string    `json:"sourceType,omitempty" validate:"omitempty,oneof=conversation system tool a2a"`
	Importance     int       `json:"importance,omitempty" validate:"gte=0,lte=100"`
	Tags           []string  `json:"tags,omitempty"`
	Version        int       `json:"version,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Fact is an extracted, structured fact. Subject, Predicate and Object form
// the triple that is projected onto Entity nodes.
type Fact struct {
	ID                   string    `json:"id" validate:"required"`
	SpaceID              string    `json:"spaceId,omitempty"`
	Fact                 string    `json:"fact" validate:"required"`
	FactType             string    `json:"factType,omitempty" validate:"omitempty,oneof=preference identity knowledge relationship event"`
	Subject              string    `json:"subject,omitempty"`
	Predicate            string    `json:"predicate,omitempty"`
	Object               string    `json:"object,omitempty"`
	Confidence           int       `json:"confidence,omitempty" validate:"gte=0,lte=100"`
	SourceConversationID string    `json:"sourceConversationId,omitempty"`
	SourceMemoryID       string    `json:"sourceMemoryId,omitempty"`
	SupersedesID         string    `json:"supersedesId,omitempty"`
	Tags                 []string  `json:"tags,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// HasTriple reports whether the fact carries a complete subject/predicate/
// object triple.
func (f *Fact) HasTriple() bool {
	return f.Subject != "" && f.Predicate != "" && f.Object != ""
}

// Context is a node in a hierarchical workflow context tree.
type Context struct {
	ID             string    `json:"id" validate:"required"`
	SpaceID        string    `json:"spaceId,omitempty"`
	Purpose        string    `json:"purpose"`
	Status         string    `json:"status,omitempty" validate:"omitempty,oneof=active completed cancelled blocked"`
	ParentID       string    `json:"parentId,omitempty" validate:"omitempty,nefield=ID"`
	RootID         string    `json:"rootId,omitempty"`
	Depth          int       `json:"depth" validate:"gte=0"`
	ConversationID string    `json:"conversationId,omitempty"`
	UserID         string    `json:"userId,omitempty"`
	ParticipantIDs []string  `json:"participantIds,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// User is a user profile.
type User struct {
	ID          string    `json:"id" validate:"required"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Document is a primary-store document as persisted by the system of record.
type Document struct {
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Body       json.RawMessage `json:"body"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewDocument marshals v into a Document.
func NewDocument(entityType EntityType, id string, v any) (*Document, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s: %w", entityType, id, err)
	}
	return &Document{EntityType: entityType, EntityID: id, Body: body, UpdatedAt: time.Now().UTC()}, nil
}

// DecodeDocument decodes a document body into the typed struct for its
// entity type (*Space, *Conversation, *Memory, *Fact, *Context or *User).
func DecodeDocument(entityType EntityType, body []byte) (any, error) {
	var v any
	switch entityType {
	case EntityTypeSpace:
		v = &Space{}
	case EntityTypeConversation:
		v = &Conversation{}
	case EntityTypeMemory:
		v = &Memory{}
	case EntityTypeFact:
		v = &Fact{}
	case EntityTypeContext:
		v = &Context{}
	case EntityTypeUser:
		v = &User{}
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("decode %s document: %w", entityType, err)
	}
	return v, nil
}
