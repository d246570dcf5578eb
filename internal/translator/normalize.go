package translator

import (
	"strings"
	"unicode/utf8"

	"github.com/scrypster/graphsync/pkg/types"
)

// FallbackPredicate is used when a predicate has no usable characters.
const FallbackPredicate = "RELATED_TO"

// structural relationship types cannot be produced from fact predicates, so a
// fact can never fake hierarchy or membership.
var structural = map[string]bool{
	types.RelParentOf:      true,
	types.RelChildOf:       true,
	types.RelMentions:      true,
	types.RelReferences:    true,
	types.RelExtractedFrom: true,
	types.RelDerivedFrom:   true,
	types.RelTriggeredBy:   true,
	types.RelInSpace:       true,
	types.RelInvolves:      true,
	types.RelAboutUser:     true,
	types.RelSupersedes:    true,
}

// EntityKey normalizes an entity name for matching: case-folded with
// whitespace trimmed and collapsed. "  Alice   Smith" and "alice smith"
// share a key.
func EntityKey(name string) string {
	return strings.ToLower(DisplayName(name))
}

// DisplayName trims and collapses whitespace, keeping case.
func DisplayName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// RelationshipType turns a free-text predicate into an UPPER_SNAKE
// relationship type: "works at" -> WORKS_AT, "is-friend-of" -> IS_FRIEND_OF.
// Characters outside [A-Za-z0-9] separate words.
func RelationshipType(predicate string) string {
	var words []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range predicate {
		switch {
		case r >= 'a' && r <= 'z':
			cur.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	if len(words) == 0 {
		return FallbackPredicate
	}
	rel := strings.Join(words, "_")
	if rel[0] >= '0' && rel[0] <= '9' {
		rel = "R_" + rel
	}
	if structural[rel] {
		rel = "RELATED_" + rel
	}
	return rel
}

// Preview truncates s to at most n runes, appending an ellipsis when cut.
func Preview(s string, n int) string {
	s = DisplayName(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}
