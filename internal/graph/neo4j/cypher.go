package neo4j

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// Dialect selects the Cypher flavour spoken by the server.
type Dialect string

const (
	DialectAuto     Dialect = "auto"
	DialectNeo4j    Dialect = "neo4j"
	DialectMemgraph Dialect = "memgraph"
)

// statement is a query with its parameters.
type statement struct {
	query  string
	params map[string]any
}

// quote returns a backtick-quoted identifier after validating it.
func quote(ident string) (string, error) {
	if err := graph.ValidateIdentifier(ident); err != nil {
		return "", err
	}
	return "`" + ident + "`", nil
}

func mustQuote(ident string) string {
	q, err := quote(ident)
	if err != nil {
		panic(err)
	}
	return q
}

// idFunc returns the function that yields a native id in the dialect.
func (d Dialect) idFunc() string {
	if d == DialectMemgraph {
		return "id"
	}
	return "elementId"
}

// idParam converts a native id string into the parameter type the dialect
// compares against.
func (d Dialect) idParam(id string) (any, error) {
	if d != DialectMemgraph {
		return id, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid memgraph node id %q: %w", id, graph.ErrNotFound)
	}
	return n, nil
}

func (d Dialect) matchID(variable, param string) string {
	return fmt.Sprintf("%s(%s) = $%s", d.idFunc(), variable, param)
}

// refPattern renders "(v:`Label` {`key`: $param})".
func refPattern(variable string, ref types.NodeRef, param string) (string, error) {
	label, err := quote(ref.Label)
	if err != nil {
		return "", err
	}
	prop, ok := types.KeyProperty(ref.Label)
	if !ok {
		return "", &graph.InvalidPropertyError{Label: ref.Label, Reason: "unmanaged label"}
	}
	return fmt.Sprintf("(%s:%s {%s: $%s})", variable, label, mustQuote(prop), param), nil
}

func labelList(labels []string) (string, error) {
	var b strings.Builder
	for _, l := range labels {
		q, err := quote(l)
		if err != nil {
			return "", err
		}
		b.WriteString(":")
		b.WriteString(q)
	}
	return b.String(), nil
}

func relTypeList(relTypes []string) (string, error) {
	if len(relTypes) == 0 {
		return "", nil
	}
	quoted := make([]string, 0, len(relTypes))
	for _, t := range relTypes {
		q, err := quote(t)
		if err != nil {
			return "", err
		}
		quoted = append(quoted, q)
	}
	return ":" + strings.Join(quoted, "|"), nil
}

const assertClause = ` SET r.factIds = CASE WHEN $assertedBy IN coalesce(r.factIds, []) ` +
	`THEN r.factIds ELSE coalesce(r.factIds, []) + $assertedBy END`

// opStatement renders one batch operation. Every statement returns a single
// count column "c" used to detect missing nodes.
func opStatement(op graph.Operation) (statement, error) {
	switch op.Kind {
	case graph.OpMergeNode:
		pat, err := refPattern("n", op.Node, "key")
		if err != nil {
			return statement{}, err
		}
		params := map[string]any{"key": op.Node.Key}
		if len(op.Properties) == 0 {
			return statement{
				query:  "MERGE " + pat + " ON CREATE SET n." + graph.StubProperty + " = true RETURN count(n) AS c",
				params: params,
			}, nil
		}
		params["props"] = op.Properties.Map()
		return statement{query: "MERGE " + pat + " SET n += $props RETURN count(n) AS c", params: params}, nil

	case graph.OpUpdateNode:
		pat, err := refPattern("n", op.Node, "key")
		if err != nil {
			return statement{}, err
		}
		return statement{
			query:  "MATCH " + pat + " SET n += $props RETURN count(n) AS c",
			params: map[string]any{"key": op.Node.Key, "props": op.Properties.Map()},
		}, nil

	case graph.OpDeleteNode:
		pat, err := refPattern("n", op.Node, "key")
		if err != nil {
			return statement{}, err
		}
		return statement{
			query:  "MATCH " + pat + " DETACH DELETE n RETURN count(n) AS c",
			params: map[string]any{"key": op.Node.Key},
		}, nil

	case graph.OpMergeEdge:
		from, err := refPattern("a", op.From, "from")
		if err != nil {
			return statement{}, err
		}
		to, err := refPattern("b", op.To, "to")
		if err != nil {
			return statement{}, err
		}
		rel, err := quote(op.EdgeType)
		if err != nil {
			return statement{}, err
		}
		params := map[string]any{"from": op.From.Key, "to": op.To.Key, "props": op.Properties.Map()}
		q := "MATCH " + from + " MATCH " + to + " MERGE (a)-[r:" + rel + "]->(b) SET r += $props"
		if op.AssertedBy != "" {
			q += assertClause
			params["assertedBy"] = op.AssertedBy
		}
		return statement{query: q + " RETURN count(r) AS c", params: params}, nil

	case graph.OpDeleteEdge:
		from, err := refPattern("a", op.From, "from")
		if err != nil {
			return statement{}, err
		}
		to, err := refPattern("b", op.To, "to")
		if err != nil {
			return statement{}, err
		}
		rel, err := quote(op.EdgeType)
		if err != nil {
			return statement{}, err
		}
		return statement{
			query:  "MATCH " + from + "-[r:" + rel + "]->" + to + " DELETE r RETURN count(r) AS c",
			params: map[string]any{"from": op.From.Key, "to": op.To.Key},
		}, nil

	case graph.OpDeleteIncident:
		pat, err := refPattern("n", op.Node, "key")
		if err != nil {
			return statement{}, err
		}
		rels, err := relTypeList(op.EdgeTypes)
		if err != nil {
			return statement{}, err
		}
		return statement{
			query:  "MATCH " + pat + arrow(op.Direction, "r"+rels) + "() DELETE r RETURN count(r) AS c",
			params: map[string]any{"key": op.Node.Key},
		}, nil

	case graph.OpRetract:
		// Asserted edges join the entities the fact mentions, so the match
		// starts from the fact's key index instead of scanning relationships.
		f, err := refPattern("f", types.NodeRef{Label: types.LabelFact, Key: op.AssertedBy}, "assertedBy")
		if err != nil {
			return statement{}, err
		}
		entity := mustQuote(types.LabelEntity)
		return statement{
			query: "MATCH " + f + "-[:" + mustQuote(types.RelMentions) + "]->(:" + entity + ")-[r]->(:" + entity + ") " +
				"WHERE $assertedBy IN coalesce(r.factIds, []) " +
				"WITH DISTINCT r WITH r, [x IN r.factIds WHERE x <> $assertedBy] AS rest SET r.factIds = rest " +
				"WITH r, rest WHERE size(rest) = 0 DELETE r RETURN count(r) AS c",
			params: map[string]any{"assertedBy": op.AssertedBy},
		}, nil
	}
	return statement{}, fmt.Errorf("unknown operation kind %d", int(op.Kind))
}

// endpointProbe checks which endpoint of an edge merge is missing.
func endpointProbe(op graph.Operation) (statement, error) {
	from, err := refPattern("a", op.From, "from")
	if err != nil {
		return statement{}, err
	}
	to, err := refPattern("b", op.To, "to")
	if err != nil {
		return statement{}, err
	}
	return statement{
		query:  "OPTIONAL MATCH " + from + " OPTIONAL MATCH " + to + " RETURN a IS NOT NULL AS hasFrom, b IS NOT NULL AS hasTo",
		params: map[string]any{"from": op.From.Key, "to": op.To.Key},
	}, nil
}

func arrow(dir types.Direction, inner string) string {
	switch dir {
	case types.DirectionIncoming:
		return "<-[" + inner + "]-"
	case types.DirectionBoth:
		return "-[" + inner + "]-"
	}
	return "-[" + inner + "]->"
}

func traverseStatement(d Dialect, startID string, relTypes []string, maxHops int, dir types.Direction) (statement, error) {
	if maxHops < 1 {
		return statement{}, &graph.InvalidPropertyError{Field: "maxHops", Reason: "must be at least 1"}
	}
	rels, err := relTypeList(relTypes)
	if err != nil {
		return statement{}, err
	}
	id, err := d.idParam(startID)
	if err != nil {
		return statement{}, err
	}
	pattern := arrow(dir, fmt.Sprintf("rels%s*1..%d", rels, maxHops))
	q := fmt.Sprintf("MATCH (s) WHERE %s MATCH (s)%s(m) WHERE m <> s "+
		"WITH m, min(size(rels)) AS depth ORDER BY depth RETURN m", d.matchID("s", "id"), pattern)
	return statement{query: q, params: map[string]any{"id": id}}, nil
}

func shortestPathStatement(d Dialect, fromID, toID string, maxHops int) (statement, error) {
	if d == DialectMemgraph {
		return statement{}, &graph.UnsupportedCapabilityError{Capability: "shortest path", Dialect: string(d)}
	}
	from, err := d.idParam(fromID)
	if err != nil {
		return statement{}, err
	}
	to, err := d.idParam(toID)
	if err != nil {
		return statement{}, err
	}
	q := fmt.Sprintf("MATCH (a) WHERE %s MATCH (b) WHERE %s MATCH p = shortestPath((a)-[*..%d]-(b)) RETURN nodes(p) AS nodes",
		d.matchID("a", "from"), d.matchID("b", "to"), maxHops)
	return statement{query: q, params: map[string]any{"from": from, "to": to}}, nil
}

func incidentStatement(d Dialect, nodeID string, dir types.Direction, relTypes []string) (statement, error) {
	rels, err := relTypeList(relTypes)
	if err != nil {
		return statement{}, err
	}
	id, err := d.idParam(nodeID)
	if err != nil {
		return statement{}, err
	}
	var pattern string
	switch dir {
	case types.DirectionOutgoing:
		pattern = "(n)-[r" + rels + "]->(m)"
	case types.DirectionIncoming:
		pattern = "(n)<-[r" + rels + "]-(m)"
	default:
		pattern = "(n)-[r" + rels + "]-(m)"
	}
	q := fmt.Sprintf("MATCH (n) WHERE %s MATCH %s RETURN DISTINCT r, m, startNode(r) = n AS outgoing", d.matchID("n", "id"), pattern)
	return statement{query: q, params: map[string]any{"id": id}}, nil
}

func findNodesStatement(label string, filter types.Properties) (statement, error) {
	l, err := quote(label)
	if err != nil {
		return statement{}, err
	}
	params := make(map[string]any, len(filter))
	var where []string
	for i, k := range filter.Keys() {
		prop, err := quote(k)
		if err != nil {
			return statement{}, err
		}
		p := "p" + strconv.Itoa(i)
		where = append(where, fmt.Sprintf("n.%s = $%s", prop, p))
		params[p] = filter[k].Any()
	}
	q := "MATCH (n:" + l + ")"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	return statement{query: q + " RETURN n", params: params}, nil
}

func schemaName(kind, label, property string) string {
	return strings.ToLower(fmt.Sprintf("graphsync_%s_%s_%s", label, property, kind))
}

func constraintStatement(d Dialect, label, property string) (string, error) {
	l, err := quote(label)
	if err != nil {
		return "", err
	}
	p, err := quote(property)
	if err != nil {
		return "", err
	}
	if d == DialectMemgraph {
		return fmt.Sprintf("CREATE CONSTRAINT ON (n:%s) ASSERT n.%s IS UNIQUE", l, p), nil
	}
	return fmt.Sprintf("CREATE CONSTRAINT %s IF NOT EXISTS FOR (n:%s) REQUIRE n.%s IS UNIQUE",
		mustQuote(schemaName("unique", label, property)), l, p), nil
}

func indexStatement(d Dialect, label, property string) (string, error) {
	l, err := quote(label)
	if err != nil {
		return "", err
	}
	p, err := quote(property)
	if err != nil {
		return "", err
	}
	if d == DialectMemgraph {
		return fmt.Sprintf("CREATE INDEX ON %s(%s)", ":"+l, p), nil
	}
	return fmt.Sprintf("CREATE INDEX %s IF NOT EXISTS FOR (n:%s) ON (n.%s)",
		mustQuote(schemaName("idx", label, property)), l, p), nil
}
