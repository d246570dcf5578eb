// Package neo4j implements graph.Adapter for Cypher databases reached over
// Bolt: Neo4j 4.4/5.x and Memgraph.
package neo4j

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	neo "github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/scrypster/graphsync/internal/graph"
	"github.com/scrypster/graphsync/pkg/types"
)

// Config holds connection parameters.
type Config struct {
	URI      string
	Username string
	Password string
	// Database is the target database name; empty uses the server default.
	Database string
	// Dialect forces a dialect; DialectAuto detects it on Connect.
	Dialect        Dialect
	MaxPoolSize    int
	AcquireTimeout time.Duration
	// MaxPathHops bounds shortestPath searches. Default: 15
	MaxPathHops int
}

// Adapter talks to the database through one driver and a session per call.
type Adapter struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.RWMutex
	driver  neo.DriverWithContext
	dialect Dialect
}

var _ graph.Adapter = (*Adapter)(nil)

// New returns an unconnected adapter.
func New(cfg Config, logger *zap.Logger) *Adapter {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectAuto
	}
	if cfg.MaxPathHops <= 0 {
		cfg.MaxPathHops = graph.DefaultMaxPathHops
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{cfg: cfg, logger: logger}
}

// Connect creates the driver, verifies connectivity and detects the dialect.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.driver != nil {
		return nil
	}

	driver, err := neo.NewDriverWithContext(
		a.cfg.URI,
		neo.BasicAuth(a.cfg.Username, a.cfg.Password, ""),
		func(c *neo.Config) {
			if a.cfg.MaxPoolSize > 0 {
				c.MaxConnectionPoolSize = a.cfg.MaxPoolSize
			}
			if a.cfg.AcquireTimeout > 0 {
				c.ConnectionAcquisitionTimeout = a.cfg.AcquireTimeout
			}
		},
	)
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return classify("connect", err)
	}

	dialect := a.cfg.Dialect
	if dialect == DialectAuto {
		dialect = DialectNeo4j
		info, err := driver.GetServerInfo(ctx)
		if err != nil {
			_ = driver.Close(ctx)
			return classify("server info", err)
		}
		if strings.Contains(strings.ToLower(info.Agent()), "memgraph") {
			dialect = DialectMemgraph
		}
		a.logger.Info("graph database connected",
			zap.String("agent", info.Agent()),
			zap.String("dialect", string(dialect)))
	}

	a.driver = driver
	a.dialect = dialect
	return nil
}

// Disconnect closes the driver.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.driver == nil {
		return nil
	}
	err := a.driver.Close(ctx)
	a.driver = nil
	return err
}

// Dialect returns the detected dialect, or "" before Connect.
func (a *Adapter) Dialect() Dialect {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.dialect
}

func (a *Adapter) Capabilities() graph.Capabilities {
	d := a.Dialect()
	return graph.Capabilities{
		Dialect:      string(d),
		ShortestPath: d != DialectMemgraph,
		RawQuery:     true,
		// Memgraph reuses integer ids after restarts.
		StableIDs: d == DialectNeo4j,
	}
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	d, _, err := a.conn()
	if err != nil {
		return err
	}
	return classify("health check", d.VerifyConnectivity(ctx))
}

func (a *Adapter) conn() (neo.DriverWithContext, Dialect, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.driver == nil {
		return nil, "", graph.ErrNotConnected
	}
	return a.driver, a.dialect, nil
}

func (a *Adapter) session(ctx context.Context, d neo.DriverWithContext, mode neo.AccessMode) neo.SessionWithContext {
	return d.NewSession(ctx, neo.SessionConfig{AccessMode: mode, DatabaseName: a.cfg.Database})
}

// read runs a single statement in a read transaction and collects records.
func (a *Adapter) read(ctx context.Context, op string, st statement) ([]*neo.Record, error) {
	return a.run(ctx, op, neo.AccessModeRead, st)
}

func (a *Adapter) write(ctx context.Context, op string, st statement) ([]*neo.Record, error) {
	return a.run(ctx, op, neo.AccessModeWrite, st)
}

func (a *Adapter) run(ctx context.Context, op string, mode neo.AccessMode, st statement) ([]*neo.Record, error) {
	d, _, err := a.conn()
	if err != nil {
		return nil, err
	}
	session := a.session(ctx, d, mode)
	defer session.Close(ctx)

	work := func(tx neo.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, st.query, st.params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	}

	var out any
	if mode == neo.AccessModeRead {
		out, err = session.ExecuteRead(ctx, work)
	} else {
		out, err = session.ExecuteWrite(ctx, work)
	}
	if err != nil {
		return nil, classify(op, err)
	}
	recs, _ := out.([]*neo.Record)
	return recs, nil
}

func (a *Adapter) CreateNode(ctx context.Context, labels []string, props types.Properties) (string, error) {
	ls, err := labelList(labels)
	if err != nil {
		return "", err
	}
	recs, err := a.write(ctx, "create node", statement{
		query:  "CREATE (n" + ls + ") SET n = $props RETURN n",
		params: map[string]any{"props": props.Map()},
	})
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("create node returned no record")
	}
	n, err := recordNode(recs[0], "n")
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

func (a *Adapter) GetNode(ctx context.Context, id string) (*types.Node, error) {
	_, dialect, err := a.conn()
	if err != nil {
		return nil, err
	}
	p, err := dialect.idParam(id)
	if err != nil {
		return nil, err
	}
	recs, err := a.read(ctx, "get node", statement{
		query:  "MATCH (n) WHERE " + dialect.matchID("n", "id") + " RETURN n",
		params: map[string]any{"id": p},
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("node %s: %w", id, graph.ErrNotFound)
	}
	n, err := recordNode(recs[0], "n")
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (a *Adapter) UpdateNode(ctx context.Context, id string, props types.Properties) error {
	_, dialect, err := a.conn()
	if err != nil {
		return err
	}
	p, err := dialect.idParam(id)
	if err != nil {
		return err
	}
	recs, err := a.write(ctx, "update node", statement{
		query:  "MATCH (n) WHERE " + dialect.matchID("n", "id") + " SET n += $props RETURN count(n) AS c",
		params: map[string]any{"id": p, "props": props.Map()},
	})
	if err != nil {
		return err
	}
	if len(recs) == 0 || recordInt(recs[0], "c") == 0 {
		return fmt.Errorf("node %s: %w", id, graph.ErrNotFound)
	}
	return nil
}

func (a *Adapter) DeleteNode(ctx context.Context, id string) error {
	_, dialect, err := a.conn()
	if err != nil {
		return err
	}
	p, err := dialect.idParam(id)
	if err != nil {
		return nil
	}
	_, err = a.write(ctx, "delete node", statement{
		query:  "MATCH (n) WHERE " + dialect.matchID("n", "id") + " DETACH DELETE n",
		params: map[string]any{"id": p},
	})
	return err
}

func (a *Adapter) FindNodes(ctx context.Context, label string, filter types.Properties) ([]types.Node, error) {
	st, err := findNodesStatement(label, filter)
	if err != nil {
		return nil, err
	}
	recs, err := a.read(ctx, "find nodes", st)
	if err != nil {
		return nil, err
	}
	nodes := make([]types.Node, 0, len(recs))
	for _, rec := range recs {
		n, err := recordNode(rec, "n")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (a *Adapter) FindNode(ctx context.Context, ref types.NodeRef) (*types.Node, error) {
	pat, err := refPattern("n", ref, "key")
	if err != nil {
		return nil, err
	}
	recs, err := a.read(ctx, "find node", statement{
		query:  "MATCH " + pat + " RETURN n LIMIT 1",
		params: map[string]any{"key": ref.Key},
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("node %s: %w", ref, graph.ErrNotFound)
	}
	n, err := recordNode(recs[0], "n")
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func (a *Adapter) CreateEdge(ctx context.Context, fromID, toID, relType string, props types.Properties) (string, error) {
	_, dialect, err := a.conn()
	if err != nil {
		return "", err
	}
	rel, err := quote(relType)
	if err != nil {
		return "", err
	}
	from, err := dialect.idParam(fromID)
	if err != nil {
		return "", err
	}
	to, err := dialect.idParam(toID)
	if err != nil {
		return "", err
	}
	recs, err := a.write(ctx, "create edge", statement{
		query: "MATCH (a) WHERE " + dialect.matchID("a", "from") +
			" MATCH (b) WHERE " + dialect.matchID("b", "to") +
			" CREATE (a)-[r:" + rel + "]->(b) SET r = $props RETURN r",
		params: map[string]any{"from": from, "to": to, "props": props.Map()},
	})
	if err != nil {
		return "", err
	}
	if len(recs) == 0 {
		return "", fmt.Errorf("edge endpoints %s -> %s: %w", fromID, toID, graph.ErrNotFound)
	}
	raw, _ := recs[0].Get("r")
	r, ok := raw.(neo.Relationship)
	if !ok {
		return "", fmt.Errorf("create edge returned %T", raw)
	}
	return toEdge(r).ID, nil
}

func (a *Adapter) DeleteEdge(ctx context.Context, id string) error {
	_, dialect, err := a.conn()
	if err != nil {
		return err
	}
	p, err := dialect.idParam(id)
	if err != nil {
		return nil
	}
	_, err = a.write(ctx, "delete edge", statement{
		query:  "MATCH ()-[r]->() WHERE " + dialect.matchID("r", "id") + " DELETE r",
		params: map[string]any{"id": p},
	})
	return err
}

func (a *Adapter) Incident(ctx context.Context, nodeID string, dir types.Direction, relTypes []string) ([]types.Incidence, error) {
	_, dialect, err := a.conn()
	if err != nil {
		return nil, err
	}
	if _, err := a.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}
	st, err := incidentStatement(dialect, nodeID, dir, relTypes)
	if err != nil {
		return nil, err
	}
	recs, err := a.read(ctx, "incident", st)
	if err != nil {
		return nil, err
	}
	out := make([]types.Incidence, 0, len(recs))
	for _, rec := range recs {
		raw, _ := rec.Get("r")
		r, ok := raw.(neo.Relationship)
		if !ok {
			return nil, fmt.Errorf("incident returned %T for edge", raw)
		}
		m, err := recordNode(rec, "m")
		if err != nil {
			return nil, err
		}
		out = append(out, types.Incidence{Edge: toEdge(r), Neighbor: m, Outgoing: recordBool(rec, "outgoing")})
	}
	return out, nil
}

// Query runs a raw statement in an auto-commit write session.
func (a *Adapter) Query(ctx context.Context, query string, params map[string]any) ([]graph.Record, error) {
	d, _, err := a.conn()
	if err != nil {
		return nil, err
	}
	session := a.session(ctx, d, neo.AccessModeWrite)
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, classify("query", err)
	}
	recs, err := res.Collect(ctx)
	if err != nil {
		return nil, classify("query", err)
	}
	out := make([]graph.Record, len(recs))
	for i, rec := range recs {
		out[i] = toRecord(rec)
	}
	return out, nil
}

func (a *Adapter) Traverse(ctx context.Context, startID string, relTypes []string, maxHops int, dir types.Direction) ([]types.Node, error) {
	_, dialect, err := a.conn()
	if err != nil {
		return nil, err
	}
	if _, err := a.GetNode(ctx, startID); err != nil {
		return nil, err
	}
	st, err := traverseStatement(dialect, startID, relTypes, maxHops, dir)
	if err != nil {
		return nil, err
	}
	recs, err := a.read(ctx, "traverse", st)
	if err != nil {
		return nil, err
	}
	nodes := make([]types.Node, 0, len(recs))
	for _, rec := range recs {
		n, err := recordNode(rec, "m")
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (a *Adapter) ShortestPath(ctx context.Context, fromID, toID string) ([]types.Node, error) {
	_, dialect, err := a.conn()
	if err != nil {
		return nil, err
	}
	st, err := shortestPathStatement(dialect, fromID, toID, a.cfg.MaxPathHops)
	if err != nil {
		return nil, err
	}
	if fromID == toID {
		n, err := a.GetNode(ctx, fromID)
		if err != nil {
			return nil, err
		}
		return []types.Node{*n}, nil
	}
	recs, err := a.read(ctx, "shortest path", st)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, graph.ErrNotFound
	}
	raw, _ := recs[0].Get("nodes")
	list, _ := raw.([]any)
	path := make([]types.Node, 0, len(list))
	for _, item := range list {
		n, ok := item.(neo.Node)
		if !ok {
			return nil, fmt.Errorf("shortest path returned %T", item)
		}
		path = append(path, toNode(n))
	}
	return path, nil
}

// RunBatch applies every operation inside one managed write transaction. The
// driver retries the whole transaction on transient server errors.
func (a *Adapter) RunBatch(ctx context.Context, ops []graph.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	stmts := make([]statement, len(ops))
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return err
		}
		st, err := opStatement(op)
		if err != nil {
			return err
		}
		stmts[i] = st
	}

	d, _, err := a.conn()
	if err != nil {
		return err
	}
	session := a.session(ctx, d, neo.AccessModeWrite)
	defer session.Close(ctx)

	_, err = session.ExecuteWrite(ctx, func(tx neo.ManagedTransaction) (any, error) {
		for i, st := range stmts {
			res, err := tx.Run(ctx, st.query, st.params)
			if err != nil {
				return nil, err
			}
			rec, err := res.Single(ctx)
			if err != nil {
				return nil, err
			}
			if recordInt(rec, "c") > 0 {
				continue
			}
			switch ops[i].Kind {
			case graph.OpUpdateNode:
				return nil, fmt.Errorf("node %s: %w", ops[i].Node, graph.ErrNotFound)
			case graph.OpMergeEdge:
				return nil, missingEndpoint(ctx, tx, ops[i])
			}
		}
		return nil, nil
	})
	if err != nil {
		a.logger.Debug("graph batch failed", zap.Int("ops", len(ops)), zap.Error(err))
		return classify("run batch", err)
	}
	return nil
}

func missingEndpoint(ctx context.Context, tx neo.ManagedTransaction, op graph.Operation) error {
	st, err := endpointProbe(op)
	if err != nil {
		return err
	}
	res, err := tx.Run(ctx, st.query, st.params)
	if err != nil {
		return err
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return err
	}
	if !recordBool(rec, "hasFrom") {
		return &graph.MissingEndpointError{Ref: op.From}
	}
	return &graph.MissingEndpointError{Ref: op.To}
}

// schema statements run in auto-commit sessions; Memgraph refuses DDL inside
// explicit transactions.
func (a *Adapter) schema(ctx context.Context, op, query string) error {
	d, _, err := a.conn()
	if err != nil {
		return err
	}
	session := a.session(ctx, d, neo.AccessModeWrite)
	defer session.Close(ctx)

	res, err := session.Run(ctx, query, nil)
	if err == nil {
		_, err = res.Consume(ctx)
	}
	if alreadyExists(err) {
		return nil
	}
	return classify(op, err)
}

func (a *Adapter) EnsureConstraint(ctx context.Context, label, property string, unique bool) error {
	if !unique {
		return a.EnsureIndex(ctx, label, property)
	}
	q, err := constraintStatement(a.Dialect(), label, property)
	if err != nil {
		return err
	}
	return a.schema(ctx, "ensure constraint", q)
}

func (a *Adapter) EnsureIndex(ctx context.Context, label, property string) error {
	q, err := indexStatement(a.Dialect(), label, property)
	if err != nil {
		return err
	}
	return a.schema(ctx, "ensure index", q)
}
