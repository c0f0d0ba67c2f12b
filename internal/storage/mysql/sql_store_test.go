package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"testing/fstest"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	"OpenMCP-Fleet/internal/events"
	"OpenMCP-Fleet/internal/policy"
	"OpenMCP-Fleet/internal/scheduler"
)

func TestSQLStoreAppendEvent(t *testing.T) {
	t.Parallel()

	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO fleet_events
    (seq, agent_id, category, message, payload, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?)`, mockResult{lastInsertID: 1, rowsAffected: 1}),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLStore{db: db}
	evt := events.Event{ID: 3, AgentID: "alpha", Category: events.CategoryWake, Message: "tick", Timestamp: time.UnixMilli(1000)}
	if err := store.AppendEvent(context.Background(), evt); err != nil {
		t.Fatalf("append failed: %v", err)
	}
}

func TestSQLStoreListEventsByAgent(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"seq", "agent_id", "category", "message", "payload", "occurred_at"},
		values: [][]driver.Value{
			{int64(9), "alpha", "transfer", "sent", `{"amount":0.1}`, int64(2000)},
			{int64(8), "alpha", "wake", "tick", "null", int64(1000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		queryOp(`SELECT seq, agent_id, category, message, payload, occurred_at
    FROM fleet_events WHERE agent_id = ? ORDER BY occurred_at DESC, id DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLStore{db: db}
	list, err := store.ListEvents(context.Background(), "alpha", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != 9 || list[0].Category != events.CategoryTransfer {
		t.Fatalf("unexpected events: %+v", list)
	}
	if list[0].Payload["amount"] != 0.1 {
		t.Fatalf("payload not decoded: %+v", list[0].Payload)
	}
	if list[1].Payload != nil {
		t.Fatalf("null payload should stay nil: %+v", list[1].Payload)
	}
}

func TestSQLStoreDecisions(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"id", "agent_id", "action_id", "kind", "amount", "target", "approved", "reason", "checks", "decided_at"},
		values: [][]driver.Value{
			{"d1", "alpha", "a1", "transfer", 0.1, "0xabc", int64(1), "approved", `[{"name":"single_tx_limit","passed":true,"observed":0.1,"limit":0.5,"reason":"ok"}]`, int64(5000)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO policy_decisions
    (id, agent_id, action_id, kind, amount, target, approved, reason, checks, decided_at, quote_id)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT id, agent_id, action_id, kind, amount, target, approved, reason, checks, decided_at
    FROM policy_decisions ORDER BY decided_at DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLStore{db: db}
	d := policy.Decision{ID: "d1", AgentID: "alpha", Kind: policy.KindTransfer, Amount: 0.1, Approved: true, Timestamp: time.UnixMilli(5000)}
	if err := store.RecordDecision(context.Background(), d); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	list, err := store.ListDecisions(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || !list[0].Approved || len(list[0].Checks) != 1 || list[0].Checks[0].Name != policy.CheckSingleTxLimit {
		t.Fatalf("unexpected decisions: %+v", list)
	}
}

func TestSQLStoreCycles(t *testing.T) {
	t.Parallel()

	rows := mockRowsData{
		columns: []string{"agent_id", "seq", "decision", "directive_version", "balance", "actions", "error", "started_at", "ended_at"},
		values: [][]driver.Value{
			{"alpha", int64(4), "act", int64(2), 1.5, `[{"action_id":"x","kind":"transfer","summary":"s","status":"executed"}]`, "", int64(1000), int64(3500)},
		},
	}
	db, driver := newMockDB(t, []mockOperation{
		execOp(`INSERT INTO agent_cycles
    (agent_id, seq, decision, directive_version, balance, actions, error, started_at, ended_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		queryOp(`SELECT agent_id, seq, decision, directive_version, balance, actions, error, started_at, ended_at
    FROM agent_cycles WHERE agent_id = ? ORDER BY started_at DESC LIMIT ?`, rows),
	})
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLStore{db: db}
	if err := store.RecordCycle(context.Background(), scheduler.Cycle{AgentID: "alpha", Seq: 4, Decision: scheduler.DecisionAct}); err != nil {
		t.Fatalf("record failed: %v", err)
	}
	list, err := store.ListCycles(context.Background(), "alpha", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(list) != 1 || list[0].Seq != 4 || list[0].Duration != 2500*time.Millisecond {
		t.Fatalf("unexpected cycles: %+v", list)
	}
	if len(list[0].Actions) != 1 || list[0].Actions[0].Status != scheduler.OutcomeExecuted {
		t.Fatalf("actions not decoded: %+v", list[0].Actions)
	}
}

func TestSQLStoreRunMigrations(t *testing.T) {
	t.Parallel()

	files, err := loadMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(files) < 4 {
		t.Fatalf("expected embedded migrations, got %d", len(files))
	}

	ops := []mockOperation{
		execOp(createSchemaTable, mockResult{}),
		queryOp(`SELECT version, checksum FROM schema_migrations`, mockRowsData{
			columns: []string{"version", "checksum"},
			values: [][]driver.Value{
				{"0001", files[0].checksum},
				{"0002", files[1].checksum},
				{"0003", "edited-after-apply"},
			},
		}),
		beginOp(),
		failingExecOp(files[3].statements[0], &gomysql.MySQLError{Number: errDuplicateColumn, Message: "Duplicate column name 'quote_id'"}),
		execOp(`INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`, mockResult{rowsAffected: 1}),
		commitOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	store := &SQLStore{db: db}
	if err := store.runMigrations(context.Background()); err != nil {
		t.Fatalf("run migrations failed: %v", err)
	}
}

func TestMigrationFailureRollsBack(t *testing.T) {
	t.Parallel()

	files, err := loadMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	ops := []mockOperation{
		beginOp(),
		failingExecOp(files[0].statements[0], &gomysql.MySQLError{Number: 1050, Message: "Table exists"}),
		rollbackOp(),
	}
	db, driver := newMockDB(t, ops)
	defer driver.assertConsumed(t)
	defer db.Close()

	if err := newMigrator(db).apply(context.Background(), files[0]); err == nil {
		t.Fatalf("expected migration error")
	}
}

func TestLoadMigrationsOrdersAndSplits(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.sql":  {Data: []byte("-- second\nCREATE TABLE b (id INT);\nCREATE INDEX idx_b ON b (id);\n")},
		"0001_a.sql":  {Data: []byte("CREATE TABLE a (id INT);")},
		"0003_c.sql":  {Data: []byte("-- only a comment\n")},
		"README.md":   {Data: []byte("not a migration;")},
		"0002_aa.sql": {Data: []byte("SELECT 1;")},
	}
	files, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}

	var names []string
	for _, f := range files {
		names = append(names, f.name)
	}
	if strings.Join(names, ",") != "0001_a.sql,0002_aa.sql,0002_b.sql" {
		t.Fatalf("unexpected order: %v", names)
	}
	if len(files[2].statements) != 2 || files[2].statements[1] != "CREATE INDEX idx_b ON b (id)" {
		t.Fatalf("unexpected statements: %q", files[2].statements)
	}
	if len(files[0].checksum) != 64 || files[0].checksum == files[1].checksum {
		t.Fatalf("unexpected checksums: %s %s", files[0].checksum, files[1].checksum)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	cases := map[string]string{
		"0001_create_events.sql": "0001",
		"0005.sql":               "0005",
		"plain":                  "plain",
	}
	for name, want := range cases {
		if got := parseMigrationVersion(name); got != want {
			t.Fatalf("parseMigrationVersion(%q) = %q, want %q", name, got, want)
		}
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
	opBegin
	opCommit
	opRollback
)

type mockOperation struct {
	typ    operationType
	query  string
	result mockResult
	rows   mockRowsData
	err    error
}

type mockResult struct {
	lastInsertID int64
	rowsAffected int64
}

func (r mockResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r mockResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops []mockOperation
	idx int32
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-fleet-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func execOp(query string, result mockResult) mockOperation {
	return mockOperation{typ: opExec, query: query, result: result}
}

func failingExecOp(query string, err error) mockOperation {
	return mockOperation{typ: opExec, query: query, err: err}
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func beginOp() mockOperation { return mockOperation{typ: opBegin} }

func commitOp() mockOperation { return mockOperation{typ: opCommit} }

func rollbackOp() mockOperation { return mockOperation{typ: opRollback} }

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) Open(name string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *mockConn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	op, err := c.next(opBegin, "")
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockTx{driver: c.driver}, nil
}

func (c *mockConn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, named(args))
}

func (c *mockConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	op, err := c.next(opExec, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return op.result, nil
}

func (c *mockConn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, named(args))
}

func (c *mockConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(ctx context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" {
		expectedSQL := normalizeSQL(op.query)
		actualSQL := normalizeSQL(query)
		if expectedSQL != actualSQL {
			return nil, fmt.Errorf("unexpected query. want %q got %q", expectedSQL, actualSQL)
		}
	}
	return op, nil
}

type mockTx struct {
	driver *queueDriver
}

func (t *mockTx) Commit() error {
	op, err := t.next(opCommit)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) Rollback() error {
	op, err := t.next(opRollback)
	if err != nil {
		return err
	}
	return op.err
}

func (t *mockTx) next(expected operationType) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&t.driver.idx))
	if idx >= len(t.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &t.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&t.driver.idx, 1)
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func named(args []driver.Value) []driver.NamedValue {
	namedArgs := make([]driver.NamedValue, len(args))
	for i, arg := range args {
		namedArgs[i] = driver.NamedValue{Ordinal: i + 1, Value: arg}
	}
	return namedArgs
}

func normalizeSQL(query string) string {
	fields := strings.Fields(query)
	return strings.Join(fields, " ")
}
