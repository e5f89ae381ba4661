package manet

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// SQLiteTraceWriter writes packet trace records to a SQLite database,
// buffering them and inserting a batch per transaction
type SQLiteTraceWriter struct {
	*sql.DB
	statement *sql.Stmt

	dbName    string
	toWrite   []NetTrace
	batchSize int
	closed    bool
}

// NewSQLiteTraceWriter creates a new SQLiteTraceWriter.  An empty path
// gets a generated name.  Buffered records are flushed at exit
func NewSQLiteTraceWriter(path string) *SQLiteTraceWriter {
	w := &SQLiteTraceWriter{
		dbName:    path,
		batchSize: 10000,
	}

	atexit.Register(func() { _ = w.Flush() })

	return w
}

// Init creates the database file and the net_trace table
func (t *SQLiteTraceWriter) Init() error {
	if err := t.createDatabase(); err != nil {
		return err
	}
	if err := t.createTable(); err != nil {
		return err
	}
	return t.prepareStatement()
}

// Name is the database file being written
func (t *SQLiteTraceWriter) Name() string {
	return t.dbName
}

// AddNetTrace buffers a record, writing the batch when it is full
func (t *SQLiteTraceWriter) AddNetTrace(ntr *NetTrace) {
	if t.closed {
		return
	}
	t.toWrite = append(t.toWrite, *ntr)
	if len(t.toWrite) >= t.batchSize {
		if err := t.Flush(); err != nil {
			panic(err)
		}
	}
}

// Flush writes all the buffered records to the database.
func (t *SQLiteTraceWriter) Flush() error {
	if t.closed || t.DB == nil || len(t.toWrite) == 0 {
		return nil
	}

	tx, err := t.Begin()
	if err != nil {
		return fmt.Errorf("sqlite trace begin: %w", err)
	}
	stmt := tx.Stmt(t.statement)
	for _, ntr := range t.toWrite {
		_, err := stmt.Exec(ntr.Time, ntr.NodeID, ntr.Op, ntr.Proto, ntr.Src, ntr.Dst,
			ntr.PcktID, ntr.Size, ntr.TTL, ntr.Reason)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite trace insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite trace commit: %w", err)
	}

	t.toWrite = nil
	return nil
}

// Close flushes what is buffered and closes the database
func (t *SQLiteTraceWriter) Close() error {
	if t.closed || t.DB == nil {
		return nil
	}
	ferr := t.Flush()
	t.closed = true
	_ = t.statement.Close()
	cerr := t.DB.Close()
	if ferr != nil {
		return ferr
	}
	return cerr
}

func (t *SQLiteTraceWriter) createDatabase() error {
	if t.dbName == "" {
		t.dbName = "manet_trace_" + xid.New().String() + ".sqlite3"
	} else if !strings.HasSuffix(t.dbName, ".sqlite3") && !strings.HasSuffix(t.dbName, ".sqlite") &&
		!strings.HasSuffix(t.dbName, ".db") {
		t.dbName += ".sqlite3"
	}

	if _, err := os.Stat(t.dbName); err == nil {
		return fmt.Errorf("file %s already exists", t.dbName)
	}

	db, err := sql.Open("sqlite3", t.dbName)
	if err != nil {
		return fmt.Errorf("opening %s: %w", t.dbName, err)
	}
	t.DB = db
	return nil
}

func (t *SQLiteTraceWriter) createTable() error {
	stmts := []string{`
		create table net_trace
		(
			time     float        not null,
			node     integer      not null,
			op       varchar(16)  not null,
			proto    varchar(16)  default '',
			src      varchar(40)  default '',
			dst      varchar(40)  default '',
			pckt_id  integer      default 0,
			size     integer      default 0,
			ttl      integer      default 0,
			reason   varchar(64)  default ''
		);
	`,
		`create index net_trace_time_index on net_trace (time);`,
		`create index net_trace_node_index on net_trace (node);`,
		`create index net_trace_op_index on net_trace (op);`,
	}
	for _, s := range stmts {
		if _, err := t.Exec(s); err != nil {
			return fmt.Errorf("creating net_trace: %w", err)
		}
	}
	return nil
}

func (t *SQLiteTraceWriter) prepareStatement() error {
	sqlStr := `INSERT INTO net_trace VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := t.Prepare(sqlStr)
	if err != nil {
		return fmt.Errorf("preparing net_trace insert: %w", err)
	}
	t.statement = stmt
	return nil
}
