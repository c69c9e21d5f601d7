// Package sqlindex stores the multimap in an SQLite table, one row per
// occurrence, as a relational baseline for the benchmark.
package sqlindex

import (
	"database/sql"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // pure Go driver, registers "sqlite"

	"github.com/btree-query-bench/cellbtree/dbms/index"
	"github.com/btree-query-bench/cellbtree/dbms/serial"
)

const driverName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	key      TEXT    NOT NULL,
	cluster  INTEGER NOT NULL,
	position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS entries_key ON entries (key, cluster, position);
`

type SQLIndex struct {
	db  *sql.DB
	log *slog.Logger
}

// Open opens or creates the database file at path.
func Open(path string, logger *slog.Logger) (*SQLIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open(driverName, path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: open")
	}
	// A single connection serializes writers the way SQLite wants them.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.CombineErrors(errors.Wrap(err, "sqlindex: schema"), db.Close())
	}
	return &SQLIndex{db: db, log: logger.With("component", "sqlindex")}, nil
}

func (s *SQLIndex) Close() error { return s.db.Close() }

func (s *SQLIndex) Put(key string, value serial.RID) error {
	_, err := s.db.Exec(`INSERT INTO entries (key, cluster, position) VALUES (?, ?, ?)`,
		key, value.ClusterID, value.Position)
	return errors.Wrap(err, "sqlindex: put")
}

func (s *SQLIndex) Get(key string) ([]serial.RID, error) {
	rows, err := s.db.Query(`SELECT cluster, position FROM entries WHERE key = ?`, key)
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: get")
	}
	defer rows.Close()
	var out []serial.RID
	for rows.Next() {
		var v serial.RID
		if err := rows.Scan(&v.ClusterID, &v.Position); err != nil {
			return nil, errors.Wrap(err, "sqlindex: get")
		}
		out = append(out, v)
	}
	return out, errors.Wrap(rows.Err(), "sqlindex: get")
}

func (s *SQLIndex) Remove(key string, value serial.RID) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM entries WHERE rowid = (
		SELECT rowid FROM entries WHERE key = ? AND cluster = ? AND position = ? LIMIT 1)`,
		key, value.ClusterID, value.Position)
	if err != nil {
		return false, errors.Wrap(err, "sqlindex: remove")
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "sqlindex: remove")
}

// Range relies on SQLite's BINARY collation, which orders TEXT bytewise like
// Go strings.
func (s *SQLIndex) Range(r index.Range) (index.Iterator, error) {
	q, args := rangeQuery(r)
	s.log.Debug("range scan", "query", q)
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlindex: range")
	}
	return &rowIterator{rows: rows}, nil
}

func rangeQuery(r index.Range) (string, []any) {
	var b strings.Builder
	b.WriteString(`SELECT key, cluster, position FROM entries`)
	var where []string
	var args []any
	if r.HasFrom {
		op := ">"
		if r.FromInclusive {
			op = ">="
		}
		where = append(where, "key "+op+" ?")
		args = append(args, r.From)
	}
	if r.HasTo {
		op := "<"
		if r.ToInclusive {
			op = "<="
		}
		where = append(where, "key "+op+" ?")
		args = append(args, r.To)
	}
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	if r.Descending {
		b.WriteString(" ORDER BY key DESC")
	} else {
		b.WriteString(" ORDER BY key ASC")
	}
	return b.String(), args
}

type rowIterator struct {
	rows *sql.Rows
	key  string
	val  serial.RID
	err  error
}

func (it *rowIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		if it.err == nil {
			it.err = it.rows.Err()
		}
		return false
	}
	it.err = it.rows.Scan(&it.key, &it.val.ClusterID, &it.val.Position)
	return it.err == nil
}

func (it *rowIterator) Key() string       { return it.key }
func (it *rowIterator) Value() serial.RID { return it.val }
func (it *rowIterator) Error() error      { return it.err }
func (it *rowIterator) Close() error      { return it.rows.Close() }
