package database

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"vwbackup/internal/backup"
	"vwbackup/internal/logging"
)

// Source owns read access to the live service database. It opens the file
// read-only so the single writer, the service itself, is never blocked or
// endangered by a backup run.
type Source struct {
	path   string
	db     *sql.DB
	logger *logging.Logger
}

// NewSource opens the database at path read-only.
func NewSource(path string, logger *logging.Logger) (*Source, error) {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, backup.NewResourceError("failed to open database", err).WithContext("path", path)
	}
	// SQLite serializes access per connection; one is all we need.
	db.SetMaxOpenConns(1)

	return &Source{path: path, db: db, logger: logger}, nil
}

// NewSourceFromDB wraps an existing connection. Tests use it to inject
// failing connections.
func NewSourceFromDB(db *sql.DB, path string, logger *logging.Logger) *Source {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &Source{path: path, db: db, logger: logger}
}

// Close releases the underlying connection.
func (s *Source) Close() error {
	return s.db.Close()
}

// Path returns the location of the live database file.
func (s *Source) Path() string {
	return s.path
}

// Ping verifies the database is reachable and really is SQLite.
func (s *Source) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return backup.NewResourceError("database is not readable", err).WithContext("path", s.path)
	}
	return nil
}

// Snapshot writes a transactionally consistent copy of the database to dst
// using VACUUM INTO. The copy is taken inside SQLite itself, so WAL content
// is folded in and a concurrent writer can never tear the output.
func (s *Source) Snapshot(ctx context.Context, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return backup.NewArtifactError("failed to clear snapshot target", err).WithContext("target", dst)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO %s", quoteString(dst))); err != nil {
		return backup.NewArtifactError("database snapshot failed", err).WithContext("target", dst)
	}
	s.logger.WithFields(map[string]interface{}{
		"source": s.path,
		"target": dst,
	}).Debug("Database snapshot complete")
	return nil
}

// Dump writes a portable SQL text dump of the whole database to dst. The
// output replays on an empty database: schema first, data per table, then
// indexes, triggers and views.
func (s *Source) Dump(ctx context.Context, dst string) error {
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return backup.NewArtifactError("failed to create dump file", err).WithContext("target", dst)
	}

	if err := s.writeDump(ctx, out); err != nil {
		out.Close()
		os.Remove(dst)
		return backup.NewArtifactError("database dump failed", err).WithContext("target", dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return backup.NewArtifactError("failed to flush dump file", err).WithContext("target", dst)
	}
	return nil
}

func (s *Source) writeDump(ctx context.Context, out *os.File) error {
	w := &stringWriter{f: out}

	w.writeln("PRAGMA foreign_keys=OFF;")
	w.writeln("BEGIN TRANSACTION;")

	tables, err := s.tableSchemas(ctx)
	if err != nil {
		return err
	}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.writeln(strings.TrimRight(table.createSQL, ";") + ";")
		if err := s.dumpTableRows(ctx, w, table.name); err != nil {
			return err
		}
	}

	extras, err := s.schemaObjects(ctx)
	if err != nil {
		return err
	}
	for _, sqlText := range extras {
		w.writeln(strings.TrimRight(sqlText, ";") + ";")
	}

	w.writeln("COMMIT;")
	return w.err
}

type tableSchema struct {
	name      string
	createSQL string
}

func (s *Source) tableSchemas(ctx context.Context) ([]tableSchema, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL
		 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []tableSchema
	for rows.Next() {
		var t tableSchema
		if err := rows.Scan(&t.name, &t.createSQL); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// schemaObjects returns the CREATE statements for indexes, triggers and
// views, emitted after the data so they never slow the inserts down.
func (s *Source) schemaObjects(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sql FROM sqlite_master
		 WHERE type IN ('index', 'trigger', 'view') AND name NOT LIKE 'sqlite_%' AND sql IS NOT NULL
		 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var objects []string
	for rows.Next() {
		var sqlText string
		if err := rows.Scan(&sqlText); err != nil {
			return nil, err
		}
		objects = append(objects, sqlText)
	}
	return objects, rows.Err()
}

func (s *Source) dumpTableRows(ctx context.Context, w *stringWriter, table string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(table)))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	values := make([]interface{}, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return err
		}
		literals := make([]string, len(values))
		for i, v := range values {
			literals[i] = sqlLiteral(v)
		}
		w.writeln(fmt.Sprintf("INSERT INTO %s VALUES(%s);", quoteIdent(table), strings.Join(literals, ",")))
	}
	return rows.Err()
}

// jsonExport is the document shape of the JSON format: every user table
// with its column order and raw rows.
type jsonExport struct {
	GeneratedAt time.Time            `json:"generated_at"`
	Tables      map[string]jsonTable `json:"tables"`
}

type jsonTable struct {
	Columns []string        `json:"columns"`
	Rows    [][]interface{} `json:"rows"`
}

// ExportJSON writes a single JSON document containing all user tables.
func (s *Source) ExportJSON(ctx context.Context, dst string) error {
	tables, err := userTables(ctx, s.db)
	if err != nil {
		return backup.NewArtifactError("failed to list tables", err).WithContext("target", dst)
	}

	export := jsonExport{GeneratedAt: time.Now().UTC(), Tables: make(map[string]jsonTable, len(tables))}
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		cols, rowData, err := s.readTable(ctx, table)
		if err != nil {
			return backup.NewArtifactError("failed to export table", err).WithContext("table", table)
		}
		export.Tables[table] = jsonTable{Columns: cols, Rows: rowData}
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return backup.NewArtifactError("failed to create json export", err).WithContext("target", dst)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(export); err != nil {
		out.Close()
		os.Remove(dst)
		return backup.NewArtifactError("failed to encode json export", err).WithContext("target", dst)
	}
	if err := out.Close(); err != nil {
		os.Remove(dst)
		return backup.NewArtifactError("failed to flush json export", err).WithContext("target", dst)
	}
	return nil
}

// ExportCSV writes one CSV file per user table into dir and returns the
// files it created, sorted by name. CSV flattens NULL to the empty string;
// the format is a convenience export, not a restore source.
func (s *Source) ExportCSV(ctx context.Context, dir string) ([]string, error) {
	tables, err := userTables(ctx, s.db)
	if err != nil {
		return nil, backup.NewArtifactError("failed to list tables", err)
	}

	var files []string
	for _, table := range tables {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := filepath.Join(dir, table+".csv")
		if err := s.exportTableCSV(ctx, table, path); err != nil {
			return nil, backup.NewArtifactError("failed to export table", err).WithContext("table", table)
		}
		files = append(files, path)
	}
	sort.Strings(files)
	return files, nil
}

func (s *Source) exportTableCSV(ctx context.Context, table, dst string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(table)))
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	w := csv.NewWriter(out)

	if err := w.Write(cols); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}

	values := make([]interface{}, len(cols))
	scanArgs := make([]interface{}, len(cols))
	for i := range values {
		scanArgs[i] = &values[i]
	}
	record := make([]string, len(cols))

	for rows.Next() {
		if err := rows.Scan(scanArgs...); err != nil {
			out.Close()
			os.Remove(dst)
			return err
		}
		for i, v := range values {
			record[i] = csvCell(v)
		}
		if err := w.Write(record); err != nil {
			out.Close()
			os.Remove(dst)
			return err
		}
	}
	if err := rows.Err(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}

	w.Flush()
	if err := w.Error(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

func (s *Source) readTable(ctx context.Context, table string) ([]string, [][]interface{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", quoteIdent(table)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var rowData [][]interface{}
	for rows.Next() {
		values := make([]interface{}, len(cols))
		scanArgs := make([]interface{}, len(cols))
		for i := range values {
			scanArgs[i] = &values[i]
		}
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, nil, err
		}
		for i, v := range values {
			values[i] = jsonValue(v)
		}
		rowData = append(rowData, values)
	}
	return cols, rowData, rows.Err()
}

// RowCounts returns the row count of every user table.
func (s *Source) RowCounts(ctx context.Context) (map[string]int64, error) {
	counts, err := rowCounts(ctx, s.db)
	if err != nil {
		return nil, backup.NewArtifactError("failed to count rows", err).WithContext("path", s.path)
	}
	return counts, nil
}

func userTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master
		 WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func rowCounts(ctx context.Context, db *sql.DB) (map[string]int64, error) {
	tables, err := userTables(ctx, db)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(tables))
	for _, table := range tables {
		var n int64
		if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table))).Scan(&n); err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}

// sqlLiteral renders a scanned value as a SQLite literal for dump output.
func sqlLiteral(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case bool:
		if val {
			return "1"
		}
		return "0"
	case []byte:
		return "X'" + hex.EncodeToString(val) + "'"
	case time.Time:
		return quoteString(val.UTC().Format("2006-01-02 15:04:05.999999999"))
	case string:
		return quoteString(val)
	default:
		return quoteString(fmt.Sprint(val))
	}
}

// jsonValue converts scanned values into JSON-friendly types. Binary blobs
// become base64 strings, timestamps RFC 3339.
func jsonValue(v interface{}) interface{} {
	switch val := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func csvCell(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// quoteString renders a SQL string literal with doubled quotes.
func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// quoteIdent renders a double-quoted SQL identifier.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// stringWriter accumulates the first write error so dump code can stay
// linear instead of checking every line.
type stringWriter struct {
	f   *os.File
	err error
}

func (w *stringWriter) writeln(line string) {
	if w.err != nil {
		return
	}
	_, w.err = w.f.WriteString(line + "\n")
}
