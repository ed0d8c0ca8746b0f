package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect names.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// Templates holds the statement templates for the replication operations.
// Placeholders: {table} is the table identifier, {arg} the single bind
// parameter, {params} the comma-separated bind parameters of a row.
type Templates struct {
	CountChanged  string
	SelectChanged string
	Apply         string
	GetWatermark  string
	SetWatermark  string
}

// Merge returns t with every non-empty field of o taking precedence.
func (t Templates) Merge(o Templates) Templates {
	if o.CountChanged != "" {
		t.CountChanged = o.CountChanged
	}
	if o.SelectChanged != "" {
		t.SelectChanged = o.SelectChanged
	}
	if o.Apply != "" {
		t.Apply = o.Apply
	}
	if o.GetWatermark != "" {
		t.GetWatermark = o.GetWatermark
	}
	if o.SetWatermark != "" {
		t.SetWatermark = o.SetWatermark
	}
	return t
}

// Dialect captures what differs between database engines: bind parameter
// syntax, transaction isolation, lock-wait settings and default templates.
type Dialect struct {
	Name        string
	Isolation   sql.IsolationLevel
	Placeholder func(i int) string
	Templates   Templates

	sessionSetup func(lockTimeout time.Duration) (beforeBegin, afterBegin []string)
}

var postgresDialect = &Dialect{
	Name:      DialectPostgres,
	Isolation: sql.LevelRepeatableRead,
	Placeholder: func(i int) string {
		return "$" + strconv.Itoa(i)
	},
	Templates: Templates{
		CountChanged:  "SELECT count(*) FROM wr_export_{table}({arg})",
		SelectChanged: "SELECT * FROM wr_export_{table}({arg})",
		Apply:         "SELECT * FROM wr_import_{table}({params})",
		GetWatermark:  "SELECT wr_xver_get()",
		SetWatermark:  "SELECT wr_xver_set({arg})",
	},
	// lock_timeout = 0 disables the timeout in PostgreSQL, so "no wait"
	// is expressed as the smallest positive value.
	sessionSetup: func(lockTimeout time.Duration) ([]string, []string) {
		ms := lockTimeout.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		return nil, []string{fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)}
	},
}

var sqliteDialect = &Dialect{
	Name:      DialectSQLite,
	Isolation: sql.LevelDefault,
	Placeholder: func(int) string {
		return "?"
	},
	Templates: Templates{
		CountChanged:  "SELECT count(*) FROM wr_export_{table} WHERE x_ver > {arg}",
		SelectChanged: "SELECT * FROM wr_export_{table} WHERE x_ver > {arg} ORDER BY x_ver",
		Apply:         "INSERT OR REPLACE INTO {table} VALUES ({params})",
		GetWatermark:  "SELECT x_ver FROM wr_xver",
		SetWatermark:  "UPDATE wr_xver SET x_ver = {arg}",
	},
	sessionSetup: func(lockTimeout time.Duration) ([]string, []string) {
		return []string{fmt.Sprintf("PRAGMA busy_timeout = %d", lockTimeout.Milliseconds())}, nil
	},
}

var dialects = map[string]*Dialect{
	DialectPostgres: postgresDialect,
	DialectSQLite:   sqliteDialect,
}

// LookupDialect returns the dialect registered under name.
func LookupDialect(name string) (*Dialect, error) {
	d, ok := dialects[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q", name)
	}
	return d, nil
}

// DefaultDialect returns the dialect implied by a driver name.
func DefaultDialect(driver string) string {
	if driver == DriverPgx {
		return DialectPostgres
	}
	return DialectSQLite
}

// Statements renders the replication statements for one endpoint.
type Statements struct {
	templates   Templates
	placeholder func(i int) string
}

// NewStatements combines the dialect defaults with overrides.
func NewStatements(d *Dialect, overrides Templates) *Statements {
	return &Statements{
		templates:   d.Templates.Merge(overrides),
		placeholder: d.Placeholder,
	}
}

// CountChanged counts the rows of table changed after the bound watermark.
func (s *Statements) CountChanged(table string) string {
	return s.render(s.templates.CountChanged, table, 0)
}

// SelectChanged streams the rows of table changed after the bound watermark.
func (s *Statements) SelectChanged(table string) string {
	return s.render(s.templates.SelectChanged, table, 0)
}

// Apply imports one row of columns values into table.
func (s *Statements) Apply(table string, columns int) string {
	return s.render(s.templates.Apply, table, columns)
}

func (s *Statements) GetWatermark() string {
	return s.render(s.templates.GetWatermark, "", 0)
}

func (s *Statements) SetWatermark() string {
	return s.render(s.templates.SetWatermark, "", 0)
}

func (s *Statements) render(tmpl, table string, columns int) string {
	params := make([]string, columns)
	for i := range params {
		params[i] = s.placeholder(i + 1)
	}
	return strings.NewReplacer(
		"{table}", table,
		"{arg}", s.placeholder(1),
		"{params}", strings.Join(params, ","),
	).Replace(tmpl)
}
