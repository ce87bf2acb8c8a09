package probe

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"github.com/moniwatch/moniwatch/internal/models"
)

// Datasource names a database the sql and export jobs query. Driver is a
// registered database/sql driver name: "postgres", "mysql" or "sqlite3".
type Datasource struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// Table is a materialized query result with every value rendered as text.
type Table struct {
	Columns []string
	Rows    [][]string
}

// SQLProbe runs checks against named datasources. Connections are opened
// on first use and shared by all jobs of a datasource.
type SQLProbe struct {
	mu      sync.Mutex
	sources map[string]Datasource
	dbs     map[string]*sql.DB
	timeout time.Duration
}

// NewSQLProbe creates a probe over sources.
func NewSQLProbe(sources map[string]Datasource, timeout time.Duration) *SQLProbe {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &SQLProbe{
		sources: sources,
		dbs:     make(map[string]*sql.DB),
		timeout: timeout,
	}
}

// Datasources lists the configured datasource names.
func (p *SQLProbe) Datasources() []string {
	names := make([]string, 0, len(p.sources))
	for name := range p.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *SQLProbe) db(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.dbs[name]; ok {
		return db, nil
	}
	src, ok := p.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown datasource %q", models.ErrDomainCheck, name)
	}
	db, err := sql.Open(src.Driver, src.DSN)
	if err != nil {
		return nil, fmt.Errorf("%w: open datasource %q: %v", models.ErrDomainCheck, name, err)
	}
	if src.MaxOpenConns > 0 {
		db.SetMaxOpenConns(src.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	p.dbs[name] = db
	return db, nil
}

// Count runs query and returns the number of rows it produced.
func (p *SQLProbe) Count(ctx context.Context, datasource, query string) (int64, error) {
	db, err := p.db(datasource)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("%w: query %s: %v", models.ErrDomainCheck, datasource, err)
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", models.ErrDomainCheck, datasource, err)
	}
	return n, nil
}

// Query runs query and materializes the result.
func (p *SQLProbe) Query(ctx context.Context, datasource, query string) (*Table, error) {
	db, err := p.db(datasource)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", models.ErrDomainCheck, datasource, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("%w: columns %s: %v", models.ErrDomainCheck, datasource, err)
	}

	table := &Table{Columns: columns}
	values := make([]interface{}, len(columns))
	ptrs := make([]interface{}, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", models.ErrDomainCheck, datasource, err)
		}
		row := make([]string, len(columns))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		table.Rows = append(table.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", models.ErrDomainCheck, datasource, err)
	}
	return table, nil
}

// Close closes every opened datasource.
func (p *SQLProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, db := range p.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.dbs, name)
	}
	return firstErr
}

func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(val)
	}
}
