// Package remotetest provides an in-memory remote.Table for tests.
package remotetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lingopal/lingopal/internal/remote"
)

// Table is an in-memory implementation of remote.Table. Errors can be
// injected per operation+table via Fail.
type Table struct {
	mu     sync.Mutex
	tables map[string][]remote.Row
	fail   map[string]error
}

// NewTable creates an empty fake.
func NewTable() *Table {
	return &Table{
		tables: make(map[string][]remote.Row),
		fail:   make(map[string]error),
	}
}

// Fail makes the given operation ("select", "insert", "update", "delete")
// on table return err. Pass nil to clear.
func (t *Table) Fail(op, table string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := op + ":" + table
	if err == nil {
		delete(t.fail, key)
		return
	}
	t.fail[key] = err
}

// Rows returns a copy of the rows currently stored in table.
func (t *Table) Rows(table string) []remote.Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]remote.Row, len(t.tables[table]))
	copy(out, t.tables[table])
	return out
}

// Seed inserts rows without going through Insert (no error injection).
func (t *Table) Seed(table string, rows ...remote.Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tables[table] = append(t.tables[table], rows...)
}

func (t *Table) Select(_ context.Context, table string, q remote.Query) ([]remote.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail["select:"+table]; err != nil {
		return nil, err
	}

	var out []remote.Row
	for _, row := range t.tables[table] {
		if matches(row, q.Filters) {
			out = append(out, row)
		}
	}
	if q.OrderBy != "" {
		col, desc := q.OrderBy, q.Descending
		sort.SliceStable(out, func(i, j int) bool {
			a, b := fmt.Sprint(out[i][col]), fmt.Sprint(out[j][col])
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (t *Table) Insert(_ context.Context, table string, row remote.Row) (remote.Row, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail["insert:"+table]; err != nil {
		return nil, err
	}
	cp := make(remote.Row, len(row))
	for k, v := range row {
		cp[k] = v
	}
	t.tables[table] = append(t.tables[table], cp)
	return cp, nil
}

func (t *Table) Update(_ context.Context, table string, values remote.Row, filters ...remote.Filter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail["update:"+table]; err != nil {
		return err
	}
	for _, row := range t.tables[table] {
		if matches(row, filters) {
			for k, v := range values {
				row[k] = v
			}
		}
	}
	return nil
}

func (t *Table) Delete(_ context.Context, table string, filters ...remote.Filter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.fail["delete:"+table]; err != nil {
		return err
	}
	kept := t.tables[table][:0]
	for _, row := range t.tables[table] {
		if !matches(row, filters) {
			kept = append(kept, row)
		}
	}
	t.tables[table] = kept
	return nil
}

func matches(row remote.Row, filters []remote.Filter) bool {
	for _, f := range filters {
		if fmt.Sprint(row[f.Column]) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

var _ remote.Table = (*Table)(nil)
