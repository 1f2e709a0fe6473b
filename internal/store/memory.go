package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/schema"
)

type memRow struct {
	id     interface{}
	values map[string]interface{}
}

type joinRow struct {
	left, right interface{}
}

// Memory is an in-memory backend. Every fetch it performs, eager or lazy,
// counts as one query so tests can assert on N+1 behaviour.
type Memory struct {
	reg *schema.Registry

	mu    sync.RWMutex
	rows  map[string][]memRow
	joins map[string][]joinRow

	queries atomic.Int64
	logMu   sync.Mutex
	log     []string
}

// NewMemory returns an empty backend for the types of reg.
func NewMemory(reg *schema.Registry) *Memory {
	return &Memory{
		reg:   reg,
		rows:  make(map[string][]memRow),
		joins: make(map[string][]joinRow),
	}
}

// Insert adds a row of typ. values is keyed by column.
func (m *Memory) Insert(typ string, id interface{}, values map[string]interface{}) {
	copied := make(map[string]interface{}, len(values)+1)
	for k, v := range values {
		copied[k] = v
	}
	m.mu.Lock()
	m.rows[typ] = append(m.rows[typ], memRow{id: id, values: copied})
	m.mu.Unlock()
}

// Link adds a row to the join table of a many-to-many relation.
func (m *Memory) Link(table string, left, right interface{}) {
	m.mu.Lock()
	m.joins[table] = append(m.joins[table], joinRow{left: left, right: right})
	m.mu.Unlock()
}

// Query returns an unfiltered query over typ.
func (m *Memory) Query(typ string) Query {
	return NewQuery(typ, m)
}

// Queries returns the number of fetches performed.
func (m *Memory) Queries() int64 { return m.queries.Load() }

// Log returns a description of every fetch performed, in order.
func (m *Memory) Log() []string {
	m.logMu.Lock()
	defer m.logMu.Unlock()
	return append([]string(nil), m.log...)
}

// ResetQueries clears the fetch counter and log.
func (m *Memory) ResetQueries() {
	m.queries.Store(0)
	m.logMu.Lock()
	m.log = nil
	m.logMu.Unlock()
}

func (m *Memory) record(format string, args ...interface{}) {
	m.queries.Add(1)
	m.logMu.Lock()
	m.log = append(m.log, fmt.Sprintf(format, args...))
	m.logMu.Unlock()
}

func (m *Memory) newRecord(typ string, r memRow) *schema.Record {
	rec := schema.NewRecord(typ, r.id, r.values)
	rec.SetLoader(m)
	return rec
}

// Execute implements Executor.
func (m *Memory) Execute(ctx context.Context, spec Spec) ([]schema.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	typ, ok := m.reg.Lookup(spec.Type)
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeUnknownEntity,
			fmt.Sprintf("unknown entity type %q", spec.Type))
	}

	m.record("fetch %s", spec.Type)
	m.mu.RLock()
	rows := make([]memRow, 0, len(m.rows[spec.Type]))
	for _, r := range m.rows[spec.Type] {
		if matches(r, spec.Filters) {
			rows = append(rows, r)
		}
	}
	m.mu.RUnlock()

	sortRows(rows, spec.Order)
	if spec.Limit > 0 && len(rows) > spec.Limit {
		rows = rows[:spec.Limit]
	}

	base := make([]*schema.Record, len(rows))
	for i, r := range rows {
		base[i] = m.newRecord(spec.Type, r)
	}

	levels := map[string]levelRecords{"": {typ: typ, recs: base}}
	for _, prefix := range ChainPrefixes(spec.Select) {
		if err := m.attach(levels, prefix, false); err != nil {
			return nil, err
		}
	}
	for _, prefix := range ChainPrefixes(spec.Prefetch) {
		if err := m.attach(levels, prefix, true); err != nil {
			return nil, err
		}
	}

	out := make([]schema.Entity, len(base))
	for i, r := range base {
		out[i] = r
	}
	return out, nil
}

type levelRecords struct {
	typ  *schema.EntityType
	recs []*schema.Record
}

// attach loads the last hop of prefix onto the records of its parent level.
// Select hops ride along with the base fetch; prefetch hops cost one fetch
// each unless a select already loaded them.
func (m *Memory) attach(levels map[string]levelRecords, prefix string, counted bool) error {
	if _, done := levels[prefix]; done {
		return nil
	}
	parentPath, hop := "", prefix
	if i := strings.LastIndex(prefix, "__"); i >= 0 {
		parentPath, hop = prefix[:i], prefix[i+2:]
	}
	parent, ok := levels[parentPath]
	if !ok {
		return errors.NewInternalError(errors.ErrCodeQueryFailed,
			fmt.Sprintf("eager load %q before its parent", prefix), nil)
	}
	f, ok := parent.typ.Field(hop)
	if !ok || !f.Kind.IsRelation() {
		return errors.NewValidationError(errors.ErrCodeUnresolvedPath,
			fmt.Sprintf("%s has no relation %q", parent.typ.Name, hop))
	}
	target, ok := m.reg.Lookup(f.Target)
	if !ok {
		return errors.NewValidationError(errors.ErrCodeUnknownEntity,
			fmt.Sprintf("unknown entity type %q", f.Target))
	}
	if counted {
		m.record("prefetch %s", prefix)
	}

	var next []*schema.Record
	switch f.Kind {
	case schema.KindToOne:
		for _, owner := range parent.recs {
			t := m.findOne(f, owner)
			owner.SetOne(f.Name, t)
			if t != nil {
				next = append(next, t)
			}
		}
	case schema.KindToMany:
		for _, owner := range parent.recs {
			ts := m.findMany(f, owner)
			owner.SetMany(f.Name, ts)
			next = append(next, ts...)
		}
	}
	levels[prefix] = levelRecords{typ: target, recs: next}
	return nil
}

func (m *Memory) findOne(f *schema.Field, owner *schema.Record) *schema.Record {
	fk, _ := owner.Value(f.Column)
	if fk == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rows[f.Target] {
		if sameValue(r.id, fk) {
			return m.newRecord(f.Target, r)
		}
	}
	return nil
}

func (m *Memory) findMany(f *schema.Field, owner *schema.Record) []*schema.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []*schema.Record{}
	switch {
	case f.Through != nil:
		for _, j := range m.joins[f.Through.Table] {
			if !sameValue(j.left, owner.ID) {
				continue
			}
			for _, r := range m.rows[f.Target] {
				if sameValue(r.id, j.right) {
					out = append(out, m.newRecord(f.Target, r))
				}
			}
		}
	case f.Remote != "":
		for _, r := range m.rows[f.Target] {
			if sameValue(r.values[f.Remote], owner.ID) {
				out = append(out, m.newRecord(f.Target, r))
			}
		}
	}
	return out
}

// LoadOne implements schema.RelationLoader.
func (m *Memory) LoadOne(rec *schema.Record, f *schema.Field) (*schema.Record, error) {
	if fk, _ := rec.Value(f.Column); fk == nil {
		return nil, nil
	}
	m.record("lazy %s.%s", rec.Type, f.Name)
	return m.findOne(f, rec), nil
}

// LoadMany implements schema.RelationLoader.
func (m *Memory) LoadMany(rec *schema.Record, f *schema.Field) ([]*schema.Record, error) {
	m.record("lazy %s.%s", rec.Type, f.Name)
	return m.findMany(f, rec), nil
}

func matches(r memRow, filters []Filter) bool {
	for _, f := range filters {
		v := r.values[f.Column]
		if f.Column == "id" {
			v = r.id
		}
		if !sameValue(v, f.Value) {
			return false
		}
	}
	return true
}

func sortRows(rows []memRow, order []string) {
	if len(order) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, col := range order {
			desc := strings.HasPrefix(col, "-")
			col = strings.TrimPrefix(col, "-")
			a, b := rows[i].values[col], rows[j].values[col]
			if col == "id" {
				a, b = rows[i].id, rows[j].id
			}
			c := compareValues(a, b)
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func sameValue(a, b interface{}) bool {
	return compareValues(a, b) == 0 && (a == nil) == (b == nil)
}

// compareValues orders numbers numerically, times chronologically and
// everything else by string form.
func compareValues(a, b interface{}) int {
	if an, ok := asNumber(a); ok {
		if bn, ok := asNumber(b); ok {
			switch {
			case an < bn:
				return -1
			case an > bn:
				return 1
			}
			return 0
		}
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Compare(bt)
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}
