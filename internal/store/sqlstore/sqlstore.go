// Package sqlstore executes store queries against SQLite or PostgreSQL.
//
// Select chains become LEFT JOINs on the base fetch. Every prefetch hop is
// one batched IN query over the distinct keys of the previous level, and a
// relation read without an eager load costs one query of its own. Keys must
// be non-negative integers.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/conneroisu/liveweave/internal/errors"
	"github.com/conneroisu/liveweave/internal/logging"
	"github.com/conneroisu/liveweave/internal/schema"
	"github.com/conneroisu/liveweave/internal/store"
)

// DefaultBatchSize is the number of keys bound per IN query.
const DefaultBatchSize = 500

// Dialect selects placeholder syntax and DDL support.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	if d == Postgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == Postgres {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// DialectFor maps a configured driver name to its dialect and the
// database/sql driver to open.
func DialectFor(driver string) (Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return SQLite, "sqlite", nil
	case "pgx", "postgres", "postgresql":
		return Postgres, "pgx", nil
	}
	return 0, "", errors.NewConfigError(errors.ErrCodeUnsupportedDialect,
		fmt.Sprintf("unsupported store driver %q", driver))
}

// Store is a store.Executor and schema.RelationLoader over a SQL database.
type Store struct {
	db      *sql.DB
	reg     *schema.Registry
	dialect Dialect
	batch   int
	logger  logging.Logger

	queries atomic.Int64
	logMu   sync.Mutex
	log     []string
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Store) {
		s.logger = logging.OrNop(logger).WithComponent("sqlstore")
	}
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batch = n
		}
	}
}

// Open connects to dsn with the named driver and checks the connection.
func Open(ctx context.Context, driver, dsn string, reg *schema.Registry, opts ...Option) (*Store, error) {
	d, name, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(name, dsn)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "open "+d.String())
	}
	if d == SQLite && strings.Contains(dsn, ":memory:") {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "connect "+d.String())
	}
	return New(db, d, reg, opts...), nil
}

// New wraps an open database.
func New(db *sql.DB, d Dialect, reg *schema.Registry, opts ...Option) *Store {
	s := &Store{
		db:      db,
		reg:     reg,
		dialect: d,
		batch:   DefaultBatchSize,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Query returns an unfiltered query over typ.
func (s *Store) Query(typ string) store.Query {
	return store.NewQuery(typ, s)
}

// Queries returns the number of SELECT statements run.
func (s *Store) Queries() int64 { return s.queries.Load() }

// Log describes every SELECT run, in order.
func (s *Store) Log() []string {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	return append([]string(nil), s.log...)
}

// ResetQueries clears the counter and log.
func (s *Store) ResetQueries() {
	s.queries.Store(0)
	s.logMu.Lock()
	s.log = nil
	s.logMu.Unlock()
}

func (s *Store) record(format string, args ...interface{}) {
	s.queries.Add(1)
	s.logMu.Lock()
	s.log = append(s.log, fmt.Sprintf(format, args...))
	s.logMu.Unlock()
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// columns lists the stored columns of t: the primary key first, then scalar
// columns and foreign keys in declaration order.
func columns(t *schema.EntityType) []string {
	pk := pkColumn(t)
	out := []string{pk}
	seen := map[string]bool{pk: true}
	for _, f := range t.Fields() {
		if f.Kind != schema.KindScalar && f.Kind != schema.KindToOne {
			continue
		}
		if f.Column == "" || seen[f.Column] {
			continue
		}
		seen[f.Column] = true
		out = append(out, f.Column)
	}
	return out
}

func pkColumn(t *schema.EntityType) string {
	if f, ok := t.Field(t.PK); ok && f.Column != "" {
		return f.Column
	}
	return "id"
}

type args struct {
	d    Dialect
	vals []interface{}
}

func (a *args) add(v interface{}) string {
	a.vals = append(a.vals, v)
	return a.d.placeholder(len(a.vals))
}

func (s *Store) lookup(name string) (*schema.EntityType, error) {
	t, ok := s.reg.Lookup(name)
	if !ok {
		return nil, errors.NewValidationError(errors.ErrCodeUnknownEntity,
			fmt.Sprintf("unknown entity type %q", name))
	}
	return t, nil
}

func (s *Store) newRecord(t *schema.EntityType, cols []string, vals []interface{}) *schema.Record {
	values := make(map[string]interface{}, len(cols))
	for i, c := range cols {
		values[c] = normalize(vals[i])
	}
	rec := schema.NewRecord(t.Name, values[pkColumn(t)], values)
	rec.SetLoader(s)
	return rec
}

func normalize(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

type join struct {
	path   string
	parent int
	field  *schema.Field
	typ    *schema.EntityType
	cols   []string
}

type level struct {
	typ  *schema.EntityType
	recs []*schema.Record
}

func splitLast(prefix string) (string, string) {
	if i := strings.LastIndex(prefix, "__"); i >= 0 {
		return prefix[:i], prefix[i+2:]
	}
	return "", prefix
}

// Execute implements store.Executor.
func (s *Store) Execute(ctx context.Context, spec store.Spec) ([]schema.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base, err := s.lookup(spec.Type)
	if err != nil {
		return nil, err
	}

	joins, err := s.planJoins(base, spec.Select)
	if err != nil {
		return nil, err
	}
	levels, err := s.fetchBase(ctx, base, spec, joins)
	if err != nil {
		return nil, err
	}
	for _, prefix := range store.ChainPrefixes(spec.Prefetch) {
		if _, done := levels[prefix]; done {
			continue
		}
		if err := s.prefetch(ctx, levels, prefix); err != nil {
			return nil, err
		}
	}

	out := make([]schema.Entity, len(levels[""].recs))
	for i, r := range levels[""].recs {
		out[i] = r
	}
	return out, nil
}

// planJoins resolves every prefix of the select chains to a to-one join.
// Join i has alias t<i+1>; the base table is t0.
func (s *Store) planJoins(base *schema.EntityType, selects []string) ([]join, error) {
	var joins []join
	index := map[string]int{"": -1}
	types := map[string]*schema.EntityType{"": base}
	for _, prefix := range store.ChainPrefixes(selects) {
		parentPath, hop := splitLast(prefix)
		parent := types[parentPath]
		f, ok := parent.Field(hop)
		if !ok || f.Kind != schema.KindToOne {
			return nil, errors.NewValidationError(errors.ErrCodeUnresolvedPath,
				fmt.Sprintf("%s has no to-one relation %q", parent.Name, hop))
		}
		target, err := s.lookup(f.Target)
		if err != nil {
			return nil, err
		}
		index[prefix] = len(joins)
		types[prefix] = target
		joins = append(joins, join{
			path:   prefix,
			parent: index[parentPath],
			field:  f,
			typ:    target,
			cols:   columns(target),
		})
	}
	return joins, nil
}

func alias(i int) string { return "t" + strconv.Itoa(i+1) }

func (s *Store) fetchBase(ctx context.Context, base *schema.EntityType, spec store.Spec, joins []join) (map[string]level, error) {
	a := &args{d: s.dialect}
	baseCols := columns(base)

	var sel []string
	for _, c := range baseCols {
		sel = append(sel, "t0."+quote(c))
	}
	for i, j := range joins {
		for _, c := range j.cols {
			sel = append(sel, alias(i)+"."+quote(c))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s t0", strings.Join(sel, ", "), quote(base.Table))
	for i, j := range joins {
		parent := "t0"
		if j.parent >= 0 {
			parent = alias(j.parent)
		}
		fmt.Fprintf(&b, " LEFT JOIN %s %s ON %s.%s = %s.%s",
			quote(j.typ.Table), alias(i), alias(i), quote(pkColumn(j.typ)), parent, quote(j.field.Column))
	}
	if len(spec.Filters) > 0 {
		conds := make([]string, len(spec.Filters))
		for i, f := range spec.Filters {
			if f.Value == nil {
				conds[i] = "t0." + quote(f.Column) + " IS NULL"
				continue
			}
			conds[i] = "t0." + quote(f.Column) + " = " + a.add(f.Value)
		}
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	order := make([]string, 0, len(spec.Order)+1)
	for _, col := range spec.Order {
		dir := "ASC"
		if strings.HasPrefix(col, "-") {
			dir = "DESC"
			col = col[1:]
		}
		order = append(order, "t0."+quote(col)+" "+dir)
	}
	order = append(order, "t0."+quote(pkColumn(base))+" ASC")
	b.WriteString(" ORDER BY " + strings.Join(order, ", "))
	if spec.Limit > 0 {
		b.WriteString(" LIMIT " + strconv.Itoa(spec.Limit))
	}

	s.record("fetch %s", base.Name)
	rows, err := s.query(ctx, b.String(), a.vals)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	width := len(sel)
	vals := make([]interface{}, width)
	ptrs := make([]interface{}, width)
	for i := range vals {
		ptrs[i] = &vals[i]
	}

	levels := map[string]level{"": {typ: base}}
	for _, j := range joins {
		levels[j.path] = level{typ: j.typ, recs: []*schema.Record{}}
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "scan "+base.Name)
		}
		root := s.newRecord(base, baseCols, vals[:len(baseCols)])
		l := levels[""]
		l.recs = append(l.recs, root)
		levels[""] = l

		joined := make([]*schema.Record, len(joins))
		off := len(baseCols)
		for i, j := range joins {
			chunk := vals[off : off+len(j.cols)]
			off += len(j.cols)
			owner := root
			if j.parent >= 0 {
				owner = joined[j.parent]
			}
			if owner == nil {
				continue
			}
			if chunk[0] == nil {
				owner.SetOne(j.field.Name, nil)
				continue
			}
			rec := s.newRecord(j.typ, j.cols, chunk)
			owner.SetOne(j.field.Name, rec)
			joined[i] = rec
			l := levels[j.path]
			l.recs = append(l.recs, rec)
			levels[j.path] = l
		}
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "read "+base.Name)
	}
	if levels[""].recs == nil {
		levels[""] = level{typ: base, recs: []*schema.Record{}}
	}
	return levels, nil
}

func (s *Store) query(ctx context.Context, q string, vals []interface{}) (*sql.Rows, error) {
	s.logger.Debug(ctx, "query", "sql", q, "args", len(vals))
	rows, err := s.db.QueryContext(ctx, q, vals...)
	if err != nil {
		return nil, errors.WrapIO(err, errors.ErrCodeQueryFailed, "query failed").WithContext("sql", q)
	}
	return rows, nil
}

// prefetch loads the last hop of prefix for every record of its parent
// level and attaches the results.
func (s *Store) prefetch(ctx context.Context, levels map[string]level, prefix string) error {
	parentPath, hop := splitLast(prefix)
	parent, ok := levels[parentPath]
	if !ok {
		return errors.NewInternalError(errors.ErrCodeQueryFailed,
			fmt.Sprintf("prefetch %q before its parent", prefix), nil)
	}
	f, ok := parent.typ.Field(hop)
	if !ok || !f.Kind.IsRelation() {
		return errors.NewValidationError(errors.ErrCodeUnresolvedPath,
			fmt.Sprintf("%s has no relation %q", parent.typ.Name, hop))
	}
	target, err := s.lookup(f.Target)
	if err != nil {
		return err
	}

	keys := roaring64.New()
	for _, owner := range parent.recs {
		k, ok, err := ownerKey(owner, f)
		if err != nil {
			return err
		}
		if ok {
			keys.Add(k)
		}
	}
	groups, err := s.fetchGroups(ctx, "prefetch "+prefix, f, target, keys)
	if err != nil {
		return err
	}

	next := []*schema.Record{}
	for _, owner := range parent.recs {
		k, ok, _ := ownerKey(owner, f)
		var found []*schema.Record
		if ok {
			found = groups[k]
		}
		if f.Kind == schema.KindToOne {
			var t *schema.Record
			if len(found) > 0 {
				t = found[0]
				next = append(next, t)
			}
			owner.SetOne(f.Name, t)
			continue
		}
		owner.SetMany(f.Name, found)
		next = append(next, found...)
	}
	levels[prefix] = level{typ: target, recs: next}
	return nil
}

// ownerKey is the key matched against the target rows: the foreign key of a
// to-one relation, the owner's primary key otherwise.
func ownerKey(owner *schema.Record, f *schema.Field) (uint64, bool, error) {
	v := owner.ID
	if f.Kind == schema.KindToOne {
		v, _ = owner.Value(f.Column)
	}
	if v == nil {
		return 0, false, nil
	}
	k, err := toKey(v)
	if err != nil {
		return 0, false, err
	}
	return k, true, nil
}

func toKey(v interface{}) (uint64, error) {
	switch n := v.(type) {
	case int64:
		if n >= 0 {
			return uint64(n), nil
		}
	case int:
		if n >= 0 {
			return uint64(n), nil
		}
	case int32:
		if n >= 0 {
			return uint64(n), nil
		}
	case uint64:
		return n, nil
	case uint32:
		return uint64(n), nil
	case float64:
		if n >= 0 && n == float64(uint64(n)) {
			return uint64(n), nil
		}
	case string:
		if k, err := strconv.ParseUint(n, 10, 64); err == nil {
			return k, nil
		}
	}
	return 0, errors.NewValidationError(errors.ErrCodeQueryFailed,
		fmt.Sprintf("relation key %v (%T) is not a non-negative integer", v, v))
}

// fetchGroups loads the target rows of f whose key is in keys, grouped by
// key. Each batch of keys is one query; an empty set runs none.
func (s *Store) fetchGroups(ctx context.Context, desc string, f *schema.Field, target *schema.EntityType, keys *roaring64.Bitmap) (map[uint64][]*schema.Record, error) {
	groups := make(map[uint64][]*schema.Record)
	if keys.IsEmpty() {
		return groups, nil
	}
	cols := columns(target)
	pk := quote(pkColumn(target))

	from := quote(target.Table) + " t"
	var key string
	switch {
	case f.Kind == schema.KindToOne:
		key = "t." + pk
	case f.Through != nil:
		from += fmt.Sprintf(" JOIN %s j ON j.%s = t.%s", quote(f.Through.Table), quote(f.Through.Right), pk)
		key = "j." + quote(f.Through.Left)
	case f.Remote != "":
		key = "t." + quote(f.Remote)
	default:
		return nil, errors.NewValidationError(errors.ErrCodeUnresolvedPath,
			fmt.Sprintf("relation %q has no storage mapping", f.Name))
	}

	sel := make([]string, len(cols))
	for i, c := range cols {
		sel[i] = "t." + quote(c)
	}

	all := keys.ToArray()
	for start := 0; start < len(all); start += s.batch {
		end := start + s.batch
		if end > len(all) {
			end = len(all)
		}
		a := &args{d: s.dialect}
		ph := make([]string, 0, end-start)
		for _, k := range all[start:end] {
			ph = append(ph, a.add(int64(k)))
		}
		q := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s IN (%s) ORDER BY %s, t.%s",
			key, strings.Join(sel, ", "), from, key, strings.Join(ph, ", "), key, pk)

		s.record("%s", desc)
		if err := s.scanGroups(ctx, q, a.vals, target, cols, groups); err != nil {
			return nil, err
		}
	}
	return groups, nil
}

func (s *Store) scanGroups(ctx context.Context, q string, vals []interface{}, target *schema.EntityType, cols []string, groups map[uint64][]*schema.Record) error {
	rows, err := s.query(ctx, q, vals)
	if err != nil {
		return err
	}
	defer rows.Close()

	row := make([]interface{}, len(cols)+1)
	ptrs := make([]interface{}, len(row))
	for i := range row {
		ptrs[i] = &row[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errors.WrapIO(err, errors.ErrCodeQueryFailed, "scan "+target.Name)
		}
		k, err := toKey(row[0])
		if err != nil {
			return err
		}
		groups[k] = append(groups[k], s.newRecord(target, cols, row[1:]))
	}
	if err := rows.Err(); err != nil {
		return errors.WrapIO(err, errors.ErrCodeQueryFailed, "read "+target.Name)
	}
	return nil
}

// LoadOne implements schema.RelationLoader. A null foreign key needs no
// query.
func (s *Store) LoadOne(rec *schema.Record, f *schema.Field) (*schema.Record, error) {
	k, ok, err := ownerKey(rec, f)
	if err != nil || !ok {
		return nil, err
	}
	target, err := s.lookup(f.Target)
	if err != nil {
		return nil, err
	}
	groups, err := s.fetchGroups(context.Background(), "lazy "+rec.Type+"."+f.Name, f, target, roaring64.BitmapOf(k))
	if err != nil {
		return nil, err
	}
	if found := groups[k]; len(found) > 0 {
		return found[0], nil
	}
	return nil, nil
}

// LoadMany implements schema.RelationLoader.
func (s *Store) LoadMany(rec *schema.Record, f *schema.Field) ([]*schema.Record, error) {
	k, ok, err := ownerKey(rec, f)
	if err != nil || !ok {
		return []*schema.Record{}, err
	}
	target, err := s.lookup(f.Target)
	if err != nil {
		return nil, err
	}
	groups, err := s.fetchGroups(context.Background(), "lazy "+rec.Type+"."+f.Name, f, target, roaring64.BitmapOf(k))
	if err != nil {
		return nil, err
	}
	if found := groups[k]; found != nil {
		return found, nil
	}
	return []*schema.Record{}, nil
}

// Insert writes one row. Inserts are not counted as queries.
func (s *Store) Insert(ctx context.Context, table string, row map[string]interface{}) error {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	a := &args{d: s.dialect}
	quoted := make([]string, len(cols))
	ph := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quote(c)
		ph[i] = a.add(row[c])
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(table), strings.Join(quoted, ", "), strings.Join(ph, ", "))
	if _, err := s.db.ExecContext(ctx, q, a.vals...); err != nil {
		return errors.WrapIO(err, errors.ErrCodeQueryFailed, "insert into "+table)
	}
	return nil
}

// EnsureTables creates the tables of every registered type and join table.
// Columns are untyped, so it is only supported on SQLite.
func (s *Store) EnsureTables(ctx context.Context) error {
	if s.dialect != SQLite {
		return errors.NewConfigError(errors.ErrCodeUnsupportedDialect,
			"automatic table creation requires sqlite, got "+s.dialect.String())
	}
	tables := make(map[string][]string)
	pks := make(map[string]string)
	add := func(table, col string) {
		for _, c := range tables[table] {
			if c == col {
				return
			}
		}
		tables[table] = append(tables[table], col)
	}
	for _, name := range s.reg.Names() {
		t, _ := s.reg.Lookup(name)
		pks[t.Table] = pkColumn(t)
		for _, c := range columns(t) {
			add(t.Table, c)
		}
	}
	for _, name := range s.reg.Names() {
		t, _ := s.reg.Lookup(name)
		for _, f := range t.Fields() {
			if f.Kind != schema.KindToMany {
				continue
			}
			switch {
			case f.Through != nil:
				add(f.Through.Table, f.Through.Left)
				add(f.Through.Table, f.Through.Right)
			case f.Remote != "":
				if target, ok := s.reg.Lookup(f.Target); ok {
					add(target.Table, f.Remote)
				}
			}
		}
	}

	names := make([]string, 0, len(tables))
	for table := range tables {
		names = append(names, table)
	}
	sort.Strings(names)
	for _, table := range names {
		defs := make([]string, len(tables[table]))
		for i, c := range tables[table] {
			defs[i] = quote(c)
			if c == pks[table] {
				defs[i] += " INTEGER PRIMARY KEY"
			}
		}
		q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quote(table), strings.Join(defs, ", "))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return errors.WrapIO(err, errors.ErrCodeQueryFailed, "create table "+table)
		}
	}
	return nil
}
