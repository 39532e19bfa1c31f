package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/arturoeanton/barnstaff/internal/domain"
	"github.com/arturoeanton/barnstaff/internal/port"
)

// sqlQuery is a statement with its positional arguments.
type sqlQuery struct {
	text string
	args []any
	cols []column
}

func (q *sqlQuery) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func quote(name string) string { return pq.QuoteIdentifier(name) }

func selectList(cols []column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = quote(c.name)
	}
	return strings.Join(parts, ", ")
}

func buildSelect(q port.Query) (*sqlQuery, error) {
	c, err := lookup(q.Collection)
	if err != nil {
		return nil, err
	}
	cols, err := c.projection(q.Columns)
	if err != nil {
		return nil, err
	}
	out := &sqlQuery{cols: cols}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", selectList(cols), quote(c.name))

	for i, f := range q.Filters {
		col, ok := c.column(f.Column)
		if !ok {
			return nil, fmt.Errorf("%w: filter on %s.%s", port.ErrInvalidRecord, c.name, f.Column)
		}
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		name := quote(col.name)
		switch f.Op {
		case port.OpEq:
			fmt.Fprintf(&b, "%s = %s", compareExpr(col), out.arg(f.Value))
		case port.OpNeq:
			fmt.Fprintf(&b, "%s IS DISTINCT FROM %s", compareExpr(col), out.arg(f.Value))
		case port.OpIsNull:
			fmt.Fprintf(&b, "%s IS NULL", name)
		case port.OpIsNotNull:
			fmt.Fprintf(&b, "%s IS NOT NULL", name)
		default:
			return nil, fmt.Errorf("%w: filter op %q", port.ErrInvalidRecord, f.Op)
		}
	}

	for i, o := range q.Order {
		if _, ok := c.column(o.Column); !ok {
			return nil, fmt.Errorf("%w: order by %s.%s", port.ErrInvalidRecord, c.name, o.Column)
		}
		if i == 0 {
			b.WriteString(" ORDER BY ")
		} else {
			b.WriteString(", ")
		}
		b.WriteString(quote(o.Column))
		if o.Descending {
			b.WriteString(" DESC")
		}
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %s", out.arg(q.Limit))
	}
	out.text = b.String()
	return out, nil
}

// compareExpr compares uuid columns as text so a malformed id simply
// matches nothing instead of failing the statement.
func compareExpr(col column) string {
	if col.kind == kindUUID {
		return quote(col.name) + "::text"
	}
	return quote(col.name)
}

// writable checks rec against the collection and returns its columns in a
// stable order.
func writable(c collection, rec domain.Record) ([]string, error) {
	names := make([]string, 0, len(rec))
	for name := range rec {
		col, ok := c.column(name)
		if !ok || col.readOnly {
			return nil, fmt.Errorf("%w: %s.%s is not writable", port.ErrInvalidRecord, c.name, name)
		}
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func buildInsert(collectionName string, rec domain.Record, upsert bool) (*sqlQuery, error) {
	c, err := lookup(collectionName)
	if err != nil {
		return nil, err
	}
	names, err := writable(c, rec)
	if err != nil {
		return nil, err
	}
	out := &sqlQuery{cols: c.columns}
	var b strings.Builder
	if len(names) == 0 {
		fmt.Fprintf(&b, "INSERT INTO %s DEFAULT VALUES", quote(c.name))
	} else {
		quoted := make([]string, len(names))
		params := make([]string, len(names))
		for i, n := range names {
			quoted[i] = quote(n)
			params[i] = out.arg(rec[n])
		}
		fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES (%s)", quote(c.name),
			strings.Join(quoted, ", "), strings.Join(params, ", "))
	}

	if upsert && slices.Contains(names, "id") {
		sets := make([]string, 0, len(names))
		for _, n := range names {
			if n == "id" {
				continue
			}
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", quote(n), quote(n)))
		}
		if len(sets) == 0 {
			// Nothing to change, but RETURNING still needs the row.
			sets = append(sets, `"id" = EXCLUDED."id"`)
		}
		fmt.Fprintf(&b, " ON CONFLICT (id) DO UPDATE SET %s", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, " RETURNING %s", selectList(c.columns))
	out.text = b.String()
	return out, nil
}

func buildUpdate(collectionName, id string, patch domain.Record) (*sqlQuery, error) {
	c, err := lookup(collectionName)
	if err != nil {
		return nil, err
	}
	patch = patch.Clone()
	delete(patch, "id")
	names, err := writable(c, patch)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: empty patch", port.ErrInvalidRecord)
	}
	out := &sqlQuery{cols: c.columns}
	sets := make([]string, len(names))
	for i, n := range names {
		sets[i] = fmt.Sprintf("%s = %s", quote(n), out.arg(patch[n]))
	}
	out.text = fmt.Sprintf("UPDATE %s SET %s WHERE id::text = %s RETURNING %s",
		quote(c.name), strings.Join(sets, ", "), out.arg(id), selectList(c.columns))
	return out, nil
}

// Select implements port.RecordStore.
func (s *PostgresStore) Select(ctx context.Context, q port.Query) ([]domain.Record, error) {
	sq, err := buildSelect(q)
	if err != nil {
		return nil, err
	}
	recs, err := s.query(ctx, sq)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", q.Collection, err)
	}
	for _, j := range q.Joins {
		if err := s.attachJoin(ctx, recs, j); err != nil {
			return nil, fmt.Errorf("select %s join %s: %w", q.Collection, j.Alias, err)
		}
	}
	return recs, nil
}

// attachJoin loads the related rows in one round trip and nests them under
// the join alias. Missing relations are stored as nil.
func (s *PostgresStore) attachJoin(ctx context.Context, recs []domain.Record, j port.Join) error {
	if len(recs) == 0 {
		return nil
	}
	c, err := lookup(j.Collection)
	if err != nil {
		return err
	}
	cols, err := c.projection(j.Fields)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(recs))
	for _, r := range recs {
		if id := r.String(j.LocalKey); id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}
	related := make(map[string]domain.Record, len(ids))
	if len(ids) > 0 {
		sq := &sqlQuery{cols: cols}
		sq.text = fmt.Sprintf("SELECT %s FROM %s WHERE id::text = ANY(%s)",
			selectList(cols), quote(c.name), sq.arg(pq.Array(ids)))
		rows, err := s.query(ctx, sq)
		if err != nil {
			return err
		}
		for _, r := range rows {
			related[r.ID()] = r
		}
	}
	for _, r := range recs {
		nested, ok := related[r.String(j.LocalKey)]
		if !ok {
			r[j.Alias] = nil
			continue
		}
		out := make(domain.Record, len(j.Fields))
		for _, f := range j.Fields {
			out[f] = nested[f]
		}
		r[j.Alias] = out
	}
	return nil
}

// Get implements port.RecordStore.
func (s *PostgresStore) Get(ctx context.Context, collection, id string) (domain.Record, error) {
	recs, err := s.Select(ctx, port.Query{
		Collection: collection,
		Filters:    []port.Filter{port.Eq("id", id)},
		Limit:      1,
	})
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, port.ErrNotFound)
	}
	return recs[0], nil
}

// Insert implements port.RecordStore.
func (s *PostgresStore) Insert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	return s.insert(ctx, collection, rec, false)
}

// Upsert implements port.RecordStore.
func (s *PostgresStore) Upsert(ctx context.Context, collection string, rec domain.Record) (domain.Record, error) {
	return s.insert(ctx, collection, rec, true)
}

func (s *PostgresStore) insert(ctx context.Context, collection string, rec domain.Record, upsert bool) (domain.Record, error) {
	sq, err := buildInsert(collection, rec, upsert)
	if err != nil {
		return nil, err
	}
	recs, err := s.query(ctx, sq)
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", collection, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("insert %s: no row returned", collection)
	}
	return recs[0], nil
}

// Update implements port.RecordStore.
func (s *PostgresStore) Update(ctx context.Context, collection, id string, patch domain.Record) (domain.Record, error) {
	sq, err := buildUpdate(collection, id, patch)
	if err != nil {
		return nil, err
	}
	recs, err := s.query(ctx, sq)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", collection, id, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("update %s/%s: 0 rows: %w", collection, id, port.ErrNotFound)
	}
	return recs[0], nil
}

// Delete implements port.RecordStore.
func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	c, err := lookup(collection)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE id::text = $1", quote(c.name)), id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, classify(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s/%s: %w", collection, id, port.ErrNotFound)
	}
	return nil
}

// Call implements port.RecordStore.
func (s *PostgresStore) Call(ctx context.Context, name string, _ domain.Record) error {
	stmt, ok := rpcs[name]
	if !ok {
		return fmt.Errorf("%w: %s", port.ErrUnknownRPC, name)
	}
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("rpc %s: %w", name, classify(err))
	}
	return nil
}

func (s *PostgresStore) query(ctx context.Context, sq *sqlQuery) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, sq.text, sq.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	recs := make([]domain.Record, 0)
	for rows.Next() {
		vals := make([]any, len(sq.cols))
		ptrs := make([]any, len(sq.cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec := make(domain.Record, len(sq.cols))
		for i, col := range sq.cols {
			rec[col.name] = normalize(col, vals[i])
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return recs, nil
}

// normalize turns driver values into the JSON-friendly forms clients expect.
func normalize(col column, v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		if col.kind == kindDate {
			return x.Format("2006-01-02")
		}
		return x.UTC()
	default:
		return v
	}
}

// classify maps constraint and input errors to port.ErrInvalidRecord.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23":
			return fmt.Errorf("%w: %s", port.ErrInvalidRecord, pqErr.Message)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return port.ErrNotFound
	}
	return err
}
