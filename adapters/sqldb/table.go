package sqldb

import (
	"fmt"
	"slices"
	"strings"

	"github.com/codewandler/eventrepo/ports/backend"
)

// table holds the statements for one store. Key parts map to columns of the
// same name; the value lives in the record column.
type table struct {
	schema  backend.StoreSchema
	dialect Dialect

	name    string
	keyCols []string

	insertSQL string
	upsertSQL string
	getSQL    string
	lockSQL   string
}

func newTable(d Dialect, st backend.StoreSchema) *table {
	t := &table{schema: st, dialect: d, name: d.quote(st.Name)}
	for _, p := range st.Key {
		t.keyCols = append(t.keyCols, d.quote(p.Name))
	}

	cols := append(append([]string{}, t.keyCols...), "record")
	binds := make([]string, len(cols))
	for i := range cols {
		binds[i] = d.placeholder(i + 1)
	}
	t.insertSQL = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", t.name, strings.Join(cols, ", "), strings.Join(binds, ", "))
	t.upsertSQL = t.insertSQL + d.upsertSuffix(t.keyCols)

	where := make([]string, len(t.keyCols))
	for i, c := range t.keyCols {
		where[i] = c + " = " + d.placeholder(i+1)
	}
	t.getSQL = fmt.Sprintf("SELECT record FROM %s WHERE %s", t.name, strings.Join(where, " AND "))
	t.lockSQL = t.getSQL
	if d.lockRows() {
		t.lockSQL += " FOR UPDATE"
	}
	return t
}

// scanSQL builds a range scan. order lists the columns the range applies to
// and the result is sorted by; the primary key columns follow as tie breakers.
func (t *table) scanSQL(order []string, q backend.Query) (string, []any, error) {
	var (
		sb    strings.Builder
		args  []any
		conds []string
	)
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(t.keyCols, ", "))
	sb.WriteString(", record FROM ")
	sb.WriteString(t.name)

	bound := func(k backend.Key, op string) error {
		if len(k) > len(order) {
			return fmt.Errorf("%w: %s bound %s has more parts than the scanned key", backend.ErrInvalidKey, t.schema.Name, k)
		}
		cols := order[:len(k)]
		binds := make([]string, len(k))
		for i, part := range k {
			v, err := keyArg(part)
			if err != nil {
				return err
			}
			args = append(args, v)
			binds[i] = t.dialect.placeholder(len(args))
		}
		if len(k) == 1 {
			conds = append(conds, cols[0]+" "+op+" "+binds[0])
		} else {
			conds = append(conds, "("+strings.Join(cols, ", ")+") "+op+" ("+strings.Join(binds, ", ")+")")
		}
		return nil
	}

	r := q.Range
	if r.Lower != nil {
		op := ">="
		if r.LowerOpen {
			op = ">"
		}
		if err := bound(r.Lower, op); err != nil {
			return "", nil, err
		}
	}
	if r.Upper != nil {
		op := "<="
		if r.UpperOpen {
			op = "<"
		}
		if err := bound(r.Upper, op); err != nil {
			return "", nil, err
		}
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(conds, " AND "))
	}

	sb.WriteString(" ORDER BY ")
	sb.WriteString(strings.Join(orderColumns(order, t.keyCols), ", "))
	if q.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", q.Limit)
	}
	return sb.String(), args, nil
}

func (t *table) indexColumns(idx backend.Index) []string {
	cols := make([]string, len(idx.Parts))
	for i, p := range idx.Parts {
		cols[i] = t.dialect.quote(p)
	}
	return cols
}

func orderColumns(lead, pk []string) []string {
	out := append([]string{}, lead...)
	for _, c := range pk {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}

// keyArgs converts a checked key to bind arguments.
func keyArgs(k backend.Key) ([]any, error) {
	out := make([]any, len(k))
	for i, p := range k {
		v, err := keyArg(p)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func keyArg(p any) (any, error) {
	switch v := p.(type) {
	case string:
		return v, nil
	case uint64:
		if v > 1<<63-1 {
			return nil, fmt.Errorf("%w: %d overflows a BIGINT column", backend.ErrInvalidKey, v)
		}
		return int64(v), nil
	}
	return nil, fmt.Errorf("%w: unsupported key part %T", backend.ErrInvalidKey, p)
}

// scanDest returns scan targets for a key row plus the record column and a
// function that assembles the scanned values into a Record.
func (t *table) scanDest() ([]any, func() backend.Record) {
	dest := make([]any, 0, len(t.schema.Key)+1)
	strs := make([]string, len(t.schema.Key))
	ints := make([]int64, len(t.schema.Key))
	for i, p := range t.schema.Key {
		if p.Kind == backend.Uint {
			dest = append(dest, &ints[i])
		} else {
			dest = append(dest, &strs[i])
		}
	}
	var record []byte
	dest = append(dest, &record)

	return dest, func() backend.Record {
		key := make(backend.Key, len(t.schema.Key))
		for i, p := range t.schema.Key {
			if p.Kind == backend.Uint {
				key[i] = uint64(ints[i])
			} else {
				key[i] = strs[i]
			}
		}
		return backend.Record{Key: key, Value: record}
	}
}
