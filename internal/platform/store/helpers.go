package store

import "context"

// Many maps every row through scan. sizeHint preallocates, 0 for none
func Many[T any](ctx context.Context, q RowQuerier, sizeHint int, scan func(Row) (T, error), sql string, args ...any) ([]T, error) {
	rs, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rs.Close()

	out := make([]T, 0, max(sizeHint, 0))
	for rs.Next() {
		item, err := scan(rs)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rs.Err()
}

// StringSet collects the first column of every row
func StringSet(ctx context.Context, q RowQuerier, sql string, args ...any) (map[string]struct{}, error) {
	vals, err := Many(ctx, q, 0, func(r Row) (string, error) {
		var s string
		return s, r.Scan(&s)
	}, sql, args...)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out, nil
}
