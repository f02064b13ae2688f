package postgres

import "fmt"

// query accumulates a SQL statement and its positional arguments.
type query struct {
	sql  string
	args []any
}

func newQuery(base string) *query { return &query{sql: base} }

// where appends " AND <clause>$n" binding v to the next placeholder.
func (q *query) where(clause string, v any) {
	q.args = append(q.args, v)
	q.sql += fmt.Sprintf(" AND %s$%d", clause, len(q.args))
}

func (q *query) raw(s string) { q.sql += s }

// page appends LIMIT/OFFSET when set.
func (q *query) page(limit, offset int) {
	if limit > 0 {
		q.args = append(q.args, limit)
		q.sql += fmt.Sprintf(" LIMIT $%d", len(q.args))
	}
	if offset > 0 {
		q.args = append(q.args, offset)
		q.sql += fmt.Sprintf(" OFFSET $%d", len(q.args))
	}
}
