package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// bulkChunkSize bounds the number of rows per multi-row insert statement and
// the number of updates queued per batch.
const bulkChunkSize = 1000

// batchQuerier is the querier subset needed for pipelined statement batches.
// Satisfied by *pgxpool.Pool and pgx.Tx.
type batchQuerier interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// BulkInsert persists a uniform set of rows with multi-row, bound-parameter
// INSERT statements, chunked at bulkChunkSize, and returns the generated ids
// in input order. Every row must supply the same columns in the same order.
//
// The returned id count matching the input row count is an internal contract
// with the persistence layer: a mismatch is a programmer error and panics.
func BulkInsert(ctx context.Context, q querier, table string, cols []string, rows [][]any) ([]int, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ",
		pgx.Identifier{table}.Sanitize(), strings.Join(quoted, ", "))

	ids := make([]int, 0, len(rows))
	for start := 0; start < len(rows); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, len(chunk)*len(cols))
		for i, row := range chunk {
			if len(row) != len(cols) {
				return nil, fmt.Errorf("bulk insert into %s: row %d has %d values, want %d",
					table, start+i, len(row), len(cols))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteByte('(')
			for j := range row {
				if j > 0 {
					sb.WriteString(", ")
				}
				fmt.Fprintf(&sb, "$%d", len(args)+j+1)
			}
			sb.WriteByte(')')
			args = append(args, row...)
		}
		sb.WriteString(" RETURNING id")

		rs, err := q.Query(ctx, sb.String(), args...)
		if err != nil {
			return nil, fmt.Errorf("bulk insert into %s: %w", table, err)
		}
		for rs.Next() {
			var id int
			if err := rs.Scan(&id); err != nil {
				rs.Close()
				return nil, fmt.Errorf("bulk insert into %s: scan id: %w", table, err)
			}
			ids = append(ids, id)
		}
		rs.Close()
		if err := rs.Err(); err != nil {
			return nil, fmt.Errorf("bulk insert into %s: %w", table, err)
		}
	}

	if len(ids) != len(rows) {
		panic(fmt.Sprintf("bulk insert into %s returned %d ids for %d rows", table, len(ids), len(rows)))
	}
	return ids, nil
}

// ParentLink correlates one newly created parent row with the child rows it
// was aggregated from.
type ParentLink struct {
	ParentID int
	ChildIDs []int
}

// BulkLinkChildren sets column on table to each link's parent id for all of
// its child ids: one statement per parent, pipelined in batches instead of
// per-record round trips.
func BulkLinkChildren(ctx context.Context, q batchQuerier, table, column string, links []ParentLink) error {
	stmt := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE id = ANY($2)",
		pgx.Identifier{table}.Sanitize(), pgx.Identifier{column}.Sanitize())

	for start := 0; start < len(links); start += bulkChunkSize {
		end := start + bulkChunkSize
		if end > len(links) {
			end = len(links)
		}
		batch := &pgx.Batch{}
		for _, link := range links[start:end] {
			batch.Queue(stmt, link.ParentID, link.ChildIDs)
		}
		br := q.SendBatch(ctx, batch)
		for range links[start:end] {
			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("link %s.%s: %w", table, column, err)
			}
		}
		if err := br.Close(); err != nil {
			return fmt.Errorf("link %s.%s: close batch: %w", table, column, err)
		}
	}
	return nil
}
