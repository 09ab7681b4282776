package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// pageSize bounds how many records are held in memory at once when walking
// large record sets.
const pageSize = 500

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, enabling shared
// query helpers inside and outside transactions.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// chunkIDs splits ids into consecutive chunks of at most size elements.
// Order is preserved. A non-positive size yields a single chunk.
func chunkIDs(ids []int, size int) [][]int {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]int{ids}
	}
	chunks := make([][]int, 0, (len(ids)+size-1)/size)
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[i:end])
	}
	return chunks
}

// RecordCache is a scoped lookup cache for master data touched repeatedly
// while processing one order. The engine invalidates it after every processed
// chunk so memory stays bounded regardless of order size.
type RecordCache struct {
	partners  map[int]Partner
	accounts  map[int]Account
	moveLines map[int]MoveLine
}

func NewRecordCache() *RecordCache {
	c := &RecordCache{}
	c.Invalidate()
	return c
}

// Invalidate drops everything the cache holds.
func (c *RecordCache) Invalidate() {
	c.partners = make(map[int]Partner)
	c.accounts = make(map[int]Account)
	c.moveLines = make(map[int]MoveLine)
}

func (c *RecordCache) Partner(ctx context.Context, q querier, id int) (Partner, error) {
	if p, ok := c.partners[id]; ok {
		return p, nil
	}
	var p Partner
	err := q.QueryRow(ctx,
		"SELECT id, name, receivable_account_id, payable_account_id FROM partners WHERE id = $1",
		id,
	).Scan(&p.ID, &p.Name, &p.ReceivableAccountID, &p.PayableAccountID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Partner{}, fmt.Errorf("partner %d not found", id)
		}
		return Partner{}, fmt.Errorf("fetch partner %d: %w", id, err)
	}
	c.partners[id] = p
	return p, nil
}

func (c *RecordCache) Account(ctx context.Context, q querier, id int) (Account, error) {
	if a, ok := c.accounts[id]; ok {
		return a, nil
	}
	var a Account
	err := q.QueryRow(ctx, "SELECT id, code, name FROM accounts WHERE id = $1", id).
		Scan(&a.ID, &a.Code, &a.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("account %d not found", id)
		}
		return Account{}, fmt.Errorf("fetch account %d: %w", id, err)
	}
	c.accounts[id] = a
	return a, nil
}

func (c *RecordCache) MoveLine(ctx context.Context, q querier, id int) (MoveLine, error) {
	if ml, ok := c.moveLines[id]; ok {
		return ml, nil
	}
	var ml MoveLine
	err := q.QueryRow(ctx, `
		SELECT id, move_id, name, partner_id, account_id, debit, credit,
		       date_maturity, reconcile_id, reconcile_partial_id
		FROM account_move_lines WHERE id = $1`,
		id,
	).Scan(&ml.ID, &ml.MoveID, &ml.Name, &ml.PartnerID, &ml.AccountID,
		&ml.Debit, &ml.Credit, &ml.DateMaturity, &ml.ReconcileID, &ml.ReconcilePartialID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return MoveLine{}, fmt.Errorf("move line %d not found", id)
		}
		return MoveLine{}, fmt.Errorf("fetch move line %d: %w", id, err)
	}
	c.moveLines[id] = ml
	return ml, nil
}
