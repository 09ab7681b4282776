package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ReconciliationEngine settles the transit entries created during export
// against the target entries of the contributing instructions.
//
// Two tiers: when the candidate set balances to zero and carries no prior
// partial reconciliation, a single reconciliation record is created and
// stamped on every candidate in one statement. Anything else falls back to
// the partial-settlement procedure, which may leave a residual balance on the
// resulting group.
type ReconciliationEngine struct {
	hook   NoTargetEntryHook
	cache  *RecordCache
	logger *zap.Logger
}

func NewReconciliationEngine(hook NoTargetEntryHook, cache *RecordCache, logger *zap.Logger) *ReconciliationEngine {
	return &ReconciliationEngine{hook: hook, cache: cache, logger: logger}
}

// ReconcileOrder walks the order's bank payment lines in pages and reconciles
// each one that has a transit entry. Runs inside the export transaction.
// Returns the ids of every move line whose reconciliation state changed, so
// dependent stored fields can be recomputed once for the whole batch.
func (e *ReconciliationEngine) ReconcileOrder(ctx context.Context, tx pgx.Tx, order *PaymentOrder, company Company) ([]int, error) {
	blIDs, err := e.fetchBankLineIDs(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}

	var affected []int
	for _, page := range chunkIDs(blIDs, pageSize) {
		for _, blID := range page {
			ids, err := e.reconcileBankLine(ctx, tx, blID, company)
			if err != nil {
				return nil, err
			}
			affected = append(affected, ids...)
		}
		e.cache.Invalidate()
	}
	e.logger.Debug("reconciliation finished",
		zap.Int("order_id", order.ID),
		zap.Int("bank_lines", len(blIDs)),
		zap.Int("affected_move_lines", len(affected)))
	return affected, nil
}

// reconcileBankLine settles one bank payment line's transit entry against its
// instructions' target entries. A missing target entry on any instruction is
// not an error: the no-target hook runs and the line is skipped.
func (e *ReconciliationEngine) reconcileBankLine(ctx context.Context, tx pgx.Tx, blID int, company Company) ([]int, error) {
	bl, err := e.fetchBankLine(ctx, tx, blID)
	if err != nil {
		return nil, err
	}
	if bl.TransitMoveLineID == nil {
		return nil, nil
	}

	transit, err := e.cache.MoveLine(ctx, tx, *bl.TransitMoveLineID)
	if err != nil {
		return nil, err
	}
	// The transit entry was created within this very export run; finding it
	// reconciled means an upstream contract was broken.
	if transit.ReconcileID != nil {
		panic(fmt.Sprintf("transit move line %d is already reconciled", transit.ID))
	}
	if transit.ReconcilePartialID != nil {
		panic(fmt.Sprintf("transit move line %d is already partially reconciled", transit.ID))
	}

	payLines, err := e.fetchPaymentLines(ctx, tx, blID)
	if err != nil {
		return nil, err
	}
	for _, pl := range payLines {
		if pl.MoveLineID == nil {
			if err := e.hook.OnNoTargetEntry(ctx, bl); err != nil {
				return nil, err
			}
			e.logger.Debug("skipping bank line without target entry",
				zap.Int("bank_line_id", bl.ID),
				zap.Int("payment_line_id", pl.ID))
			return nil, nil
		}
	}

	candidates := []MoveLine{transit}
	for _, pl := range payLines {
		target, err := e.cache.MoveLine(ctx, tx, *pl.MoveLineID)
		if err != nil {
			return nil, err
		}
		if target.ReconcileID != nil {
			return nil, fmt.Errorf("move line %q of partner %q has already been reconciled",
				target.Name, pl.PartnerName)
		}
		if target.AccountID != transit.AccountID {
			targetAcc, err := e.cache.Account(ctx, tx, target.AccountID)
			if err != nil {
				return nil, err
			}
			transitAcc, err := e.cache.Account(ctx, tx, transit.AccountID)
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf(
				"for partner %q, the account of the entry to pay (%s) is different from the account of the transit entry (%s)",
				pl.PartnerName, targetAcc.Code, transitAcc.Code)
		}
		candidates = append(candidates, target)
	}

	balance := decimal.Zero
	anyPartial := false
	ids := make([]int, len(candidates))
	for i, c := range candidates {
		balance = balance.Add(c.Balance())
		anyPartial = anyPartial || c.ReconcilePartialID != nil
		ids[i] = c.ID
	}

	if !anyPartial && company.IsZero(balance) {
		if err := e.reconcileFull(ctx, tx, bl.Name, ids); err != nil {
			return nil, err
		}
		return ids, nil
	}
	return e.reconcilePartial(ctx, tx, bl.Name, candidates, company)
}

// reconcileFull is the fast path: one reconciliation record, one bulk update
// stamping it on every candidate.
func (e *ReconciliationEngine) reconcileFull(ctx context.Context, tx pgx.Tx, name string, ids []int) error {
	var recID int
	if err := tx.QueryRow(ctx,
		"INSERT INTO account_move_reconciles (name, type) VALUES ($1, 'full') RETURNING id",
		name,
	).Scan(&recID); err != nil {
		return fmt.Errorf("create reconciliation: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE account_move_lines SET reconcile_id = $1 WHERE id = ANY($2)",
		recID, ids,
	); err != nil {
		return fmt.Errorf("stamp reconciliation %d: %w", recID, err)
	}
	return nil
}

// reconcilePartial is the slow path. Policy: the candidate set is unioned
// with every member of any partial reconciliation a candidate already belongs
// to. If the union balances to zero at currency precision it is promoted to a
// full reconciliation; otherwise the union is stamped with one shared partial
// reconciliation record (reusing the first existing one) and the residual
// simply remains as the group's open balance — no entry is singled out to
// carry it.
func (e *ReconciliationEngine) reconcilePartial(ctx context.Context, tx pgx.Tx, name string, candidates []MoveLine, company Company) ([]int, error) {
	partialIDs := make([]int, 0, len(candidates))
	seen := make(map[int]bool)
	unionIDs := make([]int, 0, len(candidates))
	for _, c := range candidates {
		if c.ReconcilePartialID != nil && !seen[*c.ReconcilePartialID] {
			seen[*c.ReconcilePartialID] = true
			partialIDs = append(partialIDs, *c.ReconcilePartialID)
		}
		unionIDs = append(unionIDs, c.ID)
	}

	if len(partialIDs) > 0 {
		rows, err := tx.Query(ctx,
			"SELECT id FROM account_move_lines WHERE reconcile_partial_id = ANY($1)",
			partialIDs)
		if err != nil {
			return nil, fmt.Errorf("fetch partial reconciliation members: %w", err)
		}
		member := make(map[int]bool, len(unionIDs))
		for _, id := range unionIDs {
			member[id] = true
		}
		for rows.Next() {
			var id int
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan partial member id: %w", err)
			}
			if !member[id] {
				member[id] = true
				unionIDs = append(unionIDs, id)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("fetch partial reconciliation members: %w", err)
		}
	}

	var balance decimal.Decimal
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(debit - credit), 0) FROM account_move_lines WHERE id = ANY($1)",
		unionIDs,
	).Scan(&balance); err != nil {
		return nil, fmt.Errorf("balance of partial union: %w", err)
	}

	if company.IsZero(balance) {
		// The union settles in full: promote it and retire the partial marks.
		var recID int
		if err := tx.QueryRow(ctx,
			"INSERT INTO account_move_reconciles (name, type) VALUES ($1, 'full') RETURNING id",
			name,
		).Scan(&recID); err != nil {
			return nil, fmt.Errorf("create reconciliation: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE account_move_lines
			SET reconcile_id = $1, reconcile_partial_id = NULL
			WHERE id = ANY($2)`,
			recID, unionIDs,
		); err != nil {
			return nil, fmt.Errorf("stamp reconciliation %d: %w", recID, err)
		}
		return unionIDs, nil
	}

	var partialID int
	if len(partialIDs) > 0 {
		partialID = partialIDs[0]
	} else {
		if err := tx.QueryRow(ctx,
			"INSERT INTO account_move_reconciles (name, type) VALUES ($1, 'partial') RETURNING id",
			name,
		).Scan(&partialID); err != nil {
			return nil, fmt.Errorf("create partial reconciliation: %w", err)
		}
	}
	if _, err := tx.Exec(ctx,
		"UPDATE account_move_lines SET reconcile_partial_id = $1 WHERE id = ANY($2)",
		partialID, unionIDs,
	); err != nil {
		return nil, fmt.Errorf("stamp partial reconciliation %d: %w", partialID, err)
	}
	return unionIDs, nil
}

func (e *ReconciliationEngine) fetchBankLineIDs(ctx context.Context, q querier, orderID int) ([]int, error) {
	rows, err := q.Query(ctx,
		"SELECT id FROM bank_payment_lines WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch bank line ids for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bank line id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (e *ReconciliationEngine) fetchBankLine(ctx context.Context, q querier, id int) (BankPaymentLine, error) {
	var bl BankPaymentLine
	err := q.QueryRow(ctx, `
		SELECT id, order_id, name, partner_id, amount, currency, date,
		       communication, transit_move_line_id
		FROM bank_payment_lines WHERE id = $1`,
		id,
	).Scan(&bl.ID, &bl.OrderID, &bl.Name, &bl.PartnerID, &bl.Amount,
		&bl.Currency, &bl.Date, &bl.Communication, &bl.TransitMoveLineID)
	if err != nil {
		return BankPaymentLine{}, fmt.Errorf("fetch bank line %d: %w", id, err)
	}
	return bl, nil
}

// fetchPaymentLines returns the instructions aggregated into a bank line,
// with the partner name joined in for error reporting.
func (e *ReconciliationEngine) fetchPaymentLines(ctx context.Context, q querier, bankLineID int) ([]PaymentLine, error) {
	rows, err := q.Query(ctx, `
		SELECT pl.id, pl.order_id, pl.name, pl.partner_id, p.name,
		       pl.amount, pl.currency, pl.move_line_id, pl.mandate_id
		FROM payment_lines pl
		JOIN partners p ON p.id = pl.partner_id
		WHERE pl.bank_line_id = $1
		ORDER BY pl.id`,
		bankLineID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment lines of bank line %d: %w", bankLineID, err)
	}
	defer rows.Close()

	var lines []PaymentLine
	for rows.Next() {
		var pl PaymentLine
		if err := rows.Scan(&pl.ID, &pl.OrderID, &pl.Name, &pl.PartnerID, &pl.PartnerName,
			&pl.Amount, &pl.Currency, &pl.MoveLineID, &pl.MandateID); err != nil {
			return nil, fmt.Errorf("scan payment line: %w", err)
		}
		lines = append(lines, pl)
	}
	return lines, rows.Err()
}
