package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PaymentOrderService drives the payment order lifecycle:
//
//	draft → open → sent → done
//	  |       |      └──→ rejected
//	  └───────┴──→ cancel
//
// Each transition runs in its own transaction and either completes fully or
// leaves the order untouched.
type PaymentOrderService interface {
	// Confirm moves draft → open: recomputes scheduled dates per the order's
	// date preference and regenerates all bank payment lines.
	Confirm(ctx context.Context, orderID int) error
	// Export moves open → sent: creates the transfer moves, reconciles the
	// transit entries, marks mandate amendments sent and stamps the send date.
	Export(ctx context.Context, orderID int) error
	// Reject moves sent → rejected and resets mandate amendment state.
	Reject(ctx context.Context, orderID int) error
	// MarkDone moves sent → done once every transfer entry is reconciled.
	MarkDone(ctx context.Context, orderID int) error
	// Cancel moves draft or open → cancel and deletes the bank payment lines.
	Cancel(ctx context.Context, orderID int) error
	// Delete permanently removes an order in draft or cancel state.
	Delete(ctx context.Context, orderID int) error

	// IsFullySettled reports whether all of the order's transfer entries are
	// reconciled; used by an external trigger to decide the sent → done move.
	IsFullySettled(ctx context.Context, orderID int) (bool, error)
	Get(ctx context.Context, orderID int) (*PaymentOrder, error)
	Status(ctx context.Context, orderID int) (*OrderStatus, error)
	PartialReconcileIDs(ctx context.Context, orderID int) ([]int, error)
}

// OrderStatus is a reporting view of one order.
type OrderStatus struct {
	Order                 PaymentOrder
	Total                 decimal.Decimal
	LineCount             int
	BankLineCount         int
	PartialReconcileCount int
}

type paymentOrderService struct {
	pool     *pgxpool.Pool
	mandates MandateService
	seqs     SequenceService
	posting  PostingService
	hook     NoTargetEntryHook
	logger   *zap.Logger
}

func NewPaymentOrderService(pool *pgxpool.Pool, mandates MandateService, seqs SequenceService,
	posting PostingService, hook NoTargetEntryHook, logger *zap.Logger) PaymentOrderService {
	return &paymentOrderService{
		pool:     pool,
		mandates: mandates,
		seqs:     seqs,
		posting:  posting,
		hook:     hook,
		logger:   logger,
	}
}

const orderColumns = `
	o.id, o.order_type, o.state, o.mode_id, o.reference, o.date_prefered,
	o.date_scheduled, o.date_sent, o.date_done, o.created_at,
	m.id, m.name, m.group_lines, m.transfer_journal_id, m.transfer_account_id,
	m.transfer_move_option`

func scanOrder(row pgx.Row) (*PaymentOrder, error) {
	var o PaymentOrder
	err := row.Scan(
		&o.ID, &o.OrderType, &o.State, &o.ModeID, &o.Reference, &o.DatePrefered,
		&o.DateScheduled, &o.DateSent, &o.DateDone, &o.CreatedAt,
		&o.Mode.ID, &o.Mode.Name, &o.Mode.GroupLines, &o.Mode.TransferJournalID,
		&o.Mode.TransferAccountID, &o.Mode.TransferMoveOption,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *paymentOrderService) Get(ctx context.Context, orderID int) (*PaymentOrder, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, `
		SELECT`+orderColumns+`
		FROM payment_orders o
		JOIN payment_modes m ON m.id = o.mode_id
		WHERE o.id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment order %d not found", orderID)
		}
		return nil, fmt.Errorf("fetch payment order %d: %w", orderID, err)
	}
	return order, nil
}

// lockOrder fetches the order with its mode under a row lock, so concurrent
// transitions on the same order serialize.
func (s *paymentOrderService) lockOrder(ctx context.Context, tx pgx.Tx, orderID int) (*PaymentOrder, error) {
	order, err := scanOrder(tx.QueryRow(ctx, `
		SELECT`+orderColumns+`
		FROM payment_orders o
		JOIN payment_modes m ON m.id = o.mode_id
		WHERE o.id = $1
		FOR UPDATE OF o`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payment order %d not found", orderID)
		}
		return nil, fmt.Errorf("fetch payment order %d: %w", orderID, err)
	}
	return order, nil
}

// loadCompany returns the functional-currency company. The engine is
// single-company: the first row is authoritative.
func (s *paymentOrderService) loadCompany(ctx context.Context, q querier) (Company, error) {
	var c Company
	err := q.QueryRow(ctx,
		"SELECT id, name, currency, currency_precision FROM companies ORDER BY id LIMIT 1",
	).Scan(&c.ID, &c.Name, &c.Currency, &c.CurrencyPrecision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Company{}, fmt.Errorf("no company configured")
		}
		return Company{}, fmt.Errorf("fetch company: %w", err)
	}
	return c, nil
}

// ── Confirm ──────────────────────────────────────────────────────────────────

func (s *paymentOrderService) Confirm(ctx context.Context, orderID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != StateDraft {
		return fmt.Errorf("payment order %d cannot be confirmed: state is %s (must be draft)",
			orderID, order.State)
	}

	today := time.Now().Format("2006-01-02")
	if err := s.updateScheduledDates(ctx, tx, order, today); err != nil {
		return err
	}

	// Regenerate from scratch: stale bank lines from a previous confirm must
	// not survive.
	if _, err := tx.Exec(ctx,
		"DELETE FROM bank_payment_lines WHERE order_id = $1", orderID,
	); err != nil {
		return fmt.Errorf("delete bank lines of order %d: %w", orderID, err)
	}

	lines, err := s.fetchPaymentLines(ctx, tx, orderID)
	if err != nil {
		return err
	}
	groups, err := GroupPaymentLines(lines, order.Mode.GroupLines)
	if err != nil {
		return err
	}
	s.logger.Debug("grouped payment lines",
		zap.Int("order_id", orderID),
		zap.Int("lines", len(lines)),
		zap.Int("groups", len(groups)))

	if err := s.createBankLines(ctx, tx, order, groups); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE payment_orders SET state = 'open' WHERE id = $1", orderID,
	); err != nil {
		return fmt.Errorf("open payment order %d: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit confirm: %w", err)
	}
	return nil
}

// updateScheduledDates rewrites every payment line's scheduled date per the
// order's date preference, one bulk update per distinct date value.
func (s *paymentOrderService) updateScheduledDates(ctx context.Context, tx pgx.Tx, order *PaymentOrder, today string) error {
	byDate := make(map[string][]int)
	switch order.DatePrefered {
	case DateDue:
		rows, err := tx.Query(ctx,
			"SELECT id, ml_maturity_date FROM payment_lines WHERE order_id = $1 ORDER BY id",
			order.ID)
		if err != nil {
			return fmt.Errorf("fetch maturity dates for order %d: %w", order.ID, err)
		}
		for rows.Next() {
			var id int
			var maturity *time.Time
			if err := rows.Scan(&id, &maturity); err != nil {
				rows.Close()
				return fmt.Errorf("scan maturity date: %w", err)
			}
			requested := today
			if maturity != nil {
				requested = maturity.Format("2006-01-02")
			}
			byDate[requested] = append(byDate[requested], id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("fetch maturity dates for order %d: %w", order.ID, err)
		}
	default:
		requested := today
		if order.DatePrefered == DateFixed && order.DateScheduled != nil {
			requested = order.DateScheduled.Format("2006-01-02")
		}
		ids, err := s.fetchPaymentLineIDs(ctx, tx, order.ID)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			byDate[requested] = ids
		}
	}

	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	for _, d := range dates {
		if _, err := tx.Exec(ctx,
			"UPDATE payment_lines SET date = $1 WHERE id = ANY($2)",
			d, byDate[d],
		); err != nil {
			return fmt.Errorf("set scheduled date %s: %w", d, err)
		}
	}
	return nil
}

// createBankLines materializes the line groups as bank payment lines in bulk
// and links the member instructions back to their new parents.
func (s *paymentOrderService) createBankLines(ctx context.Context, tx pgx.Tx, order *PaymentOrder, groups []LineGroup) error {
	if len(groups) == 0 {
		return nil
	}
	cols := []string{"order_id", "name", "partner_id", "amount", "currency", "date", "communication"}
	rows := make([][]any, len(groups))
	for i, g := range groups {
		first := g.Members[0]
		name, err := s.seqs.Next(ctx, tx, "bank_payment_line")
		if err != nil {
			return err
		}
		rows[i] = []any{order.ID, name, first.PartnerID, g.Total, first.Currency, first.Date, g.Communication}
	}

	ids, err := BulkInsert(ctx, tx, "bank_payment_lines", cols, rows)
	if err != nil {
		return err
	}
	links := make([]ParentLink, len(ids))
	for i, id := range ids {
		links[i] = ParentLink{ParentID: id, ChildIDs: groups[i].MemberIDs()}
	}
	return BulkLinkChildren(ctx, tx, "payment_lines", "bank_line_id", links)
}

// ── Export ───────────────────────────────────────────────────────────────────

func (s *paymentOrderService) Export(ctx context.Context, orderID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != StateOpen {
		return fmt.Errorf("payment order %d cannot be exported: state is %s (must be open)",
			orderID, order.State)
	}
	company, err := s.loadCompany(ctx, tx)
	if err != nil {
		return err
	}

	cache := NewRecordCache()
	builder := NewTransferMoveBuilder(s.posting, cache, s.logger)
	counterpartIDs, err := builder.CreateTransferMoves(ctx, tx, order, company)
	if err != nil {
		return err
	}

	engine := NewReconciliationEngine(s.hook, cache, s.logger)
	affected, err := engine.ReconcileOrder(ctx, tx, order, company)
	if err != nil {
		return err
	}
	// One batch recompute of the stored settlement flag instead of a trigger
	// per entry.
	if len(affected) > 0 {
		if _, err := tx.Exec(ctx, `
			UPDATE payment_lines pl
			SET reconciled = (aml.reconcile_id IS NOT NULL)
			FROM account_move_lines aml
			WHERE aml.id = pl.move_line_id AND aml.id = ANY($1)`,
			affected,
		); err != nil {
			return fmt.Errorf("recompute settlement flags: %w", err)
		}
	}

	for _, mlID := range counterpartIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO payment_order_transfer_move_lines (order_id, move_line_id)
			VALUES ($1, $2)`,
			orderID, mlID,
		); err != nil {
			return fmt.Errorf("record transfer move line %d: %w", mlID, err)
		}
	}

	mandateIDs, err := s.fetchMandateIDs(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if err := s.mandates.MarkAmendmentSent(ctx, tx, mandateIDs); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE payment_orders SET state = 'sent', date_sent = NOW()::date WHERE id = $1",
		orderID,
	); err != nil {
		return fmt.Errorf("mark payment order %d sent: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit export: %w", err)
	}
	s.logger.Info("payment order exported",
		zap.Int("order_id", orderID),
		zap.Int("transfer_moves", len(counterpartIDs)),
		zap.Int("reconciled_move_lines", len(affected)))
	return nil
}

// ── Reject / MarkDone / Cancel / Delete ─────────────────────────────────────

func (s *paymentOrderService) Reject(ctx context.Context, orderID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != StateSent {
		return fmt.Errorf("payment order %d cannot be rejected: state is %s (must be sent)",
			orderID, order.State)
	}

	mandateIDs, err := s.fetchMandateIDs(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if err := s.mandates.ResetAmendment(ctx, tx, mandateIDs); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		"UPDATE payment_orders SET state = 'rejected' WHERE id = $1", orderID,
	); err != nil {
		return fmt.Errorf("mark payment order %d rejected: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit reject: %w", err)
	}
	return nil
}

func (s *paymentOrderService) MarkDone(ctx context.Context, orderID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != StateSent {
		return fmt.Errorf("payment order %d cannot be marked done: state is %s (must be sent)",
			orderID, order.State)
	}
	settled, err := s.isFullySettledQ(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if !settled {
		return fmt.Errorf("payment order %d cannot be marked done: transfer entries are not fully reconciled", orderID)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE payment_lines SET date_done = NOW()::date WHERE order_id = $1", orderID,
	); err != nil {
		return fmt.Errorf("stamp payment lines done: %w", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE payment_orders SET state = 'done', date_done = NOW()::date WHERE id = $1",
		orderID,
	); err != nil {
		return fmt.Errorf("mark payment order %d done: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit done: %w", err)
	}
	return nil
}

func (s *paymentOrderService) Cancel(ctx context.Context, orderID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != StateDraft && order.State != StateOpen {
		return fmt.Errorf("payment order %d cannot be cancelled: state is %s (must be draft or open)",
			orderID, order.State)
	}

	if _, err := tx.Exec(ctx,
		"DELETE FROM bank_payment_lines WHERE order_id = $1", orderID,
	); err != nil {
		return fmt.Errorf("delete bank lines of order %d: %w", orderID, err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE payment_orders SET state = 'cancel' WHERE id = $1", orderID,
	); err != nil {
		return fmt.Errorf("cancel payment order %d: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

func (s *paymentOrderService) Delete(ctx context.Context, orderID int) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.State != StateDraft && order.State != StateCancel {
		return fmt.Errorf("cannot remove payment order %d: it is not in draft or cancel state", orderID)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM payment_orders WHERE id = $1", orderID); err != nil {
		return fmt.Errorf("delete payment order %d: %w", orderID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// ── Queries ─────────────────────────────────────────────────────────────────

func (s *paymentOrderService) IsFullySettled(ctx context.Context, orderID int) (bool, error) {
	return s.isFullySettledQ(ctx, s.pool, orderID)
}

func (s *paymentOrderService) isFullySettledQ(ctx context.Context, q querier, orderID int) (bool, error) {
	var unsettled bool
	err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM payment_order_transfer_move_lines t
			JOIN account_move_lines aml ON aml.id = t.move_line_id
			WHERE t.order_id = $1 AND aml.reconcile_id IS NULL
		)`, orderID,
	).Scan(&unsettled)
	if err != nil {
		return false, fmt.Errorf("check settlement of order %d: %w", orderID, err)
	}
	return !unsettled, nil
}

func (s *paymentOrderService) PartialReconcileIDs(ctx context.Context, orderID int) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT aml.reconcile_partial_id
		FROM payment_lines pl
		JOIN account_move_lines aml ON aml.id = pl.move_line_id
		WHERE pl.order_id = $1 AND aml.reconcile_partial_id IS NOT NULL
		ORDER BY aml.reconcile_partial_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch partial reconciliations of order %d: %w", orderID, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan partial reconciliation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *paymentOrderService) Status(ctx context.Context, orderID int) (*OrderStatus, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	st := &OrderStatus{Order: *order}
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM payment_lines WHERE order_id = $1`,
		orderID,
	).Scan(&st.Total, &st.LineCount)
	if err != nil {
		return nil, fmt.Errorf("total of order %d: %w", orderID, err)
	}
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bank_payment_lines WHERE order_id = $1", orderID,
	).Scan(&st.BankLineCount); err != nil {
		return nil, fmt.Errorf("bank line count of order %d: %w", orderID, err)
	}
	partials, err := s.PartialReconcileIDs(ctx, orderID)
	if err != nil {
		return nil, err
	}
	st.PartialReconcileCount = len(partials)
	return st, nil
}

// ── Shared fetch helpers ────────────────────────────────────────────────────

func (s *paymentOrderService) fetchPaymentLineIDs(ctx context.Context, q querier, orderID int) ([]int, error) {
	rows, err := q.Query(ctx,
		"SELECT id FROM payment_lines WHERE order_id = $1 ORDER BY id", orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment line ids for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan payment line id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *paymentOrderService) fetchPaymentLines(ctx context.Context, q querier, orderID int) ([]PaymentLine, error) {
	rows, err := q.Query(ctx, `
		SELECT pl.id, pl.order_id, pl.name, pl.partner_id, p.name,
		       pl.amount, pl.currency, pl.date, pl.ml_maturity_date,
		       pl.move_line_id, pl.mandate_id, pl.communication
		FROM payment_lines pl
		JOIN partners p ON p.id = pl.partner_id
		WHERE pl.order_id = $1
		ORDER BY pl.id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch payment lines for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var lines []PaymentLine
	for rows.Next() {
		var pl PaymentLine
		if err := rows.Scan(&pl.ID, &pl.OrderID, &pl.Name, &pl.PartnerID, &pl.PartnerName,
			&pl.Amount, &pl.Currency, &pl.Date, &pl.MLMaturityDate,
			&pl.MoveLineID, &pl.MandateID, &pl.Communication); err != nil {
			return nil, fmt.Errorf("scan payment line: %w", err)
		}
		lines = append(lines, pl)
	}
	return lines, rows.Err()
}

func (s *paymentOrderService) fetchMandateIDs(ctx context.Context, q querier, orderID int) ([]int, error) {
	rows, err := q.Query(ctx, `
		SELECT DISTINCT mandate_id FROM payment_lines
		WHERE order_id = $1 AND mandate_id IS NOT NULL
		ORDER BY mandate_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("fetch mandate ids for order %d: %w", orderID, err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan mandate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
