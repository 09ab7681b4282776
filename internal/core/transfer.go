package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TransferMoveBuilder creates the accounting moves that route an exported
// order's funds through the transit account: one move per transfer group,
// holding one partner-account line per bank payment line plus a single
// counterpart line on the transfer account for the group total.
type TransferMoveBuilder struct {
	posting PostingService
	cache   *RecordCache
	logger  *zap.Logger
}

func NewTransferMoveBuilder(posting PostingService, cache *RecordCache, logger *zap.Logger) *TransferMoveBuilder {
	return &TransferMoveBuilder{posting: posting, cache: cache, logger: logger}
}

// transferMoveRef derives the move reference from the order type and the
// order reference, e.g. "PAY SO-42" or "DEB DD-7".
func transferMoveRef(order *PaymentOrder) string {
	return fmt.Sprintf("%s %s", strings.ToUpper(string(order.OrderType)[:3]), order.Reference)
}

// CreateTransferMoves builds all transfer moves for an order being exported.
// It must run inside the export transaction; it issues its statements through
// tx and relies on the caller for atomicity. Returns the counterpart move
// line ids created on the transfer account, in group order.
//
// Orders whose mode carries no transfer journal or transfer account are left
// alone: their target entries are settled directly from the bank statement.
func (b *TransferMoveBuilder) CreateTransferMoves(ctx context.Context, tx pgx.Tx, order *PaymentOrder, company Company) ([]int, error) {
	if order.Mode.TransferJournalID == nil || order.Mode.TransferAccountID == nil {
		return nil, nil
	}
	journal, err := b.fetchJournal(ctx, tx, *order.Mode.TransferJournalID)
	if err != nil {
		return nil, err
	}

	blIDs, err := b.fetchBankLineIDs(ctx, tx, order.ID)
	if err != nil {
		return nil, err
	}
	if len(blIDs) == 0 {
		return nil, nil
	}

	groups, err := b.groupBankLines(ctx, tx, order, blIDs)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("transfer groups formed",
		zap.Int("order_id", order.ID),
		zap.Int("bank_lines", len(blIDs)),
		zap.Int("groups", len(groups)))

	var counterpartIDs []int
	for _, group := range groups {
		counterpartID, err := b.createGroupMove(ctx, tx, order, company, journal, group)
		if err != nil {
			return nil, err
		}
		counterpartIDs = append(counterpartIDs, counterpartID)
		// Release everything loaded for this group before starting the next.
		b.cache.Invalidate()
	}
	return counterpartIDs, nil
}

// groupBankLines walks the order's bank lines in pages and buckets their ids
// by transfer hashcode: the line date in by-date mode, the line id otherwise.
// Bucket order follows first encounter.
func (b *TransferMoveBuilder) groupBankLines(ctx context.Context, tx pgx.Tx, order *PaymentOrder, blIDs []int) ([][]int, error) {
	index := make(map[string]int)
	var groups [][]int
	for _, page := range chunkIDs(blIDs, pageSize) {
		lines, err := b.fetchBankLines(ctx, tx, page)
		if err != nil {
			return nil, err
		}
		for _, bl := range lines {
			var hashcode string
			if order.Mode.TransferMoveOption == TransferByDate {
				if bl.Date != nil {
					hashcode = bl.Date.Format("2006-01-02")
				}
			} else {
				hashcode = fmt.Sprintf("line-%d", bl.ID)
			}
			if i, ok := index[hashcode]; ok {
				groups[i] = append(groups[i], bl.ID)
			} else {
				index[hashcode] = len(groups)
				groups = append(groups, []int{bl.ID})
			}
		}
		b.cache.Invalidate()
	}
	return groups, nil
}

// createGroupMove creates one transfer move: the partner-account line for
// every bank line in the group (page by page), then the single counterpart
// line on the transfer account for the group total.
func (b *TransferMoveBuilder) createGroupMove(ctx context.Context, tx pgx.Tx, order *PaymentOrder, company Company, journal Journal, groupIDs []int) (int, error) {
	var moveID int
	if err := tx.QueryRow(ctx,
		"INSERT INTO account_moves (journal_id, ref) VALUES ($1, $2) RETURNING id",
		journal.ID, transferMoveRef(order),
	).Scan(&moveID); err != nil {
		return 0, fmt.Errorf("create transfer move: %w", err)
	}

	label := order.OrderType.label()
	total := decimal.Zero
	for _, page := range chunkIDs(groupIDs, pageSize) {
		lines, err := b.fetchBankLines(ctx, tx, page)
		if err != nil {
			return 0, err
		}
		rows := make([][]any, 0, len(lines))
		for _, bl := range lines {
			if bl.Currency != company.Currency {
				return 0, fmt.Errorf(
					"cannot generate the transfer move when the currency of the payment (%s) is not the same as the currency of the company (%s)",
					bl.Currency, company.Currency)
			}
			accountID, err := b.partnerAccountID(ctx, tx, order, bl)
			if err != nil {
				return 0, err
			}
			debit, credit := decimal.Zero, decimal.Zero
			if order.OrderType == OrderTypeDebit {
				credit = bl.Amount
			} else {
				debit = bl.Amount
			}
			total = total.Add(bl.Amount)
			rows = append(rows, []any{
				moveID,
				fmt.Sprintf("%s line %s", label, bl.Name),
				bl.PartnerID,
				accountID,
				debit,
				credit,
			})
		}
		mlIDs, err := BulkInsert(ctx, tx, "account_move_lines",
			[]string{"move_id", "name", "partner_id", "account_id", "debit", "credit"}, rows)
		if err != nil {
			return 0, err
		}
		// Record each partner line as the transit entry of its bank line.
		links := make([]ParentLink, len(mlIDs))
		for i, mlID := range mlIDs {
			links[i] = ParentLink{ParentID: mlID, ChildIDs: []int{lines[i].ID}}
		}
		if err := BulkLinkChildren(ctx, tx, "bank_payment_lines", "transit_move_line_id", links); err != nil {
			return 0, err
		}
		b.cache.Invalidate()
	}

	counterpartID, err := b.createCounterpartLine(ctx, tx, order, moveID, groupIDs, total, label)
	if err != nil {
		return 0, err
	}

	if journal.AutoPost {
		b.logger.Debug("posting transfer move", zap.Int("move_id", moveID))
		if err := b.posting.Post(ctx, tx, moveID); err != nil {
			return 0, err
		}
	}
	return counterpartID, nil
}

// createCounterpartLine writes the single transfer-account entry balancing a
// group. Display fields come from at most the first two bank lines: the total
// already captures the aggregate, so loading the whole group again would be
// waste.
func (b *TransferMoveBuilder) createCounterpartLine(ctx context.Context, tx pgx.Tx, order *PaymentOrder, moveID int, groupIDs []int, total decimal.Decimal, label string) (int, error) {
	headIDs := groupIDs
	if len(headIDs) > 2 {
		headIDs = headIDs[:2]
	}
	head, err := b.fetchBankLines(ctx, tx, headIDs)
	if err != nil {
		return 0, err
	}

	var name string
	var partnerID *int
	if len(groupIDs) == 1 {
		name = fmt.Sprintf("%s bank line %s", label, head[0].Name)
		partnerID = &head[0].PartnerID
	} else {
		name = fmt.Sprintf("%s %s", label, order.Reference)
	}

	// A payment order credits the transfer account; a debit order debits it.
	debit, credit := decimal.Zero, decimal.Zero
	if order.OrderType == OrderTypeDebit {
		debit = total
	} else {
		credit = total
	}
	var counterpartID int
	if err := tx.QueryRow(ctx, `
		INSERT INTO account_move_lines (move_id, name, partner_id, account_id, debit, credit, date_maturity)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		moveID, name, partnerID, *order.Mode.TransferAccountID, debit, credit, head[0].Date,
	).Scan(&counterpartID); err != nil {
		return 0, fmt.Errorf("create transfer counterpart line: %w", err)
	}
	return counterpartID, nil
}

// partnerAccountID resolves the account for a bank line's partner-side entry:
// the account of the first contributing instruction's target entry when one
// exists, the partner's default receivable/payable account otherwise.
func (b *TransferMoveBuilder) partnerAccountID(ctx context.Context, tx pgx.Tx, order *PaymentOrder, bl BankPaymentLine) (int, error) {
	var moveLineID *int
	err := tx.QueryRow(ctx,
		"SELECT move_line_id FROM payment_lines WHERE bank_line_id = $1 ORDER BY id LIMIT 1",
		bl.ID,
	).Scan(&moveLineID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("fetch first instruction of bank line %d: %w", bl.ID, err)
	}
	if moveLineID != nil {
		ml, err := b.cache.MoveLine(ctx, tx, *moveLineID)
		if err != nil {
			return 0, err
		}
		return ml.AccountID, nil
	}

	partner, err := b.cache.Partner(ctx, tx, bl.PartnerID)
	if err != nil {
		return 0, err
	}
	if order.OrderType == OrderTypeDebit {
		return partner.ReceivableAccountID, nil
	}
	return partner.PayableAccountID, nil
}

func (b *TransferMoveBuilder) fetchJournal(ctx context.Context, q querier, id int) (Journal, error) {
	var j Journal
	err := q.QueryRow(ctx,
		"SELECT id, code, name, auto_post FROM journals WHERE id = $1", id,
	).Scan(&j.ID, &j.Code, &j.Name, &j.AutoPost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Journal{}, fmt.Errorf("journal %d not found", id)
		}
		return Journal{}, fmt.Errorf("fetch journal %d: %w", id, err)
	}
	return j, nil
}

func (b *TransferMoveBuilder) fetchBankLineIDs(ctx context.Context, q querier, orderID int) ([]int, error) {
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

func (b *TransferMoveBuilder) fetchBankLines(ctx context.Context, q querier, ids []int) ([]BankPaymentLine, error) {
	rows, err := q.Query(ctx, `
		SELECT id, order_id, name, partner_id, amount, currency, date,
		       communication, transit_move_line_id
		FROM bank_payment_lines WHERE id = ANY($1) ORDER BY id`,
		ids)
	if err != nil {
		return nil, fmt.Errorf("fetch bank lines: %w", err)
	}
	defer rows.Close()

	var lines []BankPaymentLine
	for rows.Next() {
		var bl BankPaymentLine
		var date *time.Time
		if err := rows.Scan(&bl.ID, &bl.OrderID, &bl.Name, &bl.PartnerID, &bl.Amount,
			&bl.Currency, &date, &bl.Communication, &bl.TransitMoveLineID); err != nil {
			return nil, fmt.Errorf("scan bank line: %w", err)
		}
		bl.Date = date
		lines = append(lines, bl)
	}
	return lines, rows.Err()
}
