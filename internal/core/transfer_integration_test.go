package core_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"payment-engine/internal/core"

	"github.com/shopspring/decimal"
)

func TestExport_TransferMoveGroupedByDate(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := newOrderService(pool)
	ctx := context.Background()

	scheduled := "2026-09-01"
	modeID := createMode(t, pool, true, intPtr(journalTRF), intPtr(transferAccount), core.TransferByDate)
	orderID := createOrder(t, pool, modeID, core.OrderTypeDebit, core.DateFixed, &scheduled)
	addPaymentLine(t, pool, orderID, core.PaymentLine{Name: "PL1", PartnerID: partnerAlpha, Amount: amt("100.00")})
	addPaymentLine(t, pool, orderID, core.PaymentLine{Name: "PL2", PartnerID: partnerBeta, Amount: amt("50.00")})

	if err := svc.Confirm(ctx, orderID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := svc.Export(ctx, orderID); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if state := orderState(t, pool, orderID); state != core.StateSent {
		t.Errorf("Expected state sent, got %s", state)
	}

	// Both bank lines share the scheduled date, so one transfer move covers them.
	var moveID int
	var ref string
	if err := pool.QueryRow(ctx,
		"SELECT id, ref FROM account_moves WHERE journal_id = $1", journalTRF,
	).Scan(&moveID, &ref); err != nil {
		t.Fatalf("Expected exactly one transfer move: %v", err)
	}
	var orderRef string
	if err := pool.QueryRow(ctx,
		"SELECT reference FROM payment_orders WHERE id = $1", orderID,
	).Scan(&orderRef); err != nil {
		t.Fatalf("Failed to fetch order reference: %v", err)
	}
	if ref != "DEB "+orderRef {
		t.Errorf("Expected move ref %q, got %q", "DEB "+orderRef, ref)
	}

	// Two partner lines crediting the receivable account.
	rows, err := pool.Query(ctx, `
		SELECT debit, credit FROM account_move_lines
		WHERE move_id = $1 AND account_id = $2 ORDER BY id`,
		moveID, receivableAccount)
	if err != nil {
		t.Fatalf("Failed to fetch partner lines: %v", err)
	}
	defer rows.Close()
	var partnerLines int
	for rows.Next() {
		var debit, credit decimal.Decimal
		if err := rows.Scan(&debit, &credit); err != nil {
			t.Fatalf("Failed to scan partner line: %v", err)
		}
		if !debit.IsZero() || credit.IsZero() {
			t.Errorf("Expected credit-only partner line, got debit=%s credit=%s", debit, credit)
		}
		partnerLines++
	}
	if partnerLines != 2 {
		t.Fatalf("Expected 2 partner lines, got %d", partnerLines)
	}

	// One counterpart line debiting the transit account for the order total.
	var name string
	var debit decimal.Decimal
	var maturity time.Time
	if err := pool.QueryRow(ctx, `
		SELECT name, debit, date_maturity FROM account_move_lines
		WHERE move_id = $1 AND account_id = $2`,
		moveID, transferAccount,
	).Scan(&name, &debit, &maturity); err != nil {
		t.Fatalf("Expected exactly one counterpart line: %v", err)
	}
	if debit.StringFixed(2) != "150.00" {
		t.Errorf("Expected counterpart debit 150.00, got %s", debit.StringFixed(2))
	}
	if name != "Direct debit "+orderRef {
		t.Errorf("Unexpected counterpart name: %q", name)
	}
	if maturity.Format("2006-01-02") != scheduled {
		t.Errorf("Expected maturity %s, got %s", scheduled, maturity.Format("2006-01-02"))
	}

	// Each bank line now points at its transit entry.
	var missingTransit int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM bank_payment_lines WHERE order_id = $1 AND transit_move_line_id IS NULL",
		orderID,
	).Scan(&missingTransit); err != nil {
		t.Fatalf("Failed to count bank lines: %v", err)
	}
	if missingTransit != 0 {
		t.Errorf("Expected every bank line linked to a transit entry, %d are not", missingTransit)
	}
}

func TestExport_TransferMovePerLine(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := newOrderService(pool)
	ctx := context.Background()

	scheduled := "2026-09-01"
	modeID := createMode(t, pool, true, intPtr(journalTRF), intPtr(transferAccount), core.TransferByLine)
	orderID := createOrder(t, pool, modeID, core.OrderTypeDebit, core.DateFixed, &scheduled)
	addPaymentLine(t, pool, orderID, core.PaymentLine{Name: "PL1", PartnerID: partnerAlpha, Amount: amt("100.00")})
	addPaymentLine(t, pool, orderID, core.PaymentLine{Name: "PL2", PartnerID: partnerBeta, Amount: amt("50.00")})

	if err := svc.Confirm(ctx, orderID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := svc.Export(ctx, orderID); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var moves int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM account_moves WHERE journal_id = $1", journalTRF,
	).Scan(&moves); err != nil {
		t.Fatalf("Failed to count moves: %v", err)
	}
	if moves != 2 {
		t.Fatalf("Expected one transfer move per bank line, got %d", moves)
	}

	// Single-line groups name their counterpart after the bank line and keep
	// the partner.
	rows, err := pool.Query(ctx, `
		SELECT name, partner_id FROM account_move_lines
		WHERE account_id = $1 ORDER BY id`,
		transferAccount)
	if err != nil {
		t.Fatalf("Failed to fetch counterpart lines: %v", err)
	}
	defer rows.Close()
	var counterparts int
	for rows.Next() {
		var name string
		var partnerID *int
		if err := rows.Scan(&name, &partnerID); err != nil {
			t.Fatalf("Failed to scan counterpart line: %v", err)
		}
		if !strings.HasPrefix(name, "Direct debit bank line BNK/") {
			t.Errorf("Unexpected counterpart name: %q", name)
		}
		if partnerID == nil {
			t.Error("Expected partner on single-line counterpart")
		}
		counterparts++
	}
	if counterparts != 2 {
		t.Fatalf("Expected 2 counterpart lines, got %d", counterparts)
	}

	var recorded int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM payment_order_transfer_move_lines WHERE order_id = $1", orderID,
	).Scan(&recorded); err != nil {
		t.Fatalf("Failed to count recorded transfer lines: %v", err)
	}
	if recorded != 2 {
		t.Errorf("Expected 2 recorded transfer move lines, got %d", recorded)
	}
}

func TestExport_PaymentOrderPolarity(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := newOrderService(pool)
	ctx := context.Background()

	scheduled := "2026-09-01"
	modeID := createMode(t, pool, true, intPtr(journalTRF), intPtr(transferAccount), core.TransferByDate)
	orderID := createOrder(t, pool, modeID, core.OrderTypePayment, core.DateFixed, &scheduled)
	addPaymentLine(t, pool, orderID, core.PaymentLine{Name: "PL1", PartnerID: partnerAlpha, Amount: amt("80.00")})

	if err := svc.Confirm(ctx, orderID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := svc.Export(ctx, orderID); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	// An outgoing payment debits the partner's payable account and credits the
	// transit account.
	var debit decimal.Decimal
	if err := pool.QueryRow(ctx,
		"SELECT debit FROM account_move_lines WHERE account_id = $1", payableAccount,
	).Scan(&debit); err != nil {
		t.Fatalf("Expected one payable line: %v", err)
	}
	if debit.StringFixed(2) != "80.00" {
		t.Errorf("Expected payable debit 80.00, got %s", debit.StringFixed(2))
	}
	var credit decimal.Decimal
	if err := pool.QueryRow(ctx,
		"SELECT credit FROM account_move_lines WHERE account_id = $1", transferAccount,
	).Scan(&credit); err != nil {
		t.Fatalf("Expected one counterpart line: %v", err)
	}
	if credit.StringFixed(2) != "80.00" {
		t.Errorf("Expected counterpart credit 80.00, got %s", credit.StringFixed(2))
	}
}

func TestExport_AutoPostedJournal(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := newOrderService(pool)
	ctx := context.Background()

	modeID := createMode(t, pool, true, intPtr(journalTRFA), intPtr(transferAccount), core.TransferByDate)
	orderID := createOrder(t, pool, modeID, core.OrderTypeDebit, core.DateNow, nil)
	addPaymentLine(t, pool, orderID, core.PaymentLine{Name: "PL1", PartnerID: partnerAlpha, Amount: amt("100.00")})

	if err := svc.Confirm(ctx, orderID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if err := svc.Export(ctx, orderID); err != nil {
		t.Fatalf("Export failed: %v", err)
	}

	var name *string
	var state core.MoveState
	if err := pool.QueryRow(ctx,
		"SELECT name, state FROM account_moves WHERE journal_id = $1", journalTRFA,
	).Scan(&name, &state); err != nil {
		t.Fatalf("Expected one transfer move: %v", err)
	}
	if state != core.MovePosted {
		t.Errorf("Expected posted move, got %s", state)
	}
	if name == nil || *name != "00001" {
		t.Errorf("Expected sequence-assigned move name 00001, got %v", name)
	}
}

func TestExport_CurrencyMismatchAborts(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := newOrderService(pool)
	ctx := context.Background()

	modeID := createMode(t, pool, true, intPtr(journalTRF), intPtr(transferAccount), core.TransferByDate)
	orderID := createOrder(t, pool, modeID, core.OrderTypeDebit, core.DateNow, nil)
	addPaymentLine(t, pool, orderID, core.PaymentLine{
		Name: "PL1", PartnerID: partnerAlpha, Amount: amt("100.00"), Currency: "USD",
	})

	if err := svc.Confirm(ctx, orderID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	err := svc.Export(ctx, orderID)
	if err == nil {
		t.Fatal("Expected export to fail on currency mismatch")
	}
	if !strings.Contains(err.Error(), "currency of the payment (USD)") {
		t.Errorf("Unexpected error: %v", err)
	}

	// The whole export must roll back.
	if state := orderState(t, pool, orderID); state != core.StateOpen {
		t.Errorf("Expected order to stay open, got %s", state)
	}
	var moves int
	if err := pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM account_moves WHERE journal_id = $1", journalTRF,
	).Scan(&moves); err != nil {
		t.Fatalf("Failed to count moves: %v", err)
	}
	if moves != 0 {
		t.Errorf("Expected no transfer moves after rollback, got %d", moves)
	}
}

func TestExport_RequiresOpenState(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()

	svc := newOrderService(pool)
	ctx := context.Background()

	modeID := createMode(t, pool, true, intPtr(journalTRF), intPtr(transferAccount), core.TransferByDate)
	orderID := createOrder(t, pool, modeID, core.OrderTypeDebit, core.DateNow, nil)

	err := svc.Export(ctx, orderID)
	if err == nil {
		t.Fatal("Expected export of draft order to fail")
	}
	if !strings.Contains(err.Error(), "must be open") {
		t.Errorf("Unexpected error: %v", err)
	}
}
