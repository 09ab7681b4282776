package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// MandateService manages direct-debit mandate amendment state. The engine
// marks amendments sent when an order is exported and resets them when the
// bank rejects the order.
type MandateService interface {
	ResetAmendment(ctx context.Context, q querier, mandateIDs []int) error
	MarkAmendmentSent(ctx context.Context, q querier, mandateIDs []int) error
}

type mandateService struct{}

func NewMandateService() MandateService {
	return mandateService{}
}

func (mandateService) ResetAmendment(ctx context.Context, q querier, mandateIDs []int) error {
	if len(mandateIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx,
		"UPDATE mandates SET amendment_state = 'to-send' WHERE id = ANY($1)",
		mandateIDs,
	); err != nil {
		return fmt.Errorf("reset mandate amendments: %w", err)
	}
	return nil
}

func (mandateService) MarkAmendmentSent(ctx context.Context, q querier, mandateIDs []int) error {
	if len(mandateIDs) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx,
		"UPDATE mandates SET amendment_state = 'sent' WHERE id = ANY($1) AND amendment_state <> 'sent'",
		mandateIDs,
	); err != nil {
		return fmt.Errorf("mark mandate amendments sent: %w", err)
	}
	return nil
}

// SequenceService hands out gapless formatted numbers, used to name bank
// payment lines without an explicit label and to number posted moves.
type SequenceService interface {
	Next(ctx context.Context, q querier, code string) (string, error)
}

type sequenceService struct{}

func NewSequenceService() SequenceService {
	return sequenceService{}
}

func (sequenceService) Next(ctx context.Context, q querier, code string) (string, error) {
	var prefix string
	var n int64
	// Upsert keeps first use of a new sequence code from failing; an existing
	// row keeps its configured prefix.
	err := q.QueryRow(ctx, `
		INSERT INTO sequences (code, last_number) VALUES ($1, 1)
		ON CONFLICT (code) DO UPDATE SET last_number = sequences.last_number + 1
		RETURNING prefix, last_number`,
		code,
	).Scan(&prefix, &n)
	if err != nil {
		return "", fmt.Errorf("next number for sequence %s: %w", code, err)
	}
	return fmt.Sprintf("%s%05d", prefix, n), nil
}

// PostingService posts a draft accounting move: assigns its name from the
// journal's sequence and flips it to posted.
type PostingService interface {
	Post(ctx context.Context, q querier, moveID int) error
}

type postingService struct {
	sequences SequenceService
}

func NewPostingService(sequences SequenceService) PostingService {
	return &postingService{sequences: sequences}
}

func (s *postingService) Post(ctx context.Context, q querier, moveID int) error {
	var journalCode string
	var state MoveState
	err := q.QueryRow(ctx, `
		SELECT j.code, m.state
		FROM account_moves m
		JOIN journals j ON j.id = m.journal_id
		WHERE m.id = $1`,
		moveID,
	).Scan(&journalCode, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("move %d not found", moveID)
		}
		return fmt.Errorf("fetch move %d: %w", moveID, err)
	}
	if state == MovePosted {
		return fmt.Errorf("move %d is already posted", moveID)
	}

	name, err := s.sequences.Next(ctx, q, "move_"+journalCode)
	if err != nil {
		return err
	}
	if _, err := q.Exec(ctx,
		"UPDATE account_moves SET name = $1, state = 'posted' WHERE id = $2",
		name, moveID,
	); err != nil {
		return fmt.Errorf("post move %d: %w", moveID, err)
	}
	return nil
}

// NoTargetEntryHook is invoked when a bank payment line cannot be reconciled
// because one of its instructions has no target ledger entry. Deployments
// override it to route such lines elsewhere; the default does nothing and the
// line is simply skipped.
type NoTargetEntryHook interface {
	OnNoTargetEntry(ctx context.Context, line BankPaymentLine) error
}

// NopNoTargetEntryHook is the default no-op hook.
type NopNoTargetEntryHook struct{}

func (NopNoTargetEntryHook) OnNoTargetEntry(context.Context, BankPaymentLine) error {
	return nil
}
