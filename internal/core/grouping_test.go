package core_test

import (
	"strings"
	"testing"
	"time"

	"payment-engine/internal/core"

	"github.com/shopspring/decimal"
)

func mkLine(id, partnerID int, amount string, communication string) core.PaymentLine {
	return core.PaymentLine{
		ID:            id,
		PartnerID:     partnerID,
		PartnerName:   "Partner",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "EUR",
		Communication: communication,
	}
}

func TestGroupPaymentLines_MergesByKey(t *testing.T) {
	// Three instructions to the same partner, same (nil) date and mandate:
	// one group whose total is the exact sum.
	lines := []core.PaymentLine{
		mkLine(1, 7, "100.00", "INV1"),
		mkLine(2, 7, "50.00", "INV2"),
		mkLine(3, 7, "-25.00", "INV3"),
	}

	groups, err := core.GroupPaymentLines(lines, true)
	if err != nil {
		t.Fatalf("GroupPaymentLines failed: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	g := groups[0]
	if got := g.Total.StringFixed(2); got != "125.00" {
		t.Errorf("expected total 125.00, got %s", got)
	}
	if len(g.Members) != 3 {
		t.Errorf("expected 3 members, got %d", len(g.Members))
	}
	if g.Communication != "INV1-INV2-INV3" {
		t.Errorf("expected joined communication, got %q", g.Communication)
	}
}

func TestGroupPaymentLines_ZeroTotalFails(t *testing.T) {
	lines := []core.PaymentLine{
		mkLine(1, 7, "100.00", "A"),
		mkLine(2, 7, "-100.00", "B"),
	}

	_, err := core.GroupPaymentLines(lines, true)
	if err == nil {
		t.Fatal("expected error for zero group total, got nil")
	}
	if !strings.Contains(err.Error(), "negative or null") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGroupPaymentLines_NegativeSingletonFails(t *testing.T) {
	lines := []core.PaymentLine{mkLine(1, 7, "-10.00", "A")}

	_, err := core.GroupPaymentLines(lines, false)
	if err == nil {
		t.Fatal("expected error for negative singleton, got nil")
	}
}

func TestGroupPaymentLines_DisabledMakesSingletons(t *testing.T) {
	// Identical lines, grouping off: one bank line per instruction.
	lines := []core.PaymentLine{
		mkLine(1, 7, "10.00", "A"),
		mkLine(2, 7, "10.00", "B"),
		mkLine(3, 7, "10.00", "C"),
	}

	groups, err := core.GroupPaymentLines(lines, false)
	if err != nil {
		t.Fatalf("GroupPaymentLines failed: %v", err)
	}
	if len(groups) != len(lines) {
		t.Fatalf("expected %d singleton groups, got %d", len(lines), len(groups))
	}
	for i, g := range groups {
		if len(g.Members) != 1 || g.Members[0].ID != lines[i].ID {
			t.Errorf("group %d is not the singleton of line %d", i, lines[i].ID)
		}
	}
}

func TestGroupPaymentLines_KeySeparatesPartnersDatesAndMandates(t *testing.T) {
	d1 := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	m1 := 11

	l1 := mkLine(1, 7, "10.00", "A")
	l1.Date = &d1
	l2 := mkLine(2, 7, "10.00", "B")
	l2.Date = &d2 // different date
	l3 := mkLine(3, 8, "10.00", "C")
	l3.Date = &d1 // different partner
	l4 := mkLine(4, 7, "10.00", "D")
	l4.Date = &d1
	l4.MandateID = &m1 // different mandate
	l5 := mkLine(5, 7, "10.00", "E")
	l5.Date = &d1 // merges with l1

	groups, err := core.GroupPaymentLines([]core.PaymentLine{l1, l2, l3, l4, l5}, true)
	if err != nil {
		t.Fatalf("GroupPaymentLines failed: %v", err)
	}
	if len(groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(groups))
	}
	if got := groups[0].Total.StringFixed(2); got != "20.00" {
		t.Errorf("expected first group total 20.00, got %s", got)
	}
}

func TestGroupPaymentLines_MembershipIndependentOfInputOrder(t *testing.T) {
	a := mkLine(1, 7, "60.00", "A")
	b := mkLine(2, 8, "40.00", "B")
	c := mkLine(3, 7, "15.00", "C")

	forward, err := core.GroupPaymentLines([]core.PaymentLine{a, b, c}, true)
	if err != nil {
		t.Fatalf("GroupPaymentLines failed: %v", err)
	}
	reversed, err := core.GroupPaymentLines([]core.PaymentLine{c, b, a}, true)
	if err != nil {
		t.Fatalf("GroupPaymentLines failed: %v", err)
	}

	totals := func(groups []core.LineGroup) map[core.GroupKey]string {
		m := make(map[core.GroupKey]string)
		for _, g := range groups {
			m[g.Key] = g.Total.StringFixed(2)
		}
		return m
	}
	fwd, rev := totals(forward), totals(reversed)
	if len(fwd) != len(rev) {
		t.Fatalf("group counts differ: %d vs %d", len(fwd), len(rev))
	}
	for k, v := range fwd {
		if rev[k] != v {
			t.Errorf("group %s: total %s forward vs %s reversed", k, v, rev[k])
		}
	}
}
