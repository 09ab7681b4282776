package core

import (
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// GroupKey identifies one bank payment line group. Payment lines sharing a
// key are merged into a single transmittable line.
type GroupKey string

// LineGroup is one group of payment lines to be materialized as a bank
// payment line: the member instructions, their exact sum, and the
// concatenated communication label.
type LineGroup struct {
	Key           GroupKey
	Members       []PaymentLine
	Total         decimal.Decimal
	Communication string
}

// MemberIDs returns the member payment line ids in encounter order.
func (g LineGroup) MemberIDs() []int {
	ids := make([]int, len(g.Members))
	for i, l := range g.Members {
		ids[i] = l.ID
	}
	return ids
}

// paymentLineHashcode is the domain hash under which payment lines may be
// merged: same partner, same scheduled date, same mandate, same currency.
func paymentLineHashcode(l PaymentLine) GroupKey {
	date := ""
	if l.Date != nil {
		date = l.Date.Format("2006-01-02")
	}
	mandate := ""
	if l.MandateID != nil {
		mandate = strconv.Itoa(*l.MandateID)
	}
	return GroupKey(fmt.Sprintf("%d|%s|%s|%s", l.PartnerID, date, mandate, l.Currency))
}

// GroupPaymentLines aggregates an order's payment lines into bank payment
// line groups. With grouping enabled, lines sharing a hashcode are merged and
// their amounts summed; otherwise every line forms its own singleton group.
// Groups come out in encounter order of their first member, so the result is
// deterministic for a given input order while the membership itself only
// depends on the keys.
//
// A group whose total is zero or negative fails the whole operation: nothing
// may be persisted for the order in that case.
func GroupPaymentLines(lines []PaymentLine, groupLines bool) ([]LineGroup, error) {
	byKey := make(map[GroupKey]int, len(lines))
	var groups []LineGroup
	for _, line := range lines {
		var key GroupKey
		if groupLines {
			key = paymentLineHashcode(line)
		} else {
			// Line id as key means no merging ever happens.
			key = GroupKey(strconv.Itoa(line.ID))
		}
		if idx, ok := byKey[key]; ok {
			g := &groups[idx]
			g.Members = append(g.Members, line)
			g.Total = g.Total.Add(line.Amount)
			if line.Communication != "" {
				if g.Communication != "" {
					g.Communication += "-"
				}
				g.Communication += line.Communication
			}
			continue
		}
		byKey[key] = len(groups)
		groups = append(groups, LineGroup{
			Key:           key,
			Members:       []PaymentLine{line},
			Total:         line.Amount,
			Communication: line.Communication,
		})
	}

	for _, g := range groups {
		if g.Total.LessThanOrEqual(decimal.Zero) {
			first := g.Members[0]
			name := first.PartnerName
			if name == "" {
				name = strconv.Itoa(first.PartnerID)
			}
			return nil, fmt.Errorf(
				"the amount for partner %q is negative or null (%s)",
				name, g.Total.StringFixed(2))
		}
	}
	return groups, nil
}
