package crm

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeQuantity indicates a line item quantity below zero.
	ErrNegativeQuantity = errors.New("crm: line item quantity must not be negative")
	// ErrNegativeUnitPrice indicates a line item unit price below zero.
	ErrNegativeUnitPrice = errors.New("crm: line item unit price must not be negative")
	// ErrNegativeTaxRate indicates a tax rate below zero.
	ErrNegativeTaxRate = errors.New("crm: tax rate must not be negative")
)

// LineItem is one billable row on an estimate or invoice. Quantities and
// prices are decimal strings on the wire so no float rounding leaks in.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Subtotal returns quantity multiplied by unit price.
func (li LineItem) Subtotal() decimal.Decimal {
	return li.Quantity.Mul(li.UnitPrice)
}

func (li LineItem) validate(index int) error {
	if li.Quantity.IsNegative() {
		return fmt.Errorf("%w: line %d", ErrNegativeQuantity, index)
	}
	if li.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: line %d", ErrNegativeUnitPrice, index)
	}
	return nil
}

// Totals is the computed money summary for a document with line items.
type Totals struct {
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
	Total    decimal.Decimal `json:"total"`
}

// NormalizeTotals recomputes the stored totals of estimate and invoice
// payloads from their line items, returning the corrected payload. The server
// runs this before validation so an optimistic client total that drifted from
// the line items is overwritten by the authoritative value instead of
// rejected. Payloads of other collections pass through untouched.
func NormalizeTotals(collection Collection, payload json.RawMessage) (json.RawMessage, error) {
	switch collection {
	case CollectionEstimates:
		var estimate Estimate
		if err := strictDecode(payload, &estimate); err != nil {
			return nil, err
		}
		totals, err := ComputeTotals(estimate.LineItems, estimate.TaxRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		estimate.Subtotal = totals.Subtotal
		estimate.Total = totals.Total
		normalized, err := json.Marshal(estimate)
		if err != nil {
			return nil, err
		}
		return normalized, nil
	case CollectionInvoices:
		var invoice Invoice
		if err := strictDecode(payload, &invoice); err != nil {
			return nil, err
		}
		totals, err := ComputeTotals(invoice.LineItems, invoice.TaxRate)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		invoice.Subtotal = totals.Subtotal
		invoice.TotalAmount = totals.Total
		normalized, err := json.Marshal(invoice)
		if err != nil {
			return nil, err
		}
		return normalized, nil
	default:
		return payload, nil
	}
}

// ComputeTotals derives subtotal, tax and total from line items and a tax
// rate expressed as a fraction (0.08 for 8%). The optimistic client path and
// the authoritative server path both call this; when they disagree the server
// value wins.
func ComputeTotals(items []LineItem, taxRate decimal.Decimal) (Totals, error) {
	if taxRate.IsNegative() {
		return Totals{}, ErrNegativeTaxRate
	}
	subtotal := decimal.Zero
	for index, item := range items {
		if err := item.validate(index); err != nil {
			return Totals{}, err
		}
		subtotal = subtotal.Add(item.Subtotal())
	}
	tax := subtotal.Mul(taxRate).Round(2)
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal.Add(tax),
	}, nil
}
