package crm

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("invalid decimal %q: %v", value, err)
	}
	return parsed
}

func TestComputeTotalsSumsLineItems(t *testing.T) {
	items := []LineItem{
		{Description: "labor", Quantity: mustDecimal(t, "2"), UnitPrice: mustDecimal(t, "75.50")},
		{Description: "parts", Quantity: mustDecimal(t, "3"), UnitPrice: mustDecimal(t, "12.25")},
	}

	totals, err := ComputeTotals(items, mustDecimal(t, "0.08"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !totals.Subtotal.Equal(mustDecimal(t, "187.75")) {
		t.Fatalf("unexpected subtotal %s", totals.Subtotal)
	}
	if !totals.Tax.Equal(mustDecimal(t, "15.02")) {
		t.Fatalf("unexpected tax %s", totals.Tax)
	}
	if !totals.Total.Equal(mustDecimal(t, "202.77")) {
		t.Fatalf("unexpected total %s", totals.Total)
	}
}

func TestComputeTotalsWithNoItemsIsZero(t *testing.T) {
	totals, err := ComputeTotals(nil, decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !totals.Total.IsZero() {
		t.Fatalf("expected zero total, got %s", totals.Total)
	}
}

func TestComputeTotalsRejectsNegativeQuantity(t *testing.T) {
	items := []LineItem{{Quantity: mustDecimal(t, "-1"), UnitPrice: mustDecimal(t, "10")}}
	if _, err := ComputeTotals(items, decimal.Zero); !errors.Is(err, ErrNegativeQuantity) {
		t.Fatalf("expected ErrNegativeQuantity, got %v", err)
	}
}

func TestComputeTotalsRejectsNegativeTaxRate(t *testing.T) {
	if _, err := ComputeTotals(nil, mustDecimal(t, "-0.05")); !errors.Is(err, ErrNegativeTaxRate) {
		t.Fatalf("expected ErrNegativeTaxRate, got %v", err)
	}
}

func TestNormalizeTotalsCorrectsDriftedInvoice(t *testing.T) {
	payload := json.RawMessage(`{"customer_id":"c-1","status":"sent","line_items":[{"description":"labor","quantity":"2","unit_price":"50"}],"tax_rate":"0.1","subtotal":"1","total_amount":"2"}`)

	normalized, err := NormalizeTotals(CollectionInvoices, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var invoice Invoice
	if err := json.Unmarshal(normalized, &invoice); err != nil {
		t.Fatalf("failed to decode normalized payload: %v", err)
	}
	if !invoice.Subtotal.Equal(mustDecimal(t, "100")) {
		t.Fatalf("expected corrected subtotal 100, got %s", invoice.Subtotal)
	}
	if !invoice.TotalAmount.Equal(mustDecimal(t, "110")) {
		t.Fatalf("expected corrected total 110, got %s", invoice.TotalAmount)
	}

	if err := DecodePayload(CollectionInvoices, normalized); err != nil {
		t.Fatalf("normalized payload failed validation: %v", err)
	}
}

func TestNormalizeTotalsPassesThroughOtherCollections(t *testing.T) {
	payload := json.RawMessage(`{"name":"Alpha Corp","status":"active"}`)
	normalized, err := NormalizeTotals(CollectionCustomers, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(normalized) != string(payload) {
		t.Fatalf("expected passthrough, got %s", normalized)
	}
}
