package crm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodePayloadAcceptsValidCustomer(t *testing.T) {
	payload := json.RawMessage(`{"name":"Alpha Corp","email":"ops@alpha.example","status":"active"}`)
	if err := DecodePayload(CollectionCustomers, payload); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	payload := json.RawMessage(`{"name":"Alpha Corp","status":"active","favorite_color":"teal"}`)
	err := DecodePayload(CollectionCustomers, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for unknown field, got %v", err)
	}
}

func TestDecodePayloadRejectsMissingRequiredField(t *testing.T) {
	payload := json.RawMessage(`{"status":"active"}`)
	err := DecodePayload(CollectionCustomers, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for missing name, got %v", err)
	}
}

func TestDecodePayloadRejectsUnknownStatus(t *testing.T) {
	payload := json.RawMessage(`{"name":"Alpha Corp","status":"hibernating"}`)
	err := DecodePayload(CollectionCustomers, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for unknown status, got %v", err)
	}
}

func TestDecodePayloadRejectsUnknownCollection(t *testing.T) {
	err := DecodePayload(Collection("unicorns"), json.RawMessage(`{}`))
	if !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}

func TestDecodePayloadRejectsEmptyPayload(t *testing.T) {
	err := DecodePayload(CollectionCustomers, json.RawMessage(`  `))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for empty payload, got %v", err)
	}
}

func TestDecodePayloadRejectsInvoiceTotalsMismatch(t *testing.T) {
	payload := json.RawMessage(`{"customer_id":"c-1","status":"sent","line_items":[{"description":"labor","quantity":"2","unit_price":"50"}],"tax_rate":"0","subtotal":"100","total_amount":"999"}`)
	err := DecodePayload(CollectionInvoices, payload)
	if !errors.Is(err, ErrTotalsMismatch) {
		t.Fatalf("expected ErrTotalsMismatch, got %v", err)
	}
}

func TestDecodePayloadAcceptsConsistentInvoice(t *testing.T) {
	payload := json.RawMessage(`{"customer_id":"c-1","status":"sent","line_items":[{"description":"labor","quantity":"2","unit_price":"50"}],"tax_rate":"0.1","subtotal":"100","total_amount":"110"}`)
	if err := DecodePayload(CollectionInvoices, payload); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestDecodePayloadRejectsNegativeLeadValue(t *testing.T) {
	payload := json.RawMessage(`{"name":"Beta","status":"new","estimated_value":"-50"}`)
	err := DecodePayload(CollectionLeads, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for negative value, got %v", err)
	}
}

func TestDecodePayloadRejectsOutOfRangeReviewRating(t *testing.T) {
	payload := json.RawMessage(`{"customer_id":"c-1","rating":6}`)
	err := DecodePayload(CollectionReviews, payload)
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload for rating 6, got %v", err)
	}
}

func TestEveryRegisteredCollectionParses(t *testing.T) {
	for _, collection := range Collections() {
		parsed, err := ParseCollection(collection.String())
		if err != nil {
			t.Fatalf("registered collection %s failed to parse: %v", collection, err)
		}
		if parsed != collection {
			t.Fatalf("expected %s, got %s", collection, parsed)
		}
	}
}

func TestParseCollectionRejectsUnknownName(t *testing.T) {
	if _, err := ParseCollection("unicorns"); !errors.Is(err, ErrUnknownCollection) {
		t.Fatalf("expected ErrUnknownCollection, got %v", err)
	}
}
