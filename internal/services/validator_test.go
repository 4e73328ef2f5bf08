package services

import (
	"encoding/json"
	"errors"
	"testing"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return v
}

func TestValidator_Event(t *testing.T) {
	v := newTestValidator(t)

	valid := json.RawMessage(`{"id":"evt_1","type":"checkout.completed","created":1767225600,"data":{"object":{}}}`)
	if err := v.Validate(SchemaEvent, valid); err != nil {
		t.Fatalf("expected valid envelope, got: %v", err)
	}

	cases := []struct {
		name string
		doc  string
	}{
		{"missing id", `{"type":"checkout.completed","data":{"object":{}}}`},
		{"empty id", `{"id":"","type":"checkout.completed","data":{"object":{}}}`},
		{"missing object", `{"id":"evt_1","type":"checkout.completed","data":{}}`},
		{"not json", `{"id":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.Validate(SchemaEvent, json.RawMessage(tc.doc))
			if !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got: %v", err)
			}
		})
	}
}

func TestValidator_EventObjects(t *testing.T) {
	v := newTestValidator(t)

	ok := map[string]string{
		EventCheckoutCompleted: `{"id":"cs_1","payment_intent":"pi_1","metadata":{"purchase_id":"0b9f7c1e-3a52-4c3e-9d1a-6f0f6b7e2a11"}}`,
		EventPaymentFailed:     `{"id":"pi_1","last_payment_error":{"message":"declined"},"metadata":{"purchase_id":"0b9f7c1e-3a52-4c3e-9d1a-6f0f6b7e2a11"}}`,
		EventAccountUpdated:    `{"id":"acct_1","payouts_enabled":true,"charges_enabled":false}`,
	}
	for kind, doc := range ok {
		if !v.Has(kind) {
			t.Fatalf("missing schema for %s", kind)
		}
		if err := v.Validate(kind, json.RawMessage(doc)); err != nil {
			t.Errorf("%s: unexpected error: %v", kind, err)
		}
	}

	bad := map[string]string{
		EventCheckoutCompleted: `{"id":"cs_1","payment_intent":"pi_1","metadata":{"purchase_id":"not-a-uuid"}}`,
		EventAccountUpdated:    `{"id":"cus_1","payouts_enabled":true,"charges_enabled":false}`,
	}
	for kind, doc := range bad {
		if err := v.Validate(kind, json.RawMessage(doc)); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", kind, err)
		}
	}
}

func TestValidator_ScanReport(t *testing.T) {
	v := newTestValidator(t)
	if err := v.Validate(SchemaScanReport, json.RawMessage(`{"listing_id":"0b9f7c1e-3a52-4c3e-9d1a-6f0f6b7e2a11","detections":0,"total_engines":60,"hash":"abc"}`)); err != nil {
		t.Fatalf("valid report rejected: %v", err)
	}
	if err := v.Validate(SchemaScanReport, json.RawMessage(`{"listing_id":"0b9f7c1e-3a52-4c3e-9d1a-6f0f6b7e2a11","detections":-1}`)); !errors.Is(err, ErrValidation) {
		t.Errorf("negative detections: expected ErrValidation, got %v", err)
	}
	if err := v.Validate(SchemaScanReport, json.RawMessage(`{"listing_id":"0b9f7c1e-3a52-4c3e-9d1a-6f0f6b7e2a11","extra":1}`)); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown field: expected ErrValidation, got %v", err)
	}
}

func TestValidator_UnknownSchema(t *testing.T) {
	v := newTestValidator(t)
	if err := v.Validate("nope", json.RawMessage(`{}`)); err == nil || errors.Is(err, ErrValidation) {
		t.Errorf("unknown schema should be a plain error, got %v", err)
	}
}
