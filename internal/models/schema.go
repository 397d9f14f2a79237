package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Table names of the sync-enabled business tables.
const (
	TablePatients = "patients"
	TableVisits   = "visits"
	TablePayments = "payments"
)

// SyncTables lists every sync-enabled table, in the order used for snapshot
// export.
func SyncTables() []string {
	return []string{TablePatients, TablePayments, TableVisits}
}

// Patient is the typed schema for the patients table.
type Patient struct {
	FullName  string `json:"full_name"`
	BirthDate string `json:"birth_date,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

func (p *Patient) Validate() error {
	if p.FullName == "" {
		return fmt.Errorf("patient: full_name is required")
	}
	return nil
}

// Visit is the typed schema for the visits table.
type Visit struct {
	PatientID string `json:"patient_id"`
	VisitedAt int64  `json:"visited_at"` // unix milliseconds
	Diagnosis string `json:"diagnosis,omitempty"`
	Treatment string `json:"treatment,omitempty"`
}

func (v *Visit) Validate() error {
	if v.PatientID == "" {
		return fmt.Errorf("visit: patient_id is required")
	}
	if v.VisitedAt <= 0 {
		return fmt.Errorf("visit: visited_at is required")
	}
	return nil
}

// Payment is the typed schema for the payments table.
type Payment struct {
	PatientID   string `json:"patient_id"`
	VisitID     string `json:"visit_id,omitempty"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	PaidAt      int64  `json:"paid_at"` // unix milliseconds
}

func (p *Payment) Validate() error {
	if p.PatientID == "" {
		return fmt.Errorf("payment: patient_id is required")
	}
	if p.AmountCents < 0 {
		return fmt.Errorf("payment: amount_cents must not be negative")
	}
	if p.Currency == "" {
		return fmt.Errorf("payment: currency is required")
	}
	return nil
}

type validator interface{ Validate() error }

// payloadValidators maps each table to a decoder for its typed schema.
// Unknown fields are rejected so schema drift surfaces at the storage
// boundary instead of silently round-tripping.
var payloadValidators = map[string]func() validator{
	TablePatients: func() validator { return &Patient{} },
	TableVisits:   func() validator { return &Visit{} },
	TablePayments: func() validator { return &Payment{} },
}

// KnownTable reports whether name is a sync-enabled table.
func KnownTable(name string) bool {
	_, ok := payloadValidators[name]
	return ok
}

// ValidatePayload decodes payload against the typed schema for table and runs
// its validation rules.
func ValidatePayload(table string, payload json.RawMessage) error {
	newV, ok := payloadValidators[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	v := newV()
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("table %s: malformed payload: %w", table, err)
	}
	return v.Validate()
}

// MarshalPayload serializes a typed schema value into a record payload.
func MarshalPayload(v validator) (json.RawMessage, error) {
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
