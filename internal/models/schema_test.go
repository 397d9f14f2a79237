package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		table   string
		payload string
		wantErr bool
	}{
		{"valid patient", TablePatients, `{"full_name":"Jane Roe","phone":"555-0100"}`, false},
		{"patient missing name", TablePatients, `{"phone":"555-0100"}`, true},
		{"patient unknown field", TablePatients, `{"full_name":"Jane","ssn":"x"}`, true},
		{"valid visit", TableVisits, `{"patient_id":"p1","visited_at":1700000000000}`, false},
		{"visit without patient", TableVisits, `{"visited_at":1700000000000}`, true},
		{"visit without time", TableVisits, `{"patient_id":"p1"}`, true},
		{"valid payment", TablePayments, `{"patient_id":"p1","amount_cents":2500,"currency":"EUR","paid_at":1700000000000}`, false},
		{"negative payment", TablePayments, `{"patient_id":"p1","amount_cents":-1,"currency":"EUR"}`, true},
		{"unknown table", "invoices", `{}`, true},
		{"not json", TablePatients, `{{`, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.table, json.RawMessage(tc.payload))
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarshalPayload_RoundTrip(t *testing.T) {
	p := &Patient{FullName: "John Doe", BirthDate: "1980-02-29"}
	raw, err := MarshalPayload(p)
	require.NoError(t, err)
	require.NoError(t, ValidatePayload(TablePatients, raw))

	var back Patient
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *p, back)
}

func TestMarshalPayload_RejectsInvalid(t *testing.T) {
	_, err := MarshalPayload(&Payment{PatientID: "p1", AmountCents: 10})
	assert.Error(t, err) // currency missing
}

func TestRecord_Clone_IsDeep(t *testing.T) {
	r := &Record{ID: "r1", Table: TablePatients, Payload: json.RawMessage(`{"full_name":"A"}`)}
	c := r.Clone()
	c.Payload[2] = 'X'
	assert.Equal(t, byte('f'), r.Payload[2])
}

func TestSyncTables_AllKnown(t *testing.T) {
	for _, table := range SyncTables() {
		assert.True(t, KnownTable(table), table)
	}
	assert.False(t, KnownTable("metadata"))
}
