package model

import (
	"encoding/json"
	"testing"
)

func TestApplication_UnmarshalJSON_backend_record(t *testing.T) {
	raw := `{
		"id": 7,
		"applicationId": "APP-7",
		"status": "in_review",
		"currentStep": "Health Assessment",
		"customerId": 42,
		"startTime": "2026-03-01",
		"lastUpdated": null,
		"reviewReason": null,
		"agentData": {"ingest_llm": {"normalized_application": {"personal_details": {"fullName": "Asha Rao"}}}},
		"stepHistory": [{"id": 1, "name": "Customer Submission", "status": "completed"}]
	}`

	var app Application
	if err := json.Unmarshal([]byte(raw), &app); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if app.ID != 7 || app.CustomerID != "42" || app.StartTime != "2026-03-01" {
		t.Errorf("app = %+v", app)
	}
	if app.ApplicationID != "APP-7" || len(app.StepHistory) != 1 || app.AgentData == nil {
		t.Errorf("app = %+v", app)
	}
}

func TestApplication_UnmarshalJSON_loose_scalars(t *testing.T) {
	tests := []struct {
		raw          string
		wantID       int
		wantCustomer string
	}{
		{`{"id": 12, "customerId": 42}`, 12, "42"},
		{`{"id": "12", "customerId": "CUST-9"}`, 12, "CUST-9"},
		{`{"id": "APP-7", "customerId": null}`, 0, ""},
		{`{"id": 3.0}`, 3, ""},
		{`{}`, 0, ""},
	}
	for _, tt := range tests {
		var app Application
		if err := json.Unmarshal([]byte(tt.raw), &app); err != nil {
			t.Errorf("Unmarshal(%s) error = %v", tt.raw, err)
			continue
		}
		if app.ID != tt.wantID || app.CustomerID != tt.wantCustomer {
			t.Errorf("Unmarshal(%s) = id %d customer %q, want %d %q", tt.raw, app.ID, app.CustomerID, tt.wantID, tt.wantCustomer)
		}
	}
}

func TestApplication_UnmarshalJSON_rejects_object_id(t *testing.T) {
	var app Application
	if err := json.Unmarshal([]byte(`{"id": {"n": 1}}`), &app); err == nil {
		t.Error("expected error for an object id")
	}
}
