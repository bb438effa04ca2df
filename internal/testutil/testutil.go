// Package testutil provides common test utilities and helpers for the
// assessment engine tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/OutcomeKit/OutcomePipe/internal/models"
	"github.com/OutcomeKit/OutcomePipe/internal/store"
)

// FixedClock returns a clock function pinned to the given time so schedule
// and reminder tests are deterministic.
func FixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

// AssertHTTPStatus fails the test when the recorded status code differs
// from the expected one.
func AssertHTTPStatus(t *testing.T, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: status = %d, want %d", context, actual, expected)
	}
}

// AssertJSONResponse decodes the recorded body as a response envelope,
// checks its status field, and returns the decoded map for further checks.
func AssertJSONResponse(t *testing.T, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var envelope map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&envelope); err != nil {
		t.Fatalf("response body is not valid JSON: %v", err)
	}
	status, _ := envelope["status"].(string)
	if status != expectedStatus {
		t.Errorf("envelope status = %q, want %q", status, expectedStatus)
	}
	return envelope
}

// CreateHTTPRequest builds a request for handler tests, JSON-encoding the
// body when one is given.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	payload := []byte(nil)
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("cannot marshal request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("cannot build %s %s request: %v", method, url, err)
	}
	return req
}

// SeedActiveParticipant stores an enrolled active participant and returns it.
func SeedActiveParticipant(t *testing.T, st store.Store, id, studyID string, enrolledAt time.Time) models.Participant {
	t.Helper()
	p := models.Participant{
		ID:         id,
		StudyID:    studyID,
		FirstName:  "Jamie",
		LastName:   "Rivera",
		Phone:      "+15550100",
		Email:      "jamie@example.org",
		Status:     models.ParticipantStatusActive,
		EnrolledAt: &enrolledAt,
		CreatedAt:  enrolledAt,
		UpdatedAt:  enrolledAt,
	}
	if err := st.SaveParticipant(p); err != nil {
		t.Fatalf("failed to seed participant: %v", err)
	}
	return p
}

// AssertAlertCount validates the number of alerts stored for a participant.
func AssertAlertCount(t *testing.T, st store.Store, participantID string, expected int, context string) {
	t.Helper()
	alerts, err := st.GetAlerts(participantID)
	if err != nil {
		t.Fatalf("%s: failed to get alerts: %v", context, err)
	}
	if len(alerts) != expected {
		t.Errorf("%s: expected %d alerts, got %d", context, expected, len(alerts))
	}
}
