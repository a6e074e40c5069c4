package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		label string
		want  Role
	}{
		{"Gestor", RoleManager},
		{"GESTOR", RoleManager},
		{" gestor ", RoleManager},
		{"Supervisor", RoleSupervisor},
		{"supervisor", RoleSupervisor},
		{"Agente", RoleAgent},
		{"", RoleAgent},
		{"manager", RoleAgent},
	}
	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeRole(tt.label))
		})
	}
}

func TestNormalizeFeedback(t *testing.T) {
	var raw RawFeedback
	payload := `{"id": 77, "user_id": 1042, "company_id": "9", "name": "Ana",
		"company_name": "ACME", "score": "9", "reason": "", "created_at": "2024-03-14T10:30:00.000000Z", "role": "Gestor"}`
	require.NoError(t, json.Unmarshal([]byte(payload), &raw))

	rec, err := NormalizeFeedback(raw)
	require.NoError(t, err)

	want := time.Date(2024, 3, 14, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "1042", rec.UserID)
	assert.Equal(t, "9", rec.CompanyID)
	assert.Equal(t, "Ana", rec.UserName)
	assert.Equal(t, "ACME", rec.CompanyName)
	assert.Equal(t, 9, rec.Score)
	assert.Equal(t, "", rec.Reason)
	assert.True(t, want.Equal(rec.CreatedAt))
	assert.Equal(t, RoleManager, rec.Role)
	assert.Equal(t, RemoteUID("1042", want), rec.UID)
}

func TestNormalizeFeedbackUIDIsStable(t *testing.T) {
	raw := RawFeedback{UserID: "5", Score: "10", CreatedAt: "2024-01-02 08:00:00"}

	a, err := NormalizeFeedback(raw)
	require.NoError(t, err)
	b, err := NormalizeFeedback(raw)
	require.NoError(t, err)

	assert.Equal(t, a.UID, b.UID)
}

func TestNormalizeFeedbackRejectsMalformedRows(t *testing.T) {
	tests := []struct {
		name string
		raw  RawFeedback
	}{
		{"missing user", RawFeedback{Score: "7", CreatedAt: "2024-01-02"}},
		{"missing created_at", RawFeedback{UserID: "1", Score: "7"}},
		{"bad created_at", RawFeedback{UserID: "1", Score: "7", CreatedAt: "yesterday"}},
		{"missing score", RawFeedback{UserID: "1", CreatedAt: "2024-01-02"}},
		{"fractional score", RawFeedback{UserID: "1", Score: "7.5", CreatedAt: "2024-01-02"}},
		{"score above range", RawFeedback{UserID: "1", Score: "11", CreatedAt: "2024-01-02"}},
		{"negative score", RawFeedback{UserID: "1", Score: "-1", CreatedAt: "2024-01-02"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NormalizeFeedback(tt.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedFeedback))
		})
	}
}

func TestFlexStringAcceptsNullAndNumbers(t *testing.T) {
	var raw RawFeedback
	require.NoError(t, json.Unmarshal([]byte(`{"user_id": null, "score": 8, "company_id": 12}`), &raw))
	assert.Equal(t, FlexString(""), raw.UserID)
	assert.Equal(t, FlexString("8"), raw.Score)
	assert.Equal(t, FlexString("12"), raw.CompanyID)

	assert.Error(t, json.Unmarshal([]byte(`{"score": {"value": 8}}`), &raw))
}

func TestFilterCriteriaValidate(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	assert.NoError(t, DefaultFilterCriteria().Validate())
	assert.NoError(t, FilterCriteria{Period: PeriodCustom, CustomStart: &start, CustomEnd: &end}.Validate())

	assert.Error(t, FilterCriteria{Period: "decade"}.Validate())
	assert.Error(t, FilterCriteria{Period: PeriodAll, Roles: []Role{"ceo"}}.Validate())
	assert.Error(t, FilterCriteria{Period: PeriodAll, Scores: []int{12}}.Validate())
	assert.Error(t, FilterCriteria{Period: PeriodCustom, CustomStart: &start}.Validate())
	assert.Error(t, FilterCriteria{Period: PeriodCustom, CustomStart: &end, CustomEnd: &start}.Validate())
}

func TestFilterCriteriaCloneIsDeep(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	orig := FilterCriteria{Period: PeriodCustom, Roles: []Role{RoleAgent}, Scores: []int{9}, CustomStart: &start, CustomEnd: &start}

	clone := orig.Clone()
	clone.Roles[0] = RoleManager
	clone.Scores[0] = 1
	*clone.CustomStart = start.AddDate(1, 0, 0)

	assert.Equal(t, RoleAgent, orig.Roles[0])
	assert.Equal(t, 9, orig.Scores[0])
	assert.True(t, orig.CustomStart.Equal(start))
}
