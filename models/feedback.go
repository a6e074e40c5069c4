package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Role is the normalized position of the person who was rated.
type Role string

const (
	RoleAgent      Role = "agent"
	RoleManager    Role = "manager"
	RoleSupervisor Role = "supervisor"
)

// AllRoles lists every role in display order.
var AllRoles = []Role{RoleAgent, RoleManager, RoleSupervisor}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleManager, RoleSupervisor:
		return true
	}
	return false
}

// NormalizeRole maps an upstream role label onto a Role.
// "gestor" is the platform's label for managers.
func NormalizeRole(label string) Role {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "gestor":
		return RoleManager
	case "supervisor":
		return RoleSupervisor
	default:
		return RoleAgent
	}
}

const (
	MinScore = 0
	MaxScore = 10
)

// ErrMalformedFeedback marks an upstream row that cannot become a FeedbackRecord.
var ErrMalformedFeedback = errors.New("malformed feedback row")

// FeedbackRecord is one NPS survey response. Records are never mutated after creation.
type FeedbackRecord struct {
	UID         string    `json:"uid"`
	UserID      string    `json:"user_id"`
	CompanyID   string    `json:"company_id"`
	UserName    string    `json:"user_name"`
	CompanyName string    `json:"company_name"`
	Score       int       `json:"score"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	Role        Role      `json:"role"`
}

// IsPromoter reports a score of 9 or 10.
func (f FeedbackRecord) IsPromoter() bool { return f.Score >= 9 }

// IsDetractor reports a score of 6 or lower.
func (f FeedbackRecord) IsDetractor() bool { return f.Score <= 6 }

// RemoteUID derives the identity of a record coming from the upstream API.
// It is built from the user id and the creation instant so the same row
// fetched by two overlapping windows collapses into one record.
func RemoteUID(userID string, createdAt time.Time) string {
	return userID + "@" + createdAt.UTC().Format(time.RFC3339Nano)
}

// RawFeedback is a row as returned by GET /nps. Identifiers and scores arrive
// either as JSON numbers or strings depending on the endpoint version.
type RawFeedback struct {
	ID          FlexString `json:"id"`
	UserID      FlexString `json:"user_id"`
	CompanyID   FlexString `json:"company_id"`
	UserName    string     `json:"user_name"`
	Name        string     `json:"name"`
	CompanyName string     `json:"company_name"`
	Score       FlexString `json:"score"`
	Reason      string     `json:"reason"`
	CreatedAt   string     `json:"created_at"`
	Role        string     `json:"role"`
}

var createdAtLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseCreatedAt parses the timestamp formats the upstream API is known to emit.
func ParseCreatedAt(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range createdAtLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// NormalizeFeedback converts an upstream row into a FeedbackRecord.
// user_id, created_at and an integer score within 0..10 are required;
// everything else defaults to the empty string.
func NormalizeFeedback(raw RawFeedback) (FeedbackRecord, error) {
	userID := strings.TrimSpace(string(raw.UserID))
	if userID == "" {
		return FeedbackRecord{}, fmt.Errorf("%w: missing user_id", ErrMalformedFeedback)
	}

	createdAt, err := ParseCreatedAt(raw.CreatedAt)
	if err != nil {
		return FeedbackRecord{}, fmt.Errorf("%w: %v", ErrMalformedFeedback, err)
	}

	score, err := coerceScore(string(raw.Score))
	if err != nil {
		return FeedbackRecord{}, fmt.Errorf("%w: %v", ErrMalformedFeedback, err)
	}

	userName := raw.UserName
	if userName == "" {
		userName = raw.Name
	}

	return FeedbackRecord{
		UID:         RemoteUID(userID, createdAt),
		UserID:      userID,
		CompanyID:   strings.TrimSpace(string(raw.CompanyID)),
		UserName:    userName,
		CompanyName: raw.CompanyName,
		Score:       score,
		Reason:      raw.Reason,
		CreatedAt:   createdAt,
		Role:        NormalizeRole(raw.Role),
	}, nil
}

func coerceScore(value string) (int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, fmt.Errorf("missing score")
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("score %q is not a number", value)
	}
	score := int(f)
	if float64(score) != f {
		return 0, fmt.Errorf("score %q is not an integer", value)
	}
	if score < MinScore || score > MaxScore {
		return 0, fmt.Errorf("score %d out of range", score)
	}
	return score, nil
}

// FlexString accepts a JSON string, number or null.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("expected string or number, got %s", string(data))
	}
	*s = FlexString(num.String())
	return nil
}
