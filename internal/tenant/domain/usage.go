package domain

import (
	"strings"
	"time"
)

const (
	OperationAPICall         = "api_call"
	OperationConcurrentUsers = "concurrent_users"
)

// Bucket is the hour a quota counter belongs to, in UTC.
type Bucket struct {
	Date string
	Hour int
}

func BucketAt(t time.Time) Bucket {
	t = t.UTC()
	return Bucket{Date: t.Format(time.DateOnly), Hour: t.Hour()}
}

// ResetTime is the start of the next wall-clock hour.
func ResetTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

// FeatureOperation names the counter that tracks one feature action.
func FeatureOperation(feature, action string) string {
	return "feature:" + strings.ToLower(feature) + ":" + strings.ToLower(action)
}

// UsageIncrement asks for Amount more units in a bucket. Limit < 0 is
// unlimited; otherwise the increment only happens when the counter stays
// within Limit.
type UsageIncrement struct {
	TenantID  string
	Operation string
	Bucket    Bucket
	Amount    int64
	Limit     int64
	At        time.Time
}

type DailyStat struct {
	Date          string `json:"stat_date"`
	TotalAPICalls int64  `json:"total_api_calls"`
	PeakUsers     int64  `json:"peak_users"`
}
