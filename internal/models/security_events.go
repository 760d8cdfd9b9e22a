package models

import "time"

// SecurityEvent is the audit row recorded for every authentication
// outcome. It is batch-inserted into ClickHouse and indexed in
// Elasticsearch for search.
type SecurityEvent struct {
	EventBucket int       `db:"event_bucket" json:"event_bucket"`
	EventID     string    `db:"event_id" json:"event_id"`
	UserID      string    `db:"user_id" json:"user_id"`
	EventDate   string    `db:"event_date" json:"event_date"`
	EventTime   time.Time `db:"event_time" json:"event_time"`
	EventType   string    `db:"event_type" json:"event_type"`
	DeviceName  string    `db:"device_name" json:"device_name"`
	IPAddress   string    `db:"ip_address" json:"ip_address"`
	Details     string    `db:"details" json:"details"`
}
