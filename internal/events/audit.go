package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"keyauth-service/internal/bucketing"
	"keyauth-service/internal/client"
	"keyauth-service/internal/models"
	"keyauth-service/internal/util"
)

const securityEventsIndex = "security-events"

const insertSecurityEvent = `
	INSERT INTO security_events (
		event_bucket, event_id, user_id, event_date, event_time,
		event_type, device_name, ip_address, details
	)`

// AuditRecorder persists every identity event as a security-event row in
// ClickHouse and indexes it in Elasticsearch for search. Both writes run
// concurrently and both are best-effort.
type AuditRecorder struct {
	clickhouse *client.ClickHouseClient
	es         *client.ESClient
	buckets    *bucketing.Manager
}

func NewAuditRecorder(ch *client.ClickHouseClient, es *client.ESClient, buckets *bucketing.Manager) *AuditRecorder {
	return &AuditRecorder{clickhouse: ch, es: es, buckets: buckets}
}

func (r *AuditRecorder) Emit(ctx context.Context, event Event) {
	now := event.At
	if now.IsZero() {
		now = time.Now().UTC()
	}

	record := &models.SecurityEvent{
		EventBucket: r.buckets.GetEventBucket(event.Identifier),
		EventID:     uuid.New().String(),
		UserID:      event.IdentityID,
		EventDate:   r.buckets.GetDateBucket(now),
		EventTime:   now,
		EventType:   event.Type,
		DeviceName:  event.UserAgent,
		IPAddress:   event.IP,
		Details:     event.Details,
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if r.clickhouse != nil {
		g.Go(func() error {
			return r.clickhouse.BatchInsert(ctx, insertSecurityEvent, [][]interface{}{{
				record.EventBucket, record.EventID, record.UserID, record.EventDate,
				record.EventTime, record.EventType, record.DeviceName,
				record.IPAddress, record.Details,
			}})
		})
	}

	if r.es != nil {
		g.Go(func() error {
			res, err := r.es.IndexDocument(securityEventsIndex, record.EventID, record)
			if err != nil {
				return err
			}
			res.Body.Close()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		util.Warn("Failed to record security event",
			zap.String("event_type", event.Type),
			zap.String("event_id", record.EventID),
			zap.Error(err))
	}
}

const countFailedAttempts = `
	SELECT count() FROM security_events
	WHERE user_id = ? AND event_type = ? AND event_time >= ?`

// FailedAttemptsSince counts failed authentication events for an identity
// from the ClickHouse store.
func (r *AuditRecorder) FailedAttemptsSince(ctx context.Context, identityID string, since time.Time) (uint64, error) {
	if r.clickhouse == nil {
		return 0, nil
	}

	rows, err := r.clickhouse.QueryRows(ctx, countFailedAttempts, identityID, TypeAuthFailed, since)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count uint64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, err
		}
	}
	return count, rows.Err()
}

type eventSearchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.SecurityEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// RecentEvents returns the newest audit entries for an identity from the
// Elasticsearch index.
func (r *AuditRecorder) RecentEvents(identityID string, limit int) ([]models.SecurityEvent, error) {
	if r.es == nil {
		return nil, nil
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []map[string]interface{}{
			{"event_time": map[string]string{"order": "desc"}},
		},
		"query": map[string]interface{}{
			"term": map[string]interface{}{
				"user_id": identityID,
			},
		},
	}

	res, err := r.es.Search(securityEventsIndex, query)
	if err != nil {
		return nil, err
	}

	var parsed eventSearchResponse
	if err := r.es.ParseResponse(res, &parsed); err != nil {
		return nil, err
	}

	events := make([]models.SecurityEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, nil
}
