package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"

	"github.com/desco-devs/fleetsync/internal/models"
)

// Real-time specific database operations

// TouchRealtimeSession upserts the user's connection row with a fresh ping
// timestamp. One row per user; reconnects overwrite it.
func (db *DB) TouchRealtimeSession(ctx context.Context, userID uuid.UUID) error {
	sessionData := map[string]interface{}{
		"user_id":   userID.String(),
		"last_ping": time.Now(),
	}

	_, err := db.client.From("realtime_sessions").
		Upsert(sessionData, "user_id", "", "").
		ExecuteTo(nil)
	if err != nil {
		return fmt.Errorf("failed to touch realtime session: %w", err)
	}
	return nil
}

func (db *DB) RemoveRealtimeSession(ctx context.Context, userID uuid.UUID) error {
	_, err := db.client.From("realtime_sessions").
		Delete("", "").
		Eq("user_id", userID.String()).
		ExecuteTo(nil)
	if err != nil {
		return fmt.Errorf("failed to remove realtime session: %w", err)
	}
	return nil
}

// CleanupStaleSessions removes session rows whose last ping predates the
// cutoff. Run periodically; a missed disconnect leaves rows behind.
func (db *DB) CleanupStaleSessions(ctx context.Context, olderThan time.Time) error {
	_, err := db.client.From("realtime_sessions").
		Delete("", "").
		Lt("last_ping", olderThan.UTC().Format(time.RFC3339)).
		ExecuteTo(nil)
	if err != nil {
		return fmt.Errorf("failed to cleanup stale sessions: %w", err)
	}
	return nil
}

func (db *DB) LogActivity(ctx context.Context, userID uuid.UUID, action, description string) error {
	activityData := map[string]interface{}{
		"user_id":     userID.String(),
		"action":      action,
		"description": description,
	}

	_, err := db.client.From("activity_log").Insert(activityData, false, "", "", "").ExecuteTo(nil)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}
	return nil
}

// GetRecentActivities returns the newest activity rows for the feed.
func (db *DB) GetRecentActivities(ctx context.Context, limit int) ([]models.Activity, error) {
	var activities []models.Activity
	_, err := db.client.From("activity_log").
		Select("*, users!inner(username, full_name)", "", false).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&activities)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent activities: %w", err)
	}
	return activities, nil
}
