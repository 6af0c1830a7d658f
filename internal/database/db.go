package database

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/models"
)

type DB struct {
	client *supabase.Client
}

func NewDB(schema string) *DB {
	url := os.Getenv("SUPABASE_URL")
	key := os.Getenv("SUPABASE_SERVICE_KEY")

	if url == "" || key == "" {
		log.Fatal("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}

	if schema == "" {
		schema = "public"
	}
	opts := &supabase.ClientOptions{
		Schema: schema,
	}

	client, err := supabase.NewClient(url, key, opts)
	if err != nil {
		log.Fatal("Failed to initialize Supabase client:", err)
	}

	return &DB{client: client}
}

// User operations
func (db *DB) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	start := time.Now()
	var users []models.User
	_, err := db.client.From("users").Select("*", "", false).Eq("id", userID.String()).ExecuteTo(&users)
	logging.LogDatabaseOperation("get user", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &users[0], nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var users []models.User
	_, err := db.client.From("users").Select("*", "", false).Eq("username", username).ExecuteTo(&users)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &users[0], nil
}

// Room operations
func (db *DB) GetRoom(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	var rooms []models.Room
	_, err := db.client.From("rooms").Select("*", "", false).Eq("id", roomID.String()).ExecuteTo(&rooms)
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	if len(rooms) == 0 {
		return nil, fmt.Errorf("room not found")
	}
	return &rooms[0], nil
}

func (db *DB) GetRoomMembers(ctx context.Context, roomID uuid.UUID) ([]models.RoomMember, error) {
	var members []models.RoomMember
	_, err := db.client.From("room_members").
		Select("*, users!inner(id, username, full_name, user_profile)", "", false).
		Eq("room_id", roomID.String()).
		ExecuteTo(&members)
	if err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}
	return members, nil
}

func (db *DB) GetRoomMemberIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	var members []models.RoomMember
	_, err := db.client.From("room_members").
		Select("user_id", "", false).
		Eq("room_id", roomID.String()).
		ExecuteTo(&members)
	if err != nil {
		return nil, fmt.Errorf("failed to get room member ids: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

func (db *DB) IsRoomMember(ctx context.Context, roomID, userID uuid.UUID) (bool, error) {
	var members []models.RoomMember
	_, err := db.client.From("room_members").
		Select("id", "", false).
		Eq("room_id", roomID.String()).
		Eq("user_id", userID.String()).
		ExecuteTo(&members)
	if err != nil {
		return false, fmt.Errorf("failed to check room membership: %w", err)
	}
	return len(members) > 0, nil
}

func (db *DB) GetUserRooms(ctx context.Context, userID uuid.UUID) ([]models.Room, error) {
	var members []models.RoomMember
	_, err := db.client.From("room_members").
		Select("*, rooms!inner(*)", "", false).
		Eq("user_id", userID.String()).
		ExecuteTo(&members)
	if err != nil {
		return nil, fmt.Errorf("failed to get user rooms: %w", err)
	}

	rooms := make([]models.Room, 0, len(members))
	for _, m := range members {
		room, err := db.GetRoom(ctx, m.RoomID)
		if err != nil {
			log.Printf("Failed to load room %s: %v", m.RoomID, err)
			continue
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

// Message operations
func (db *DB) GetRecentMessages(ctx context.Context, roomID uuid.UUID, limit int) ([]models.Message, error) {
	start := time.Now()
	var messages []models.Message
	_, err := db.client.From("messages").
		Select("*, users!inner(id, username, full_name, user_profile)", "", false).
		Eq("room_id", roomID.String()).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&messages)
	logging.LogDatabaseOperation("get recent messages", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	// Return in chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CreateMessage inserts a chat message and returns the stored row, ids and
// timestamps assigned server side.
func (db *DB) CreateMessage(ctx context.Context, roomID, senderID uuid.UUID, content string) (models.Message, error) {
	start := time.Now()
	messageData := map[string]interface{}{
		"room_id":   roomID.String(),
		"sender_id": senderID.String(),
		"content":   content,
	}

	var result []models.Message
	_, err := db.client.From("messages").Insert(messageData, false, "", "", "").ExecuteTo(&result)
	logging.LogDatabaseOperation("create message", time.Since(start), err)
	if err != nil {
		return models.Message{}, fmt.Errorf("failed to create message: %w", err)
	}
	if len(result) == 0 {
		return models.Message{}, fmt.Errorf("failed to get created message data")
	}
	return result[0], nil
}

func (db *DB) GetUnreadCount(ctx context.Context, roomID, userID uuid.UUID) (int, error) {
	var members []models.RoomMember
	_, err := db.client.From("room_members").
		Select("*", "", false).
		Eq("room_id", roomID.String()).
		Eq("user_id", userID.String()).
		ExecuteTo(&members)
	if err != nil {
		return 0, fmt.Errorf("failed to get membership: %w", err)
	}
	if len(members) == 0 {
		return 0, fmt.Errorf("user is not a room member")
	}

	query := db.client.From("messages").
		Select("id", "", false).
		Eq("room_id", roomID.String()).
		Neq("sender_id", userID.String())
	if members[0].LastReadAt != nil {
		query = query.Gt("created_at", members[0].LastReadAt.UTC().Format(time.RFC3339))
	}

	var unread []models.Message
	_, err = query.ExecuteTo(&unread)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread messages: %w", err)
	}
	return len(unread), nil
}

func (db *DB) MarkRoomRead(ctx context.Context, roomID, userID uuid.UUID) error {
	updates := map[string]interface{}{
		"last_read_at": time.Now(),
	}

	_, err := db.client.From("room_members").
		Update(updates, "", "").
		Eq("room_id", roomID.String()).
		Eq("user_id", userID.String()).
		ExecuteTo(nil)
	if err != nil {
		return fmt.Errorf("failed to mark room read: %w", err)
	}
	return nil
}

// Fleet operations backing the dashboard caches
func (db *DB) ListEquipment(ctx context.Context, projectID *uuid.UUID) ([]models.Equipment, error) {
	start := time.Now()
	query := db.client.From("equipment").Select("*", "", false)
	if projectID != nil {
		query = query.Eq("project_id", projectID.String())
	}

	var equipment []models.Equipment
	_, err := query.
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&equipment)
	logging.LogDatabaseOperation("list equipment", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list equipment: %w", err)
	}
	return equipment, nil
}

func (db *DB) ListVehicles(ctx context.Context, projectID *uuid.UUID) ([]models.Vehicle, error) {
	query := db.client.From("vehicles").Select("*", "", false)
	if projectID != nil {
		query = query.Eq("project_id", projectID.String())
	}

	var vehicles []models.Vehicle
	_, err := query.
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&vehicles)
	if err != nil {
		return nil, fmt.Errorf("failed to list vehicles: %w", err)
	}
	return vehicles, nil
}

func (db *DB) CreateMaintenanceReport(ctx context.Context, equipmentID, vehicleID *uuid.UUID, reportedBy uuid.UUID, issueDesc, priority string) (*models.MaintenanceReport, error) {
	if priority == "" {
		priority = "MEDIUM"
	}

	reportData := map[string]interface{}{
		"issue_description": issueDesc,
		"priority":          priority,
		"status":            "REPORTED",
		"reported_by":       reportedBy.String(),
		"date_reported":     time.Now(),
	}
	if equipmentID != nil {
		reportData["equipment_id"] = equipmentID.String()
	}
	if vehicleID != nil {
		reportData["vehicle_id"] = vehicleID.String()
	}

	var result []models.MaintenanceReport
	_, err := db.client.From("maintenance_reports").Insert(reportData, false, "", "", "").ExecuteTo(&result)
	if err != nil {
		return nil, fmt.Errorf("failed to create maintenance report: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("failed to get created report data")
	}
	return &result[0], nil
}

func (db *DB) ListMaintenanceReports(ctx context.Context, status string, limit int) ([]models.MaintenanceReport, error) {
	query := db.client.From("maintenance_reports").Select("*", "", false)
	if status != "" {
		query = query.Eq("status", status)
	}

	var reports []models.MaintenanceReport
	_, err := query.
		Order("date_reported", &postgrest.OrderOpts{Ascending: false}).
		Limit(limit, "").
		ExecuteTo(&reports)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance reports: %w", err)
	}
	return reports, nil
}
