package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID          uuid.UUID `json:"id" db:"id"`
	Username    string    `json:"username" db:"username"`
	FullName    string    `json:"full_name" db:"full_name"`
	Email       string    `json:"email" db:"email"`
	UserProfile string    `json:"user_profile" db:"user_profile"` // avatar URL
	Role        string    `json:"role" db:"role"`
	UserStatus  string    `json:"user_status" db:"user_status"` // ACTIVE / INACTIVE
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// DisplayName prefers the full name and falls back to the username.
func (u *User) DisplayName() string {
	if strings.TrimSpace(u.FullName) != "" {
		return u.FullName
	}
	return u.Username
}

// GetInitials returns up to two uppercase initials for avatar placeholders.
func (u *User) GetInitials() string {
	parts := strings.Fields(u.DisplayName())
	if len(parts) == 0 {
		return "?"
	}
	initials := strings.ToUpper(string([]rune(parts[0])[0:1]))
	if len(parts) > 1 {
		initials += strings.ToUpper(string([]rune(parts[len(parts)-1])[0:1]))
	}
	return initials
}

type Room struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Type      string    `json:"type" db:"type"` // GROUP / DIRECT
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	// Relationships
	Owner   *User        `json:"owner,omitempty"`
	Members []RoomMember `json:"members,omitempty"`
}

type RoomMember struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	RoomID     uuid.UUID  `json:"room_id" db:"room_id"`
	UserID     uuid.UUID  `json:"user_id" db:"user_id"`
	JoinedAt   time.Time  `json:"joined_at" db:"joined_at"`
	LastReadAt *time.Time `json:"last_read_at" db:"last_read_at"`

	// Relationships
	User *User `json:"user,omitempty"`
}

type Message struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	RoomID    uuid.UUID  `json:"room_id" db:"room_id"`
	SenderID  uuid.UUID  `json:"sender_id" db:"sender_id"`
	Content   string     `json:"content" db:"content"`
	FileURL   *string    `json:"file_url" db:"file_url"`
	EditedAt  *time.Time `json:"edited_at" db:"edited_at"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`

	// Relationships
	Sender *User `json:"sender,omitempty"`
}

type Equipment struct {
	ID               uuid.UUID  `json:"id" db:"id"`
	Brand            string     `json:"brand" db:"brand"`
	Model            string     `json:"model" db:"model"`
	Type             string     `json:"type" db:"type"`
	Owner            string     `json:"owner" db:"owner"`
	Status           string     `json:"status" db:"status"` // OPERATIONAL / NON_OPERATIONAL
	ProjectID        uuid.UUID  `json:"project_id" db:"project_id"`
	InspectionDate   *time.Time `json:"inspection_date" db:"inspection_date"`
	InsuranceExpires *time.Time `json:"insurance_expiration_date" db:"insurance_expiration_date"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at" db:"updated_at"`
}

type Vehicle struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Brand       string     `json:"brand" db:"brand"`
	Model       string     `json:"model" db:"model"`
	PlateNumber string     `json:"plate_number" db:"plate_number"`
	Owner       string     `json:"owner" db:"owner"`
	Status      string     `json:"status" db:"status"`
	ProjectID   uuid.UUID  `json:"project_id" db:"project_id"`
	ExpiryDate  *time.Time `json:"expiry_date" db:"expiry_date"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

type MaintenanceReport struct {
	ID           uuid.UUID  `json:"id" db:"id"`
	EquipmentID  *uuid.UUID `json:"equipment_id" db:"equipment_id"`
	VehicleID    *uuid.UUID `json:"vehicle_id" db:"vehicle_id"`
	IssueDesc    string     `json:"issue_description" db:"issue_description"`
	Remarks      string     `json:"remarks" db:"remarks"`
	Priority     string     `json:"priority" db:"priority"`
	Status       string     `json:"status" db:"status"` // REPORTED / IN_PROGRESS / COMPLETED
	ReportedByID uuid.UUID  `json:"reported_by" db:"reported_by"`
	DateReported time.Time  `json:"date_reported" db:"date_reported"`
	DateRepaired *time.Time `json:"date_repaired" db:"date_repaired"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

type Activity struct {
	ID          uuid.UUID              `json:"id" db:"id"`
	UserID      uuid.UUID              `json:"user_id" db:"user_id"`
	RoomID      *uuid.UUID             `json:"room_id" db:"room_id"`
	Action      string                 `json:"action" db:"action"`
	Description string                 `json:"description" db:"description"`
	Metadata    map[string]interface{} `json:"metadata" db:"metadata"`
	CreatedAt   time.Time              `json:"created_at" db:"created_at"`

	// Relationships
	User *User `json:"user,omitempty"`
}
