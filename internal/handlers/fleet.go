package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/desco-devs/fleetsync/internal/database"
	"github.com/desco-devs/fleetsync/internal/logging"
	"github.com/desco-devs/fleetsync/internal/middleware"
	"github.com/desco-devs/fleetsync/internal/realtime"
)

const (
	equipmentCacheKey   = "fleet:equipment"
	vehiclesCacheKey    = "fleet:vehicles"
	maintenanceCacheKey = "fleet:maintenance"
)

// FleetHandler serves the dashboard's fleet lists through a shared
// read-through cache. Mutations invalidate the affected key so the next
// read refetches.
type FleetHandler struct {
	db    *database.DB
	cache *realtime.MemoryStore
}

func NewFleetHandler(db *database.DB) *FleetHandler {
	return &FleetHandler{
		db:    db,
		cache: NewFleetCache(),
	}
}

// NewFleetCache builds the store used for fleet list caching.
func NewFleetCache() *realtime.MemoryStore {
	return realtime.NewMemoryStore(func(key string) {
		logging.Debug("fleet cache invalidated: %s", key)
	})
}

func (h *FleetHandler) projectFilter(c *gin.Context) (*uuid.UUID, bool) {
	raw := c.Query("project_id")
	if raw == "" {
		return nil, true
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return nil, false
	}
	return &id, true
}

// ListEquipment returns the equipment list, cached for unfiltered reads.
func (h *FleetHandler) ListEquipment(c *gin.Context) {
	projectID, ok := h.projectFilter(c)
	if !ok {
		return
	}

	if projectID == nil {
		if v, ok := h.cache.Get(equipmentCacheKey); ok && !h.cache.IsStale(equipmentCacheKey) {
			c.JSON(http.StatusOK, gin.H{"equipment": v, "cached": true})
			return
		}
	}

	equipment, err := h.db.ListEquipment(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load equipment"})
		return
	}
	if projectID == nil {
		h.cache.Set(equipmentCacheKey, equipment)
	}
	c.JSON(http.StatusOK, gin.H{"equipment": equipment, "cached": false})
}

// ListVehicles returns the vehicle list, cached for unfiltered reads.
func (h *FleetHandler) ListVehicles(c *gin.Context) {
	projectID, ok := h.projectFilter(c)
	if !ok {
		return
	}

	if projectID == nil {
		if v, ok := h.cache.Get(vehiclesCacheKey); ok && !h.cache.IsStale(vehiclesCacheKey) {
			c.JSON(http.StatusOK, gin.H{"vehicles": v, "cached": true})
			return
		}
	}

	vehicles, err := h.db.ListVehicles(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load vehicles"})
		return
	}
	if projectID == nil {
		h.cache.Set(vehiclesCacheKey, vehicles)
	}
	c.JSON(http.StatusOK, gin.H{"vehicles": vehicles, "cached": false})
}

// ListMaintenance returns recent maintenance reports.
func (h *FleetHandler) ListMaintenance(c *gin.Context) {
	status := c.Query("status")

	if status == "" {
		if v, ok := h.cache.Get(maintenanceCacheKey); ok && !h.cache.IsStale(maintenanceCacheKey) {
			c.JSON(http.StatusOK, gin.H{"reports": v, "cached": true})
			return
		}
	}

	reports, err := h.db.ListMaintenanceReports(c.Request.Context(), status, 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load maintenance reports"})
		return
	}
	if status == "" {
		h.cache.Set(maintenanceCacheKey, reports)
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "cached": false})
}

// CreateMaintenance files a report and invalidates the cached list.
func (h *FleetHandler) CreateMaintenance(c *gin.Context) {
	user, ok := middleware.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}

	var req struct {
		EquipmentID *uuid.UUID `json:"equipment_id"`
		VehicleID   *uuid.UUID `json:"vehicle_id"`
		IssueDesc   string     `json:"issue_description" binding:"required"`
		Priority    string     `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.EquipmentID == nil && req.VehicleID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Report needs an equipment or vehicle ID"})
		return
	}

	report, err := h.db.CreateMaintenanceReport(c.Request.Context(), req.EquipmentID, req.VehicleID, user.ID, req.IssueDesc, req.Priority)
	if err != nil {
		logging.LogRealtimeError(user.ID.String(), "maintenance-create", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create maintenance report"})
		return
	}

	h.cache.Invalidate(maintenanceCacheKey)
	if err := h.db.LogActivity(c.Request.Context(), user.ID, "maintenance_reported", fmt.Sprintf("report %s", report.ID)); err != nil {
		logging.LogRealtimeError(user.ID.String(), "activity-log", err)
	}
	c.JSON(http.StatusCreated, gin.H{"report": report})
}
