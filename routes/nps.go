package routes

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"nps-dashboard-server/middleware"
	"nps-dashboard-server/models"
	"nps-dashboard-server/services"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 500
)

// getSummary returns the dashboard headline numbers
func (h *Handler) getSummary(c *gin.Context) {
	byRole := make(map[models.Role]int, len(models.AllRoles))
	for _, role := range models.AllRoles {
		byRole[role] = h.Store.NPSScoreByRole(services.ViewFiltered, role)
	}

	var lastFetch *time.Time
	if t := h.Sync.LastFetch(); !t.IsZero() {
		lastFetch = &t
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"total":         h.Store.TotalCount(),
			"filtered":      h.Store.FilteredCount(),
			"nps":           h.Store.NPSScore(services.ViewAll),
			"nps_filtered":  h.Store.NPSScore(services.ViewFiltered),
			"by_role":       byRole,
			"breakdown":     h.Store.Breakdown(services.ViewFiltered),
			"active_filter": h.Store.ActiveFilter(),
			"last_fetch":    lastFetch,
			"version":       h.Store.Version(),
		},
	})
}

// getRecords pages through the filtered view, newest first
func (h *Handler) getRecords(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageLimit)))
	if err != nil || limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	records := h.Store.SortedByCreatedAt(services.ViewFiltered)
	total := len(records)

	offset := (page - 1) * limit
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"records": records[offset:end],
			"pagination": gin.H{
				"page":        page,
				"limit":       limit,
				"total":       total,
				"total_pages": (total + limit - 1) / limit,
			},
		},
	})
}

// manualRecord is a record typed in by an operator. UID may be left empty.
type manualRecord struct {
	UID         string    `json:"uid"`
	UserID      string    `json:"user_id"`
	CompanyID   string    `json:"company_id"`
	UserName    string    `json:"user_name"`
	CompanyName string    `json:"company_name"`
	Score       *int      `json:"score" binding:"required"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
	Role        string    `json:"role"`
}

type insertRecordsRequest struct {
	Records []manualRecord `json:"records" binding:"required,dive"`
}

// insertRecords adds operator-provided records to the store
func (h *Handler) insertRecords(c *gin.Context) {
	var req insertRecordsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}

	now := time.Now().UTC()
	records := make([]models.FeedbackRecord, 0, len(req.Records))
	rejected := 0
	for _, m := range req.Records {
		if *m.Score < models.MinScore || *m.Score > models.MaxScore {
			rejected++
			continue
		}
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		records = append(records, models.FeedbackRecord{
			UID:         strings.TrimSpace(m.UID),
			UserID:      m.UserID,
			CompanyID:   m.CompanyID,
			UserName:    m.UserName,
			CompanyName: m.CompanyName,
			Score:       *m.Score,
			Reason:      m.Reason,
			CreatedAt:   createdAt,
			Role:        models.NormalizeRole(m.Role),
		})
	}

	inserted := h.Store.InsertAll(records)
	h.Log.Info("manual records inserted", "inserted", inserted, "submitted", len(req.Records), "user", c.GetString(middleware.ContextUsername))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"inserted":   inserted,
			"duplicates": len(records) - inserted,
			"rejected":   rejected,
			"total":      h.Store.TotalCount(),
		},
	})
}

func (h *Handler) getFilters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.Store.ActiveFilter(),
	})
}

// applyFilters replaces the active filter criteria
func (h *Handler) applyFilters(c *gin.Context) {
	var criteria models.FilterCriteria
	if err := c.ShouldBindJSON(&criteria); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"message": "Invalid request body: " + err.Error(),
		})
		return
	}
	if criteria.Roles == nil {
		criteria.Roles = []models.Role{}
	}
	if criteria.Scores == nil {
		criteria.Scores = []int{}
	}

	if err := h.Store.ApplyFilter(criteria); err != nil {
		if errors.Is(err, services.ErrInvalidFilter) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"message": err.Error(),
			})
			return
		}
		h.Log.Error("failed to apply filter", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": "Failed to apply filter",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"filters":  h.Store.ActiveFilter(),
			"filtered": h.Store.FilteredCount(),
			"nps":      h.Store.NPSScore(services.ViewFiltered),
		},
	})
}

// refresh runs an incremental fetch and waits for it
func (h *Handler) refresh(c *gin.Context) {
	inserted, err := h.Sync.Refresh(c.Request.Context())
	if err != nil {
		status := http.StatusInternalServerError
		message := "Refresh failed"
		if services.IsFetchError(err) {
			status = http.StatusBadGateway
			message = "Upstream NPS API is unavailable"
		}
		h.Log.Warn("manual refresh failed", "error", err)
		c.JSON(status, gin.H{
			"success": false,
			"message": message,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"inserted":   inserted,
			"total":      h.Store.TotalCount(),
			"last_fetch": h.Sync.LastFetch(),
		},
	})
}

// backfill starts a full backfill and returns immediately; progress is
// reported through GET /progress and the websocket stream.
func (h *Handler) backfill(c *gin.Context) {
	ctx := h.BaseContext
	if ctx == nil {
		ctx = context.Background()
	}

	h.background.Add(1)
	go func() {
		defer h.background.Done()
		if err := h.Sync.Backfill(ctx); err != nil {
			h.Log.Error("manual backfill failed", "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"message": "Backfill started",
	})
}

// clearCache drops every record, the persisted cache and the saved filters
func (h *Handler) clearCache(c *gin.Context) {
	h.Sync.Clear()
	h.Log.Info("cache cleared", "user", c.GetString(middleware.ContextUsername))

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Cache cleared",
	})
}

func (h *Handler) getProgress(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    h.Progress.State(),
	})
}

// export uploads a CSV snapshot of the filtered view
func (h *Handler) export(c *gin.Context) {
	if h.Exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"success": false,
			"message": services.ErrExportDisabled.Error(),
		})
		return
	}

	snapshot, err := h.Exporter.Export(c.Request.Context(), h.Store.SortedByCreatedAt(services.ViewFiltered))
	if err != nil {
		h.Log.Error("snapshot export failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": "Failed to export snapshot",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    snapshot,
	})
}
