package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"hydrotrack/cache"
	"hydrotrack/config"
	"hydrotrack/models"
	"hydrotrack/registry"
	"hydrotrack/services"
)

// Ingester is the ingest path used by the telemetry and manual endpoints
type Ingester interface {
	Now() time.Time
	Ingest(ctx context.Context, r services.Reading) (*models.IngestResult, error)
	IngestTelemetry(ctx context.Context, t *services.Telemetry) (*services.TelemetryResult, error)
}

// ReadingStore serves the query endpoints
type ReadingStore interface {
	PingContext(ctx context.Context) error
	LatestProcessedReadings(ctx context.Context, elementID string) ([]models.ProcessedReading, error)
	ListProcessedReadings(ctx context.Context, elementID, variable string, limit int) ([]models.ProcessedReading, error)
	ListEvents(ctx context.Context, elementID, eventType string, limit, offset int) ([]models.Event, error)
}

// QueueInspector exposes queue counters and failed jobs
type QueueInspector interface {
	Stats(ctx context.Context) models.QueueStats
	FailedJobs(ctx context.Context, limit int) ([]models.Job, error)
	Running() bool
}

// Calibrator applies sensor calibrations
type Calibrator interface {
	Calibrate(ctx context.Context, c *models.Calibration) error
}

// Hub is the websocket fan-out
type Hub interface {
	GetClientCount() int
	HandleWebSocket(w http.ResponseWriter, r *http.Request)
}

// Handler contains all the dependencies needed for HTTP handlers
type Handler struct {
	ingest Ingester
	store  ReadingStore
	queue  QueueInspector
	calib  Calibrator
	status *services.StatusTracker
	cache  *cache.Cache
	hub    Hub
	logger *slog.Logger
}

// New creates a new handler instance. cache may be nil.
func New(ingest Ingester, store ReadingStore, queue QueueInspector, calib Calibrator, status *services.StatusTracker, readingsCache *cache.Cache, hub Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		ingest: ingest,
		store:  store,
		queue:  queue,
		calib:  calib,
		status: status,
		cache:  readingsCache,
		hub:    hub,
		logger: logger.With("component", "http"),
	}
}

// PostTelemetry accepts an individual or aggregated node frame
func (h *Handler) PostTelemetry(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to read request body",
			"details": err.Error(),
		})
		return
	}

	telemetry, err := services.ParseTelemetry(body, h.ingest.Now())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid telemetry",
			"details": err.Error(),
		})
		return
	}

	result, err := h.ingest.IngestTelemetry(c.Request.Context(), telemetry)
	if err != nil {
		h.ingestError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Telemetry accepted",
		"result":  result,
	})
}

// PostManualReading stores an operator reading for audit. Manual readings
// are not compressed.
func (h *Handler) PostManualReading(c *gin.Context) {
	var req struct {
		SensorID  string     `json:"sensor_id" binding:"required"`
		Value     *float64   `json:"value" binding:"required"`
		Author    string     `json:"author"`
		Note      string     `json:"note"`
		Timestamp *time.Time `json:"timestamp"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	reading := services.Reading{
		SensorID: req.SensorID,
		Value:    *req.Value,
		Source:   models.SourceUser,
		Author:   req.Author,
		Mode:     models.ModeManual,
		Note:     req.Note,
	}
	if reading.Author == "" {
		reading.Author = "operator"
	}
	if req.Timestamp != nil {
		reading.Timestamp = *req.Timestamp
	}

	result, err := h.ingest.Ingest(c.Request.Context(), reading)
	if err != nil {
		h.ingestError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message": "Manual reading stored",
		"result":  result,
	})
}

func (h *Handler) ingestError(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrUnknownSensor) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "Sensor not registered",
			"details": err.Error(),
		})
		return
	}
	h.logger.Error("ingest failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "Failed to store reading",
		"details": err.Error(),
	})
}

// PostCalibration records a field calibration and replaces the sensor offset
// with reference_value - sensor_value
func (h *Handler) PostCalibration(c *gin.Context) {
	var req struct {
		SensorID       string   `json:"sensor_id" binding:"required"`
		ReferenceValue *float64 `json:"reference_value" binding:"required"`
		SensorValue    *float64 `json:"sensor_value" binding:"required"`
		Author         string   `json:"author" binding:"required"`
		Type           string   `json:"type"`
		Note           string   `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	calibration := &models.Calibration{
		SensorID:       req.SensorID,
		ReferenceValue: *req.ReferenceValue,
		SensorValue:    *req.SensorValue,
		Author:         req.Author,
		Type:           req.Type,
		Note:           req.Note,
	}
	if err := h.calib.Calibrate(c.Request.Context(), calibration); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidCalibration):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid calibration",
				"details": err.Error(),
			})
		case errors.Is(err, registry.ErrUnknownSensor):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "Sensor not registered",
				"details": err.Error(),
			})
		default:
			h.logger.Error("calibration failed", "sensor_id", req.SensorID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "Failed to apply calibration",
				"details": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "Calibration applied",
		"calibration_id": calibration.ID,
		"adjustment":     calibration.Adjustment,
		"calibration":    calibration,
	})
}

// PostGatewayHeartbeat records a gateway heartbeat
func (h *Handler) PostGatewayHeartbeat(c *gin.Context) {
	var data models.HeartbeatData
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid heartbeat data",
				"details": err.Error(),
			})
			return
		}
	}
	if data.IPAddress == "" {
		data.IPAddress = c.ClientIP()
	}

	status, recovered := h.status.RecordGatewayHeartbeat(c.Param("id"), data)
	c.JSON(http.StatusOK, gin.H{
		"gateway":   status,
		"recovered": recovered,
	})
}

// GetLatestReadings returns the open interval of every series, optionally
// for one element. Served through the readings cache.
func (h *Handler) GetLatestReadings(c *gin.Context) {
	elementID := c.Query("element_id")

	var readings []models.ProcessedReading
	hit, err := h.cache.Remember(c.Request.Context(), cache.ReadingsKey(elementID), &readings,
		func(ctx context.Context) (interface{}, error) {
			return h.store.LatestProcessedReadings(ctx, elementID)
		})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve latest readings",
			"details": err.Error(),
		})
		return
	}
	if readings == nil {
		readings = []models.ProcessedReading{}
	}

	c.JSON(http.StatusOK, gin.H{
		"readings": readings,
		"count":    len(readings),
		"cached":   hit,
	})
}

// GetProcessedReadings lists the newest intervals of one series
func (h *Handler) GetProcessedReadings(c *gin.Context) {
	elementID := c.Query("element_id")
	variable := c.Query("variable")
	if elementID == "" || variable == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "element_id and variable are required",
		})
		return
	}
	limit := queryInt(c, "limit", 100, 1, 1000)

	readings, err := h.store.ListProcessedReadings(c.Request.Context(), elementID, variable, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve processed readings",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"readings": readings,
		"count":    len(readings),
	})
}

// GetEvents retrieves recent events with pagination
func (h *Handler) GetEvents(c *gin.Context) {
	limit := queryInt(c, "limit", 50, 1, 1000)
	offset := queryInt(c, "offset", 0, 0, -1)

	events, err := h.store.ListEvents(c.Request.Context(), c.Query("element_id"), c.Query("type"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve events",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"pagination": gin.H{
			"limit":  limit,
			"offset": offset,
			"count":  len(events),
		},
	})
}

// GetQueueStats returns job counts per state
func (h *Handler) GetQueueStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":   h.queue.Stats(c.Request.Context()),
		"running": h.queue.Running(),
	})
}

// GetFailedJobs lists retained failed jobs, newest first
func (h *Handler) GetFailedJobs(c *gin.Context) {
	jobs, err := h.queue.FailedJobs(c.Request.Context(), queryInt(c, "limit", 50, 1, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to retrieve failed jobs",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetStatusSummary returns connectivity counts and the overall system status
func (h *Handler) GetStatusSummary(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Summary())
}

// GetSensorStatuses lists every tracked sensor
func (h *Handler) GetSensorStatuses(c *gin.Context) {
	sensors := h.status.AllSensors()
	c.JSON(http.StatusOK, gin.H{
		"sensors": sensors,
		"count":   len(sensors),
	})
}

// GetSensorStatus returns one sensor; never-seen sensors report unknown
func (h *Handler) GetSensorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.SensorStatus(c.Param("id")))
}

// GetGatewayStatuses lists every tracked gateway
func (h *Handler) GetGatewayStatuses(c *gin.Context) {
	gateways := h.status.AllGateways()
	c.JSON(http.StatusOK, gin.H{
		"gateways": gateways,
		"count":    len(gateways),
	})
}

// GetGatewayStatus returns one gateway
func (h *Handler) GetGatewayStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.GatewayStatus(c.Param("id")))
}

// GetStatusConfig returns the status tracker thresholds
func (h *Handler) GetStatusConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"config": h.status.Config(),
	})
}

// UpdateStatusConfig updates the status tracker thresholds. Zero fields keep
// their current value.
func (h *Handler) UpdateStatusConfig(c *gin.Context) {
	var update models.StatusConfig
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid status configuration",
			"details": err.Error(),
		})
		return
	}

	cfg, err := h.status.UpdateConfig(update)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, config.ErrInvalidConfig) {
			code = http.StatusBadRequest
		}
		c.JSON(code, gin.H{
			"error":   "Failed to update status configuration",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Status configuration updated successfully",
		"config":  cfg,
	})
}

// ClearSensorStatus forgets one sensor's status record
func (h *Handler) ClearSensorStatus(c *gin.Context) {
	id := c.Param("id")
	if !h.status.ClearSensor(id) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Sensor is not tracked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":   "Sensor status cleared",
		"sensor_id": id,
	})
}

// ClearAllStatus resets every status record
func (h *Handler) ClearAllStatus(c *gin.Context) {
	h.status.ClearAll()
	c.JSON(http.StatusOK, gin.H{
		"message": "All status records cleared",
	})
}

// GetSystemHealth returns overall system health information
func (h *Handler) GetSystemHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	summary := h.status.Summary()
	health := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"websocket": gin.H{
			"connected_clients": h.hub.GetClientCount(),
		},
		"database": gin.H{
			"status": "connected",
		},
		"queue": gin.H{
			"running": h.queue.Running(),
			"stats":   h.queue.Stats(ctx),
		},
		"connectivity": summary,
	}

	code := http.StatusOK
	if !h.queue.Running() || summary.SystemStatus != services.SystemHealthy {
		health["status"] = "degraded"
	}
	if err := h.store.PingContext(ctx); err != nil {
		health["database"] = gin.H{"status": "unreachable", "error": err.Error()}
		health["status"] = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, health)
}

// WebSocketEndpoint handles WebSocket connections
func (h *Handler) WebSocketEndpoint(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}

// queryInt parses an integer query parameter, keeping def when it is missing
// or outside [min, max]. A negative max means unbounded.
func queryInt(c *gin.Context, key string, def, min, max int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < min || (max >= 0 && v > max) {
		return def
	}
	return v
}
