package handler

import (
	"context"
	"net/http"
	"strconv"

	"novel-engine/gameplay-service/internal/service"
	"novel-engine/shared/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionHandler - HTTP-слой поверх контроллера ходов.
type SessionHandler struct {
	service service.SessionService
	events  *EventHub
	logger  *zap.Logger
}

// NewSessionHandler создает обработчик. events может быть nil, тогда /events не регистрируется.
func NewSessionHandler(svc service.SessionService, events *EventHub, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{
		service: svc,
		events:  events,
		logger:  logger.Named("SessionHandler"),
	}
}

// RegisterRoutes регистрирует маршруты сессии.
// generationLimit применяется к маршрутам, запускающим генерацию; nil - без ограничения.
func (h *SessionHandler) RegisterRoutes(router *gin.Engine, generationLimit gin.HandlerFunc) {
	if generationLimit == nil {
		generationLimit = func(c *gin.Context) { c.Next() }
	}

	api := router.Group("/api/v1")
	{
		game := api.Group("/game")
		{
			game.GET("", h.getSession)
			game.POST("/start", generationLimit, h.startNewGame)
			game.POST("/continue", generationLimit, h.continueGame)
			game.POST("/action", generationLimit, h.handleAction)
			game.POST("/retry", generationLimit, h.retryLastAction)
			game.POST("/navigate", h.navigate)
		}

		nodes := api.Group("/nodes/:id", generationLimit)
		{
			nodes.POST("/image", h.generateMedia(models.ModalityImage, h.service.GenerateImageForNode))
			nodes.POST("/audio", h.generateMedia(models.ModalityAudio, h.service.GenerateAudioForNode))
			nodes.POST("/video", h.generateMedia(models.ModalityVideo, h.service.GenerateVideoForNode))
		}

		slots := api.Group("/slots")
		{
			slots.GET("", h.listSlots)
			slots.POST("", h.saveAs)
			slots.DELETE("", h.clearAllSaves)
			slots.POST("/:id/switch", h.switchSlot)
			slots.DELETE("/:id", h.deleteSlot)
		}

		api.GET("/backup", h.exportBackup)
		api.POST("/backup", h.importBackup)
		api.GET("/settings", h.getSettings)

		if h.events != nil {
			api.GET("/events", h.events.ServeWS)
		}
	}
}

// --- Game ---

func (h *SessionHandler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Snapshot())
}

func (h *SessionHandler) startNewGame(c *gin.Context) {
	var req StartGameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "theme is required")
		return
	}
	res, err := h.service.StartNewGame(c.Request.Context(), req.Theme, req.CustomContext)
	observe("start", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (h *SessionHandler) continueGame(c *gin.Context) {
	res, err := h.service.ContinueGame(c.Request.Context())
	observe("continue", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SessionHandler) handleAction(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "text is required")
		return
	}
	res, err := h.service.HandleAction(c.Request.Context(), req.Text)
	observe("action", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SessionHandler) retryLastAction(c *gin.Context) {
	res, err := h.service.RetryLastAction(c.Request.Context())
	observe("retry", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *SessionHandler) navigate(c *gin.Context) {
	var req NavigateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "nodeId is required")
		return
	}
	if err := h.service.NavigateToNode(req.NodeID); err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, h.service.Snapshot())
}

func (h *SessionHandler) generateMedia(m models.Modality, generate func(ctx context.Context, nodeID string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		nodeID := c.Param("id")
		err := generate(c.Request.Context(), nodeID)
		observe("media_"+string(m), err)
		if err != nil {
			handleServiceError(c, err, h.logger)
			return
		}
		c.JSON(http.StatusAccepted, AcceptedResponse{NodeID: nodeID, Modality: m})
	}
}

// --- Slots ---

func (h *SessionHandler) listSlots(c *gin.Context) {
	slots, err := h.service.ListSlots(c.Request.Context())
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	if slots == nil {
		slots = []models.SaveSlot{}
	}
	c.JSON(http.StatusOK, SlotListResponse{Slots: slots, CurrentSlot: h.service.Snapshot().SlotID})
}

func (h *SessionHandler) saveAs(c *gin.Context) {
	var req SaveAsRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	slot, err := h.service.SaveAs(c.Request.Context(), req.Name)
	observe("save_as", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusCreated, slot)
}

func (h *SessionHandler) switchSlot(c *gin.Context) {
	err := h.service.SwitchSlot(c.Request.Context(), c.Param("id"))
	observe("switch_slot", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, h.service.Snapshot())
}

func (h *SessionHandler) deleteSlot(c *gin.Context) {
	err := h.service.DeleteSlot(c.Request.Context(), c.Param("id"))
	observe("delete_slot", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) clearAllSaves(c *gin.Context) {
	confirmed, _ := strconv.ParseBool(c.Query("confirm"))
	err := h.service.ClearAllSaves(c.Request.Context(), confirmed)
	observe("clear_saves", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.Status(http.StatusNoContent)
}

// --- Backup and settings ---

func (h *SessionHandler) exportBackup(c *gin.Context) {
	doc, err := h.service.ExportBackup(c.Request.Context())
	observe("export", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="novel-engine-backup.json"`)
	c.JSON(http.StatusOK, doc)
}

func (h *SessionHandler) importBackup(c *gin.Context) {
	var doc models.BackupDocument
	if err := c.ShouldBindJSON(&doc); err != nil {
		badRequest(c, "backup document is not valid JSON")
		return
	}
	n, err := h.service.ImportBackup(c.Request.Context(), &doc)
	observe("import", err)
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, ImportResponse{Imported: n})
}

func (h *SessionHandler) getSettings(c *gin.Context) {
	settings, err := h.service.Settings(c.Request.Context())
	if err != nil {
		handleServiceError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, settings)
}
