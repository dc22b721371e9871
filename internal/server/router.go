package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/Rarsus/verabot2.0-sub006/internal/guilddb"
	"github.com/Rarsus/verabot2.0-sub006/internal/quotes"
	"github.com/Rarsus/verabot2.0-sub006/internal/reminders"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const subjectContextKey = "verabot_admin_subject"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingGuildDirectory = errors.New("guild directory dependency required")
	errMissingQuoteService   = errors.New("quote service dependency required")
	errMissingReminders      = errors.New("reminder service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks admin bearer tokens.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// GuildDirectory exposes the guild database lifecycle.
type GuildDirectory interface {
	OpenGuilds() []string
	KnownGuilds() ([]string, error)
	DeleteGuildData(ctx context.Context, guildID string) error
	Stats() guilddb.Stats
}

// QuoteExporter reads quotes for a guild.
type QuoteExporter interface {
	GetAllQuotes(ctx context.Context, guildID string) ([]quotes.Quote, error)
	ExportQuotes(ctx context.Context, guildID string, format quotes.ExportFormat) ([]byte, error)
}

// ReminderReporter reads reminder aggregates for a guild.
type ReminderReporter interface {
	CountReminders(ctx context.Context, guildID string) (reminders.CountResult, error)
	GetReminderStats(ctx context.Context, guildID string) (reminders.Stats, error)
}

// Dependencies wires the admin API.
type Dependencies struct {
	Tokens    TokenValidator
	Guilds    GuildDirectory
	Quotes    QuoteExporter
	Reminders ReminderReporter
	Logger    *zap.Logger
}

// NewHTTPHandler builds the admin API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Guilds == nil {
		return nil, errMissingGuildDirectory
	}
	if deps.Quotes == nil {
		return nil, errMissingQuoteService
	}
	if deps.Reminders == nil {
		return nil, errMissingReminders
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:    deps.Tokens,
		guilds:    deps.Guilds,
		quotes:    deps.Quotes,
		reminders: deps.Reminders,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/guilds", handler.handleListGuilds)
	protected.GET("/guilds/:guildID/quotes", handler.handleGuildQuotes)
	protected.GET("/guilds/:guildID/reminders/stats", handler.handleReminderStats)
	protected.DELETE("/guilds/:guildID", handler.handleForgetGuild)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	tokens    TokenValidator
	guilds    GuildDirectory
	quotes    QuoteExporter
	reminders ReminderReporter
	logger    *zap.Logger
}

type healthResponsePayload struct {
	Status            string `json:"status"`
	OpenHandles       int    `json:"open_handles"`
	Opens             int64  `json:"opens"`
	MigrationsApplied int64  `json:"migrations_applied"`
}

type guildPayload struct {
	ID   string `json:"id"`
	Open bool   `json:"open"`
}

type guildListPayload struct {
	Guilds []guildPayload `json:"guilds"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	stats := h.guilds.Stats()
	c.JSON(http.StatusOK, healthResponsePayload{
		Status:            "ok",
		OpenHandles:       stats.OpenHandles,
		Opens:             stats.Opens,
		MigrationsApplied: stats.MigrationsApplied,
	})
}

func (h *httpHandler) handleListGuilds(c *gin.Context) {
	known, err := h.guilds.KnownGuilds()
	if err != nil {
		h.writeError(c, "guilds.list", "", err)
		return
	}
	open := make(map[string]struct{})
	for _, guildID := range h.guilds.OpenGuilds() {
		open[guildID] = struct{}{}
	}

	response := guildListPayload{Guilds: make([]guildPayload, 0, len(known))}
	for _, guildID := range known {
		_, isOpen := open[guildID]
		response.Guilds = append(response.Guilds, guildPayload{ID: guildID, Open: isOpen})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleGuildQuotes(c *gin.Context) {
	guildID, ok := h.requireGuild(c)
	if !ok {
		return
	}
	format, err := quotes.ParseExportFormat(c.Query("format"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_format"})
		return
	}

	ctx := c.Request.Context()
	if format == quotes.ExportFormatCSV {
		payload, err := h.quotes.ExportQuotes(ctx, guildID, format)
		if err != nil {
			h.writeError(c, "guilds.quotes", guildID, err)
			return
		}
		c.Data(http.StatusOK, "text/csv; charset=utf-8", payload)
		return
	}

	all, err := h.quotes.GetAllQuotes(ctx, guildID)
	if err != nil {
		h.writeError(c, "guilds.quotes", guildID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "quotes": all})
}

func (h *httpHandler) handleReminderStats(c *gin.Context) {
	guildID, ok := h.requireGuild(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	count, err := h.reminders.CountReminders(ctx, guildID)
	if err != nil {
		h.writeError(c, "guilds.reminder_stats", guildID, err)
		return
	}
	if count.TableMissing {
		c.JSON(http.StatusNotFound, gin.H{"error": "reminders_unavailable"})
		return
	}
	stats, err := h.reminders.GetReminderStats(ctx, guildID)
	if err != nil {
		h.writeError(c, "guilds.reminder_stats", guildID, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"guild_id": guildID, "stats": stats})
}

func (h *httpHandler) handleForgetGuild(c *gin.Context) {
	guildID, err := guilddb.ValidateGuildID(c.Param("guildID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guild_id"})
		return
	}
	if err := h.guilds.DeleteGuildData(c.Request.Context(), guildID); err != nil {
		h.writeError(c, "guilds.forget", guildID, err)
		return
	}
	h.logger.Info("guild data deleted",
		zap.String("guild_id", guildID),
		zap.String("subject", c.GetString(subjectContextKey)))
	c.Status(http.StatusNoContent)
}

// requireGuild resolves the path guild and answers 404 for guilds without a database
// so that read endpoints never create files.
func (h *httpHandler) requireGuild(c *gin.Context) (string, bool) {
	guildID, err := guilddb.ValidateGuildID(c.Param("guildID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guild_id"})
		return "", false
	}
	known, err := h.guilds.KnownGuilds()
	if err != nil {
		h.writeError(c, "guilds.lookup", guildID, err)
		return "", false
	}
	for _, candidate := range known {
		if candidate == guildID {
			return guildID, true
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "guild_not_found"})
	return "", false
}

// writeError maps domain failures to generic responses. Database error text stays in the log.
func (h *httpHandler) writeError(c *gin.Context, operation, guildID string, err error) {
	var openErr *guilddb.OpenError
	var queryErr *guilddb.QueryError
	switch {
	case errors.Is(err, guilddb.ErrInvalidGuildID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_guild_id"})
		return
	case errors.Is(err, guilddb.ErrRootGuildDeletion):
		c.JSON(http.StatusForbidden, gin.H{"error": "root_guild_protected"})
		return
	case errors.As(err, &openErr):
		h.logger.Error("guild database unavailable",
			zap.String("operation", operation),
			zap.String("guild_id", guildID),
			zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "database_unavailable"})
		return
	case errors.As(err, &queryErr):
		h.logger.Error("guild query failed",
			zap.String("operation", operation),
			zap.String("guild_id", guildID),
			zap.String("code", queryErr.Code()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query_failed"})
		return
	default:
		h.logger.Error("admin request failed",
			zap.String("operation", operation),
			zap.String("guild_id", guildID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, subject)
	c.Next()
}
