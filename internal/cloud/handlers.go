package cloud

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"go-pos-core/internal/middleware"
	"go-pos-core/internal/syncproto"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Server exposes the reconciler over HTTP.
type Server struct {
	Reconciler *Reconciler
	Broker     *Broker
	SyncKey    string
	Logger     *slog.Logger
}

// Router builds the mirror's gin engine.
func (s *Server) Router() *gin.Engine {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(s.Logger))

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	g := r.Group("/", s.requireSyncKey)
	g.GET("/events", s.events)
	g.POST(syncproto.PathSales, s.syncSales)
	g.POST(syncproto.PathInventory, s.syncInventory)
	g.POST(syncproto.PathUsers, s.syncUsers)
	g.POST(syncproto.PathSettings, s.syncSettings)
	g.POST(syncproto.PathAuditLogs, s.syncAuditLogs)
	g.POST(syncproto.PathCleanupPlaceholders, s.cleanupPlaceholders)
	return r
}

func (s *Server) requireSyncKey(c *gin.Context) {
	if s.SyncKey == "" {
		c.Next()
		return
	}
	got := c.GetHeader(syncproto.HeaderSyncKey)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.SyncKey)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, syncproto.Response{Error: "invalid sync key"})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	sqlDB, err := s.Reconciler.DB.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "observers": s.Broker.Subscribers()})
}

func (s *Server) syncSales(c *gin.Context) {
	var req syncproto.SalesRequest
	if !s.bind(c, &req) {
		return
	}
	n, err := s.Reconciler.ApplySales(c.Request.Context(), req.Sales)
	s.reply(c, n, err)
}

func (s *Server) syncInventory(c *gin.Context) {
	var req syncproto.InventoryRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.Reconciler.ApplyInventory(c.Request.Context(), req.Products)
	if err != nil {
		s.reply(c, 0, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"count":   res.Variants,
		"pruned":  res.Pruned,
		"cleaned": res.Cleaned,
	})
}

func (s *Server) syncUsers(c *gin.Context) {
	var req syncproto.UsersRequest
	if !s.bind(c, &req) {
		return
	}
	n, err := s.Reconciler.ApplyUsers(c.Request.Context(), req.Users)
	s.reply(c, n, err)
}

func (s *Server) syncSettings(c *gin.Context) {
	var req syncproto.SettingsRequest
	if !s.bind(c, &req) {
		return
	}
	n, err := s.Reconciler.ApplySettings(c.Request.Context(), req.Settings)
	s.reply(c, n, err)
}

func (s *Server) syncAuditLogs(c *gin.Context) {
	var req syncproto.AuditLogsRequest
	if !s.bind(c, &req) {
		return
	}
	n, err := s.Reconciler.ApplyAuditLogs(c.Request.Context(), req.AuditLogs)
	s.reply(c, n, err)
}

func (s *Server) cleanupPlaceholders(c *gin.Context) {
	n, err := s.Reconciler.CleanupPlaceholders(c.Request.Context())
	s.reply(c, n, err)
}

// events streams change notifications as server-sent events until the
// client disconnects.
func (s *Server) events(c *gin.Context) {
	ch, release := s.Broker.Subscribe()
	defer release()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent("ready", gin.H{"observers": s.Broker.Subscribers()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(e.Type, e)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, syncproto.Response{Error: "invalid body: " + err.Error()})
		return false
	}
	if dev := c.GetHeader(syncproto.HeaderDeviceID); dev != "" {
		c.Set("device", dev)
	}
	return true
}

func (s *Server) reply(c *gin.Context, n int, err error) {
	if err != nil {
		status := http.StatusInternalServerError
		if isConstraint(err) {
			// Resending the same rows will not help.
			status = http.StatusUnprocessableEntity
		}
		s.Logger.Error("sync apply failed", "path", c.FullPath(), "device", c.GetString("device"), "status", status, "err", err)
		c.JSON(status, syncproto.Response{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, syncproto.Response{Success: true, Count: n})
}

func isConstraint(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated)
}
