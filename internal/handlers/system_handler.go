package handlers

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go-pos-core/internal/apperr"
	"go-pos-core/internal/database"
	"go-pos-core/internal/utils"

	"github.com/gin-gonic/gin"
)

// RestoreRequest names the snapshot file an operator wants back.
type RestoreRequest struct {
	Path string `json:"path" binding:"required"`
}

// StatusResponse feeds the till's status screen.
type StatusResponse struct {
	DeviceID   string                `json:"device_id"`
	Counts     database.EntityCounts `json:"counts"`
	CloudURL   string                `json:"cloud_url"`
	LastBackup string                `json:"last_backup,omitempty"`
	BackupAt   *time.Time            `json:"backup_at,omitempty"`
}

func (a *API) Health(c *gin.Context) {
	if a.Store.DB() == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "restoring"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "online"})
}

// GetSystemStatus reports the device id the cloud knows this install by,
// entity counts and the sync and backup state.
func (a *API) GetSystemStatus(c *gin.Context) {
	db, ready := a.db(c)
	if !ready {
		return
	}
	counts, err := database.CountEntities(db)
	if err != nil {
		a.respondError(c, err)
		return
	}

	resp := StatusResponse{
		DeviceID: utils.DeviceID(),
		Counts:   counts,
		CloudURL: database.SettingString(db, database.SettingCloudURL, a.Outbox.FallbackURL),
	}
	if a.Backup != nil {
		if path, at := a.Backup.Last(); path != "" {
			resp.LastBackup = path
			resp.BackupAt = &at
		}
	}
	ok(c, http.StatusOK, resp)
}

// --- POST: /api/sync/now (admin) ---
// Full push of settings, users, inventory, recent sales and audit logs.
func (a *API) SyncNow(c *gin.Context) {
	report, err := a.Bulk.SyncAll(c.Request.Context())
	if err != nil {
		a.logger().Warn("manual sync incomplete", "err", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"data":    report,
			"error":   gin.H{"code": apperr.CodeSyncFailed, "message": err.Error()},
		})
		return
	}
	ok(c, http.StatusOK, report)
}

// --- POST: /api/sync/drain (admin) ---
func (a *API) DrainOutbox(c *gin.Context) {
	sent, err := a.Outbox.DrainAll(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	pending, err := a.Outbox.Pending(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	setAside, err := a.Outbox.SetAside(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"sent": sent, "pending": pending, "set_aside": setAside})
}

// --- POST: /api/sync/requeue (admin) ---
func (a *API) RequeueOutbox(c *gin.Context) {
	n, err := a.Outbox.Requeue(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	a.Outbox.Kick()
	ok(c, http.StatusOK, gin.H{"requeued": n})
}

// --- GET: /api/backups (admin) ---
func (a *API) ListBackups(c *gin.Context) {
	snaps, err := a.Backup.List()
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, snaps)
}

// --- POST: /api/backup (admin) ---
func (a *API) BackupNow(c *gin.Context) {
	path, err := a.Backup.Snapshot(c.Request.Context())
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"path": path})
}

// --- POST: /api/restore (admin) ---
// Only files inside the backup directory can be restored over HTTP; anything
// else goes through posctl.
func (a *API) Restore(c *gin.Context) {
	var req RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	path := req.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.Backup.Dir, path)
	}
	rel, err := filepath.Rel(a.Backup.Dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		a.respondError(c, apperr.Validation(apperr.CodeInvalidRequest, "restore source must be inside the backup directory"))
		return
	}

	report, err := a.Restorer.Restore(c.Request.Context(), path)
	if err != nil {
		a.respondError(c, err)
		return
	}
	ok(c, http.StatusOK, report)
}
