package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printq/internal/archive"
)

type ArchiveHandler struct {
	archiver *archive.Archiver
}

func NewArchiveHandler(archiver *archive.Archiver) *ArchiveHandler {
	return &ArchiveHandler{archiver: archiver}
}

type ArchiveListResponse struct {
	Archives      []*archive.ArchiveFile `json:"archives"`
	Count         int                    `json:"count"`
	ArchiveDays   int                    `json:"archive_days"`
	HasPassphrase bool                   `json:"has_passphrase"`
}

func (h *ArchiveHandler) ListArchives(c *gin.Context) {
	archives, err := h.archiver.ListArchives(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ArchiveListResponse{
		Archives:      archives,
		Count:         len(archives),
		ArchiveDays:   h.archiver.GetArchiveDays(),
		HasPassphrase: h.archiver.HasPassphrase(),
	})
}

func (h *ArchiveHandler) GetArchiveInfo(c *gin.Context) {
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), c.Param("filename"))
	if err != nil {
		h.respondArchiveError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DownloadArchive streams the encrypted file as stored. Decryption happens
// offline with the passphrase.
func (h *ArchiveHandler) DownloadArchive(c *gin.Context) {
	filename := c.Param("filename")
	info, err := h.archiver.GetArchiveInfo(c.Request.Context(), filename)
	if err != nil {
		h.respondArchiveError(c, err)
		return
	}

	c.Header("Content-Description", "File Transfer")
	c.Header("Content-Transfer-Encoding", "binary")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", info.Filename))
	c.Header("Content-Type", "application/octet-stream")
	c.File(filepath.Join(h.archiver.GetArchivePath(), info.Filename))
}

func (h *ArchiveHandler) TriggerArchive(c *gin.Context) {
	if !h.archiver.HasPassphrase() {
		badRequest(c, "archive passphrase not configured")
		return
	}

	res, err := h.archiver.RunArchive(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "archive completed", "result": res})
}

func (h *ArchiveHandler) respondArchiveError(c *gin.Context, err error) {
	if errors.Is(err, archive.ErrArchiveNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "archive not found"})
		return
	}
	respondError(c, err)
}

func RegisterArchiveRoutes(r *gin.RouterGroup, h *ArchiveHandler) {
	r.GET("/archives", h.ListArchives)
	r.POST("/archives/run", h.TriggerArchive)
	r.GET("/archives/:filename", h.GetArchiveInfo)
	r.GET("/archives/:filename/download", h.DownloadArchive)
}
