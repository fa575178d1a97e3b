package handlers

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"marketplace-chat/internal/storage"
)

var allowedUploadTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
	"image/gif":  {},
}

// UploadHandler stores image attachments and returns the public URL to be
// sent as attachment_url. The upload is a separate step that precedes the
// message insert, which is why its failures are reported distinctly.
type UploadHandler struct {
	blobs storage.BlobStorage
}

// NewUploadHandler builds an UploadHandler.
func NewUploadHandler(blobs storage.BlobStorage) *UploadHandler {
	return &UploadHandler{blobs: blobs}
}

// Upload accepts a multipart image and returns {"url": ...}.
func (h *UploadHandler) Upload(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	contentType := file.Header.Get("Content-Type")
	if _, ok := allowedUploadTypes[contentType]; !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported attachment type"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer src.Close()

	key := "attachments/" + uuid.NewString() + filepath.Ext(file.Filename)
	url, err := h.blobs.Upload(c.Request.Context(), key, src, file.Size, contentType)
	if err != nil {
		if errors.Is(err, storage.ErrUpload) {
			c.JSON(http.StatusBadGateway, gin.H{"error": "attachment upload failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attachment upload failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"url": url})
}
