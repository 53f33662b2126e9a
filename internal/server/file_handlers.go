// file_handlers.go - Upload protocol, listing and download endpoints.
package server

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"dcss-portal/internal/apperr"
	"dcss-portal/internal/auth"
	"dcss-portal/internal/logging"
	"dcss-portal/internal/upload"
)

const (
	headerChunkIndex  = "X-Chunk-Index"
	headerTotalChunks = "X-Total-Chunks"
)

type beginUploadRequest struct {
	Name        string `json:"name" binding:"required"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size" binding:"required"`
}

type beginUploadResponse struct {
	FileID   string `json:"file_id"`
	UploadID string `json:"upload_id"`
}

type partResponse struct {
	FileID   string `json:"file_id"`
	Complete bool   `json:"complete"`
	Received int    `json:"received"`
	Total    int    `json:"total"`
}

type fileResponse struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ContentType string     `json:"content_type"`
	Size        int64      `json:"size"`
	Checksum    string     `json:"checksum,omitempty"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func toFileResponse(f upload.File) fileResponse {
	size := f.Size
	if f.Status != upload.FileComplete {
		size = f.DeclaredSize
	}
	return fileResponse{
		ID:          f.ID,
		Name:        f.Name,
		ContentType: f.ContentType,
		Size:        size,
		Checksum:    f.Checksum,
		Status:      string(f.Status),
		CreatedAt:   f.CreatedAt,
		CompletedAt: f.CompletedAt,
	}
}

func (s *Server) handleBeginUpload(c *gin.Context) {
	p, ok := s.principal(c)
	if !ok {
		return
	}
	var req beginUploadRequest
	if !bindJSON(c, &req) {
		return
	}
	begun, err := s.deps.Uploads.BeginUpload(c.Request.Context(), p.UserID, req.Name, req.ContentType, req.Size)
	if err != nil {
		writeError(c, err)
		return
	}
	s.metrics.RecordUploadBegun()
	c.JSON(http.StatusCreated, beginUploadResponse{FileID: begun.FileID, UploadID: begun.SessionID})
}

// handleUploadPart accepts one part. Headers default to a single-part upload.
func (s *Server) handleUploadPart(c *gin.Context) {
	p, ok := s.principal(c)
	if !ok {
		return
	}

	index, err := headerInt(c, headerChunkIndex, 0)
	if err != nil {
		writeError(c, err)
		return
	}
	total, err := headerInt(c, headerTotalChunks, 1)
	if err != nil {
		writeError(c, err)
		return
	}

	data, err := s.readPart(c)
	if err != nil {
		writeError(c, err)
		return
	}

	res, err := s.deps.Uploads.ReceivePart(c.Request.Context(), p.UserID, c.Param("id"), index, total, data)
	if err != nil {
		s.metrics.RecordUploadError()
		writeError(c, err)
		return
	}

	body := partResponse{FileID: res.FileID, Complete: res.Complete, Received: res.Received, Total: res.Total}
	if !res.Complete {
		c.JSON(http.StatusAccepted, body)
		return
	}

	s.metrics.RecordUploadComplete(res.Size)
	s.deps.Accounts.Record(c.Request.Context(), p.UserID, auth.ActionUploadComplete, fmt.Sprintf("file %s (%d bytes)", res.FileID, res.Size))
	c.JSON(http.StatusOK, body)
}

// readPart reads at most MaxPartBytes; one extra byte detects oversize bodies.
func (s *Server) readPart(c *gin.Context) ([]byte, error) {
	r := io.Reader(c.Request.Body)
	if s.cfg.MaxPartBytes > 0 {
		r = io.LimitReader(r, s.cfg.MaxPartBytes+1)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, apperr.Wrap(apperr.Validation, "could not read part body", err)
	}
	if s.cfg.MaxPartBytes > 0 && int64(buf.Len()) > s.cfg.MaxPartBytes {
		return nil, apperr.New(apperr.Validation, fmt.Sprintf("part exceeds %d bytes", s.cfg.MaxPartBytes))
	}
	return buf.Bytes(), nil
}

func headerInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.GetHeader(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.New(apperr.Validation, name+" must be an integer")
	}
	return n, nil
}

func (s *Server) handleListFiles(c *gin.Context) {
	p, ok := s.principal(c)
	if !ok {
		return
	}
	files, err := s.deps.Uploads.List(c.Request.Context(), p.UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]fileResponse, 0, len(files))
	for _, f := range files {
		out = append(out, toFileResponse(f))
	}
	c.JSON(http.StatusOK, gin.H{"files": out})
}

// handleDownload streams a complete file owned by the caller.
func (s *Server) handleDownload(c *gin.Context) {
	p, ok := s.principal(c)
	if !ok {
		return
	}
	f, rc, err := s.deps.Uploads.Open(c.Request.Context(), p.UserID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	s.metrics.RecordDownload()
	h := c.Writer.Header()
	h.Set("Content-Type", f.ContentType)
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": f.Name}))
	if f.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(f.Size, 10))
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, rc); err != nil {
		logging.Warn("download_interrupted", map[string]any{
			"request_id": requestIDFrom(c),
			"file_id":    f.ID,
			"error":      err.Error(),
		})
	}
}
