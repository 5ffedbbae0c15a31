package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Brownie44l1/fer-tally/internal/config"
	"github.com/Brownie44l1/fer-tally/internal/emotion"
	"github.com/Brownie44l1/fer-tally/internal/normalize"
	"github.com/Brownie44l1/fer-tally/internal/pipeline"
	"github.com/Brownie44l1/fer-tally/internal/redact"
	"github.com/Brownie44l1/fer-tally/internal/session"
)

type Handler struct {
	runner   *pipeline.Runner
	renderer *redact.Renderer
	store    *session.Store
	cfg      *config.Config
	log      *zap.Logger

	inFlight sync.WaitGroup
}

func NewHandler(runner *pipeline.Runner, renderer *redact.Renderer, store *session.Store, cfg *config.Config, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		runner:   runner,
		renderer: renderer,
		store:    store,
		cfg:      cfg,
		log:      log,
	}
}

type ItemResponse struct {
	Index           int                `json:"index"`
	Filename        string             `json:"filename"`
	DominantEmotion string             `json:"dominant_emotion"`
	Scores          map[string]float64 `json:"scores"`
	Error           string             `json:"error,omitempty"`
	ImageURL        string             `json:"image_url,omitempty"`
}

type TallyResponse struct {
	Tally   map[string]int       `json:"tally"`
	Entries []emotion.TallyEntry `json:"entries"`
}

type BatchResponse struct {
	SessionID  string         `json:"session_id"`
	GridWidth  int            `json:"grid_width"`
	BlurRadius float64        `json:"blur_radius"`
	Items      []ItemResponse `json:"items"`
	TallyResponse
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *Handler) Labels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"labels":     emotion.Labels,
		"undetected": emotion.Undetected,
	})
}

// Analyze runs one batch over the uploaded files and opens a session for it.
// Files that cannot be decoded still get an item with the sentinel label.
func (h *Handler) Analyze(c *gin.Context) {
	h.inFlight.Add(1)
	defer h.inFlight.Done()

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.cfg.App.MaxUploadSize)

	form, err := c.MultipartForm()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Request exceeds %d bytes", h.cfg.App.MaxUploadSize)})
			return
		}
		h.log.Warn("Failed to parse multipart form", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to parse form"})
		return
	}

	files := form.File["files"]
	if len(files) == 0 {
		files = form.File["image"]
	}
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No image files provided. Use 'files' as the form field name"})
		return
	}
	if len(files) > h.cfg.App.MaxFiles {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Too many files: %d, limit is %d", len(files), h.cfg.App.MaxFiles)})
		return
	}

	uploads := make([]normalize.Upload, 0, len(files))
	supported := 0
	for _, fh := range files {
		up, err := readUpload(fh)
		if err != nil {
			h.log.Error("Failed to read file", zap.String("filename", fh.Filename), zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read file " + fh.Filename})
			return
		}
		if normalize.CheckType(up) == nil {
			supported++
		}
		uploads = append(uploads, up)
	}
	if supported == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image format. Supported: JPEG, PNG"})
		return
	}

	batch := h.runner.Run(c.Request.Context(), uploads)
	h.store.Set(batch.ID, batch)

	h.log.Info("Session created",
		zap.String("session_id", batch.ID),
		zap.Int("files", batch.Len()))

	c.JSON(http.StatusOK, h.batchResponse(batch))
}

// Wait blocks until every batch started by Analyze has been stored. Call
// it after the HTTP server has stopped accepting requests and before the
// runner or store is released.
func (h *Handler) Wait() {
	h.inFlight.Wait()
}

func readUpload(fh *multipart.FileHeader) (normalize.Upload, error) {
	f, err := fh.Open()
	if err != nil {
		return normalize.Upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return normalize.Upload{}, err
	}
	return normalize.Upload{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

func (h *Handler) Session(c *gin.Context) {
	batch, ok := h.batch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.batchResponse(batch))
}

func (h *Handler) Tally(c *gin.Context) {
	batch, ok := h.batch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, tallyResponse(batch))
}

// Image serves the blurred display derivative of one item. The
// unblurred pixels are never sent back.
func (h *Handler) Image(c *gin.Context) {
	batch, ok := h.batch(c)
	if !ok {
		return
	}

	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 || index >= batch.Len() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	img := batch.Images[index]
	if img == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image could not be decoded"})
		return
	}

	data, err := h.renderer.Render(img, h.cfg.Display.Format, h.cfg.Display.Quality)
	if err != nil {
		h.log.Error("Failed to render image",
			zap.String("session_id", batch.ID),
			zap.Int("index", index),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to render image"})
		return
	}

	c.Data(http.StatusOK, redact.ContentType(h.cfg.Display.Format), data)
}

func (h *Handler) DeleteSession(c *gin.Context) {
	id := c.Param("id")
	deleted, err := h.store.Delete(id)
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if err != nil {
		h.log.Warn("Failed to remove transient files", zap.String("session_id", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"message": "Session deleted"})
}

func (h *Handler) batch(c *gin.Context) (*pipeline.Batch, bool) {
	batch, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return nil, false
	}
	return batch, true
}

func (h *Handler) batchResponse(b *pipeline.Batch) BatchResponse {
	items := make([]ItemResponse, b.Len())
	for i, item := range b.Items {
		res := b.Results[i]
		items[i] = ItemResponse{
			Index:           i,
			Filename:        item.Filename,
			DominantEmotion: res.Dominant,
			Scores:          res.Scores,
		}
		if b.Errors[i] != nil {
			items[i].Error = b.Errors[i].Error()
		}
		if b.Images[i] != nil {
			items[i].ImageURL = fmt.Sprintf("/api/sessions/%s/images/%d", b.ID, i)
		}
	}

	return BatchResponse{
		SessionID:     b.ID,
		GridWidth:     h.cfg.Pipeline.GridWidth,
		BlurRadius:    h.renderer.Radius,
		Items:         items,
		TallyResponse: tallyResponse(b),
	}
}

func tallyResponse(b *pipeline.Batch) TallyResponse {
	counts := b.Tally()
	return TallyResponse{Tally: counts, Entries: emotion.Entries(counts)}
}
