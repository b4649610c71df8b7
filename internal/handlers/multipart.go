package handlers

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"

	"permagate/internal/bundler"
	"permagate/internal/config"
	"permagate/internal/db"
	"permagate/internal/objectstore"
)

// MultipartHandler handles chunked upload endpoints
type MultipartHandler struct {
	config *config.Config
	db     *db.DB
	store  objectstore.Store
	engine *bundler.Engine
	log    *slog.Logger
}

// NewMultipartHandler creates a new multipart handler
func NewMultipartHandler(cfg *config.Config, database *db.DB, store objectstore.Store, engine *bundler.Engine, log *slog.Logger) *MultipartHandler {
	return &MultipartHandler{
		config: cfg,
		db:     database,
		store:  store,
		engine: engine,
		log:    log,
	}
}

// CreateMultipartRequest asks for a new chunked upload.
type CreateMultipartRequest struct {
	ChunkSize    int64 `json:"chunkSize,omitempty"`
	DataItemSize int64 `json:"dataItemSize,omitempty"`
}

// CreateMultipartResponse identifies the created upload.
type CreateMultipartResponse struct {
	UploadID      uuid.UUID `json:"uploadId"`
	ChunkSize     int64     `json:"chunkSize"`
	FinalizeToken string    `json:"finalizeToken"`
	ExpiresAt     time.Time `json:"expiresAt"`
}

// UploadPartResponse acknowledges one stored part.
type UploadPartResponse struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
	Size       int64  `json:"size"`
}

// FinalizeAcceptedResponse reports an enqueued finalization.
type FinalizeAcceptedResponse struct {
	UploadID uuid.UUID          `json:"uploadId"`
	Status   db.MultipartStatus `json:"status"`
}

// RegisterRoutes registers multipart routes. These carry the literal
// "multipart" segment under /v1/tx and must be registered before the
// token-parameter upload route.
func (h *MultipartHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/v1/tx/multipart", h.CreateUpload)
	app.Put("/v1/tx/multipart/:uploadId/:partNumber", h.UploadPart)
	app.Post("/v1/tx/multipart/:uploadId/finalize/:token", h.Finalize)
	app.Get("/v1/tx/multipart/:uploadId/status", h.Status)
}

// CreateUpload starts a chunked upload
// @Summary Create a multipart upload
// @Description Creates a chunked upload session. Parts are uploaded individually and assembled into a single data item on finalize.
// @Tags multipart
// @Accept json
// @Produce json
// @Param request body CreateMultipartRequest false "Upload parameters"
// @Success 200 {object} CreateMultipartResponse
// @Failure 400 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Router /v1/tx/multipart [post]
func (h *MultipartHandler) CreateUpload(c fiber.Ctx) error {
	var req CreateMultipartRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().Body(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	if req.DataItemSize > h.config.Upload.MaxDataItemSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Data item size exceeds the upload limit",
		})
	}

	chunkSize := req.ChunkSize
	if chunkSize <= 0 {
		chunkSize = h.config.Upload.MultipartChunkSize
	}
	if chunkSize < h.config.Upload.MultipartMinPartSize {
		chunkSize = h.config.Upload.MultipartMinPartSize
	}
	if chunkSize > h.config.Upload.MultipartMaxPartSize {
		chunkSize = h.config.Upload.MultipartMaxPartSize
	}

	mu := &db.MultipartUpload{
		UploadID:      uuid.New(),
		ChunkSize:     chunkSize,
		FinalizeToken: uuid.NewString(),
		ExpiresAt:     time.Now().UTC().Add(h.config.Upload.MultipartExpiry),
	}
	if req.DataItemSize > 0 {
		mu.ExpectedByteCount = &req.DataItemSize
	}
	mu.S3Key = bundler.MultipartKey(mu.UploadID)

	if err := h.db.CreateMultipartUpload(c.Context(), mu); err != nil {
		h.log.Error("failed to create multipart upload", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create upload",
		})
	}

	s3UploadID, err := h.store.CreateMultipartUpload(c.Context(), mu.S3Key, objectstore.PutOptions{})
	if err != nil {
		h.log.Error("failed to create store-side multipart upload", "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Storage unavailable",
		})
	}
	if err := h.db.SetMultipartS3Upload(c.Context(), mu.UploadID, s3UploadID); err != nil {
		h.log.Error("failed to record store upload id", "upload_id", mu.UploadID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create upload",
		})
	}

	return c.JSON(CreateMultipartResponse{
		UploadID:      mu.UploadID,
		ChunkSize:     mu.ChunkSize,
		FinalizeToken: mu.FinalizeToken,
		ExpiresAt:     mu.ExpiresAt,
	})
}

// UploadPart stores one part of a chunked upload
// @Summary Upload one part
// @Description Streams one part of a multipart upload to the object store. Re-uploading a part number replaces the part.
// @Tags multipart
// @Accept octet-stream
// @Produce json
// @Param uploadId path string true "Upload id"
// @Param partNumber path int true "Part number, starting at 1"
// @Success 200 {object} UploadPartResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Failure 413 {object} map[string]string
// @Router /v1/tx/multipart/{uploadId}/{partNumber} [put]
func (h *MultipartHandler) UploadPart(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("uploadId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid upload id",
		})
	}
	partNumber, err := strconv.Atoi(c.Params("partNumber"))
	if err != nil || partNumber < 1 || partNumber > 10_000 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Part number must be between 1 and 10000",
		})
	}

	size := declaredSize(c)
	if size < 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Content-Length is required for part uploads",
		})
	}
	if size > h.config.Upload.MultipartMaxPartSize {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": "Part exceeds the maximum part size",
		})
	}

	mu, err := h.loadUpload(c, uploadID)
	if mu == nil {
		return err
	}
	if mu.Status != db.MultipartStatusCreated {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Upload is " + string(mu.Status) + ", parts can no longer be added",
		})
	}
	if mu.S3UploadID == nil {
		h.log.Error("multipart upload has no store upload id", "upload_id", uploadID)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Upload is not ready for parts",
		})
	}

	etag, err := h.store.UploadPart(c.Context(), mu.S3Key, *mu.S3UploadID, int32(partNumber), requestBody(c), size)
	if err != nil {
		h.log.Error("failed to store part", "upload_id", uploadID, "part", partNumber, "error", err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Storage unavailable",
		})
	}

	part := db.MultipartPart{PartNumber: partNumber, ETag: etag, Size: size}
	if err := h.db.RecordMultipartPart(c.Context(), uploadID, part); err != nil {
		h.log.Error("failed to record part", "upload_id", uploadID, "part", partNumber, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record part",
		})
	}

	return c.JSON(UploadPartResponse{PartNumber: partNumber, ETag: etag, Size: size})
}

// Finalize assembles the parts into a data item
// @Summary Finalize a multipart upload
// @Description Claims the upload for finalization and enqueues the assembly job. The result is served by the status endpoint once the worker completes.
// @Tags multipart
// @Produce json
// @Param uploadId path string true "Upload id"
// @Param token path string true "Finalize token from upload creation"
// @Success 200 {object} arweave.Receipt "Already finalized; the stored receipt"
// @Success 202 {object} FinalizeAcceptedResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /v1/tx/multipart/{uploadId}/finalize/{token} [post]
func (h *MultipartHandler) Finalize(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("uploadId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid upload id",
		})
	}

	mu, err := h.loadUpload(c, uploadID)
	if mu == nil {
		return err
	}
	if mu.FinalizeToken != c.Params("token") {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid finalize token",
		})
	}

	switch mu.Status {
	case db.MultipartStatusFinalized:
		return c.JSON(mu.Receipt)
	case db.MultipartStatusFailed:
		reason := "upload failed"
		if mu.FailedReason != nil {
			reason = *mu.FailedReason
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": reason})
	case db.MultipartStatusFinalizing:
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Finalize already in progress",
		})
	}

	if _, err := h.db.StartMultipartFinalize(c.Context(), uploadID, mu.FinalizeToken); err != nil {
		if errors.Is(err, db.ErrMultipartConflict) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "Finalize already in progress",
			})
		}
		if errors.Is(err, db.ErrMultipartNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Upload not found",
			})
		}
		h.log.Error("failed to claim finalize", "upload_id", uploadID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start finalize",
		})
	}

	if err := h.engine.EnqueueFinalizeUpload(c.Context(), uploadID); err != nil {
		h.log.Error("failed to enqueue finalize", "upload_id", uploadID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to start finalize",
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(FinalizeAcceptedResponse{
		UploadID: uploadID,
		Status:   db.MultipartStatusFinalizing,
	})
}

// Status reports the upload's progress and, once finalized, its receipt
// @Summary Multipart upload status
// @Description Returns the upload state. Finalization is asynchronous; clients poll here for the receipt.
// @Tags multipart
// @Produce json
// @Param uploadId path string true "Upload id"
// @Success 200 {object} db.MultipartUpload
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /v1/tx/multipart/{uploadId}/status [get]
func (h *MultipartHandler) Status(c fiber.Ctx) error {
	uploadID, err := uuid.Parse(c.Params("uploadId"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid upload id",
		})
	}

	mu, err := h.loadUpload(c, uploadID)
	if mu == nil {
		return err
	}
	return c.JSON(mu)
}

// loadUpload fetches the upload row, writing the error response itself
// when the upload is unusable. A nil upload means the response is done.
func (h *MultipartHandler) loadUpload(c fiber.Ctx, uploadID uuid.UUID) (*db.MultipartUpload, error) {
	mu, err := h.db.GetMultipartUpload(c.Context(), uploadID)
	if err != nil {
		if errors.Is(err, db.ErrMultipartNotFound) {
			return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "Upload not found",
			})
		}
		h.log.Error("failed to load multipart upload", "upload_id", uploadID, "error", err)
		return nil, c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load upload",
		})
	}
	if mu.Status == db.MultipartStatusCreated && time.Now().After(mu.ExpiresAt) {
		return nil, c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Upload expired",
		})
	}
	return mu, nil
}
