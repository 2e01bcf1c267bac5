package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/Brownie44l1/caption-api/internal/errs"
	"github.com/Brownie44l1/caption-api/internal/logging"
	"github.com/Brownie44l1/caption-api/internal/preprocess"
)

// UploadFields are the multipart field names accepted for the image, in
// order of preference.
var UploadFields = []string{"file", "image"}

const DefaultMaxUploadBytes = 10 << 20

// Captioner is the inference service as seen by the HTTP layer.
type Captioner interface {
	Caption(ctx context.Context, image []byte) (string, error)
	CaptionTensor(ctx context.Context, t *preprocess.Tensor) (string, error)
	ImageSize() int
}

type Config struct {
	Device         string
	VocabSize      int
	MaxUploadBytes int64
}

type Handler struct {
	svc    Captioner
	cfg    Config
	logger *zap.Logger
}

func NewHandler(svc Captioner, cfg Config, logger *zap.Logger) *Handler {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, cfg: cfg, logger: logger}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Device:    h.cfg.Device,
		VocabSize: h.cfg.VocabSize,
	})
}

// Predict captions an image uploaded as multipart form data.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(h.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", h.cfg.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "Failed to parse form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := formFile(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "No image file provided. Use 'file' as the form field name")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read uploaded file")
		return
	}

	logging.For(r.Context(), h.logger).Debug("Received file",
		zap.String("filename", header.Filename),
		zap.Int("bytes", len(data)))

	caption, err := h.svc.Caption(r.Context(), data)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CaptionResponse{Caption: caption})
}

// PredictTensor captions a tensor the client already normalized.
func (h *Handler) PredictTensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req TensorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	size := h.svc.ImageSize()
	if want := preprocess.Len(size); len(req.Tensor) != want {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", want, len(req.Tensor)))
		return
	}

	caption, err := h.svc.CaptionTensor(r.Context(), &preprocess.Tensor{Data: req.Tensor, Height: size, Width: size})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CaptionResponse{Caption: caption})
}

func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	var lastErr error
	for _, field := range UploadFields {
		file, header, err := r.FormFile(field)
		if err == nil {
			return file, header, nil
		}
		lastErr = err
	}
	return nil, nil, lastErr
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrDecode):
		writeError(w, http.StatusBadRequest, "Invalid image: "+err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "Request cancelled")
	default:
		logging.For(r.Context(), h.logger).Error("Prediction error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Prediction failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
