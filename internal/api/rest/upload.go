package rest

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-perimeter/internal/api/middleware"
	"github.com/kubilitics/kubilitics-perimeter/internal/ratelimit"
	"github.com/kubilitics/kubilitics-perimeter/internal/upload"
)

const (
	uploadFormField = "file"
	multipartMemory = 32 << 20
	multipartSlack  = 1 << 20 // boundaries and other form fields
)

// UploadHandler serves POST /uploads.
type UploadHandler struct {
	service *upload.Service
	logger  *zap.Logger
}

func NewUploadHandler(svc *upload.Service, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{service: svc, logger: logger.Named("upload-api")}
}

func (h *UploadHandler) RegisterRoutes(router *mux.Router) {
	limit := h.service.Validator().MaxSize() + multipartSlack
	router.Handle("/uploads", middleware.MaxBodySize(limit)(http.HandlerFunc(h.Upload))).Methods(http.MethodPost)
}

// Upload accepts one multipart file in the "file" field. The user is taken
// from X-User-ID or the "userId" form field.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			respondError(w, r, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "Upload exceeds the maximum allowed size")
			return
		}
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Expected a multipart/form-data body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(uploadFormField)
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Missing form field \"file\"")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, h.service.Validator().MaxSize()+1))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "Could not read uploaded file")
		return
	}

	userID := r.Header.Get(middleware.UserIDHeader)
	if userID == "" {
		userID = r.FormValue("userId")
	}
	out, err := h.service.Upload(r.Context(), upload.Request{
		File: upload.File{
			Name:    header.Filename,
			Size:    header.Size,
			Type:    header.Header.Get("Content-Type"),
			Content: content,
		},
		UserID: userID,
		IP:     ratelimit.ClientIdentifier(r.Header),
	})
	if err != nil {
		h.logger.Error("upload storage failed", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "Upload could not be stored")
		return
	}
	if !out.Success {
		respondJSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	respondJSON(w, http.StatusCreated, out)
}
