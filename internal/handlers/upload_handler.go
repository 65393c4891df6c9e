package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/services/ingest"
)

// maxUploadBytes caps a single upload request at 200MB.
const maxUploadBytes = 200 << 20

// UploadHandler accepts multipart PDF uploads and creates lots from them.
type UploadHandler struct {
	ingest *ingest.Service
	logger arbor.ILogger
}

func NewUploadHandler(ingestService *ingest.Service, logger arbor.ILogger) *UploadHandler {
	return &UploadHandler{
		ingest: ingestService,
		logger: logger,
	}
}

// UploadHandler handles POST /api/upload. Every file in the "files" form
// field becomes a source document of one new lot.
func (h *UploadHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "POST") {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		WriteError(w, http.StatusBadRequest, "failed to parse multipart form: "+err.Error())
		return
	}

	fileHeaders := r.MultipartForm.File["files"]
	if len(fileHeaders) == 0 {
		WriteError(w, http.StatusBadRequest, "no files provided (use form field 'files')")
		return
	}

	var uploads []ingest.Upload
	for _, fh := range fileHeaders {
		if !strings.HasSuffix(strings.ToLower(fh.Filename), ".pdf") {
			WriteError(w, http.StatusBadRequest, "only PDF files are accepted: "+fh.Filename)
			return
		}

		f, err := fh.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "failed to open uploaded file: "+err.Error())
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "failed to read uploaded file: "+err.Error())
			return
		}

		uploads = append(uploads, ingest.Upload{Filename: fh.Filename, Data: data})
	}

	lot, err := h.ingest.IngestLot(r.Context(), uploads)
	if err != nil {
		h.logger.Error().Err(err).Msg("Upload failed")
		WriteError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"lot_id":      lot.ID,
		"status":      lot.Status,
		"total_pages": lot.TotalPages,
		"files":       len(uploads),
	})
}
