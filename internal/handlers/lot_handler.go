package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
	"github.com/ternarybob/lectern/internal/services/export"
)

// LotHandler serves lot status, page listings, and result exports.
type LotHandler struct {
	lots    interfaces.LotStorage
	sources interfaces.SourceStorage
	pages   interfaces.PageStorage
	export  *export.Service
	logger  arbor.ILogger
}

func NewLotHandler(lots interfaces.LotStorage, sources interfaces.SourceStorage, pages interfaces.PageStorage, exportService *export.Service, logger arbor.ILogger) *LotHandler {
	return &LotHandler{
		lots:    lots,
		sources: sources,
		pages:   pages,
		export:  exportService,
		logger:  logger,
	}
}

// lotIDFromPath extracts the lot id from /api/lots/{id}[/...].
func lotIDFromPath(path string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, "/api/lots/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx], trimmed[idx+1:]
	}
	return trimmed, ""
}

// ListLotsHandler handles GET /api/lots
func (h *LotHandler) ListLotsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	lots, err := h.lots.ListLots()
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list lots")
		WriteError(w, http.StatusInternalServerError, "failed to list lots")
		return
	}

	summaries := make([]map[string]interface{}, 0, len(lots))
	for _, lot := range lots {
		summaries = append(summaries, map[string]interface{}{
			"id":          lot.ID,
			"status":      lot.Status,
			"total_pages": lot.TotalPages,
			"created_at":  lot.CreatedAt,
			"updated_at":  lot.UpdatedAt,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"lots":  summaries,
		"count": len(summaries),
	})
}

// StatusHandler handles GET /api/lots/{id}. Returns the lot with its
// aggregate page counts and per-source summaries.
func (h *LotHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	lotID, _ := lotIDFromPath(r.URL.Path)
	lot, err := h.lots.GetLot(lotID)
	if err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("lot %s not found", lotID))
		return
	}

	counts, err := h.pages.CountByStatus(lotID)
	if err != nil {
		h.logger.Error().Err(err).Str("lot_id", lotID).Msg("Failed to count pages")
		WriteError(w, http.StatusInternalServerError, "failed to count pages")
		return
	}

	sources, err := h.sources.GetSourcesByLot(lotID)
	if err != nil {
		h.logger.Error().Err(err).Str("lot_id", lotID).Msg("Failed to load source documents")
		WriteError(w, http.StatusInternalServerError, "failed to load source documents")
		return
	}
	sourceSummaries := make([]map[string]interface{}, 0, len(sources))
	for _, src := range sources {
		sourceSummaries = append(sourceSummaries, map[string]interface{}{
			"id":         src.ID,
			"filename":   src.OriginalFilename,
			"page_count": src.PageCount,
			"file_size":  src.FileSize,
		})
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"lot":     lot,
		"counts":  counts,
		"sources": sourceSummaries,
	})
}

// DocumentsHandler handles GET /api/lots/{id}/documents with pagination.
func (h *LotHandler) DocumentsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	lotID, _ := lotIDFromPath(r.URL.Path)
	if _, err := h.lots.GetLot(lotID); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("lot %s not found", lotID))
		return
	}

	page, pageSize := GetPaginationParams(r)
	pages, total, err := h.pages.GetPagesByLotPaginated(lotID, page, pageSize)
	if err != nil {
		h.logger.Error().Err(err).Str("lot_id", lotID).Msg("Failed to load pages")
		WriteError(w, http.StatusInternalServerError, "failed to load pages")
		return
	}

	docs := make([]map[string]interface{}, 0, len(pages))
	for _, p := range pages {
		doc := map[string]interface{}{
			"id":             p.ID,
			"source_id":      p.SourceID,
			"page_number":    p.PageNumber,
			"status":         p.Status,
			"classification": p.Classification,
			"model":          p.AssignedModel,
			"confidence":     p.Confidence,
		}
		if p.Status == models.PageStatusExtracted {
			doc["extracted_data"] = p.ExtractedData
			doc["field_confidences"] = p.FieldConfidences
		}
		if p.ErrorMessage != "" {
			doc["error"] = p.ErrorMessage
		}
		docs = append(docs, doc)
	}

	totalPages := (total + pageSize - 1) / pageSize
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"documents": docs,
		"pagination": PaginationResponse{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: total,
			TotalPages: totalPages,
		},
	})
}

// ExportHandler handles GET /api/lots/{id}/export/{format}.
func (h *LotHandler) ExportHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, "GET") {
		return
	}

	lotID, rest := lotIDFromPath(r.URL.Path)
	formatStr := strings.TrimPrefix(rest, "export/")
	format, err := export.ParseFormat(formatStr)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := h.lots.GetLot(lotID); err != nil {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("lot %s not found", lotID))
		return
	}

	data, err := h.export.Export(lotID, format)
	if err != nil {
		h.logger.Error().Err(err).Str("lot_id", lotID).Str("format", formatStr).Msg("Export failed")
		WriteError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.%s", lotID, formatStr))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
