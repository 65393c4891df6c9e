package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Upload
	mux.HandleFunc("/api/upload", s.app.UploadHandler.UploadHandler) // POST - create a lot from PDFs

	// API routes - Lots
	mux.HandleFunc("/api/lots", s.app.LotHandler.ListLotsHandler) // GET - list lots
	mux.HandleFunc("/api/lots/", s.handleLotRoutes)               // GET /{id}, /{id}/documents, /{id}/export/{format}

	// API routes - System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleLotRoutes routes lot-related requests to the appropriate handler
func (s *Server) handleLotRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	pathSuffix := strings.TrimPrefix(path, "/api/lots/")
	if pathSuffix == "" {
		s.app.LotHandler.ListLotsHandler(w, r)
		return
	}

	// GET /api/lots/{id}/export/{format}
	if strings.Contains(pathSuffix, "/export/") {
		s.app.LotHandler.ExportHandler(w, r)
		return
	}

	// GET /api/lots/{id}/documents
	if strings.HasSuffix(pathSuffix, "/documents") {
		s.app.LotHandler.DocumentsHandler(w, r)
		return
	}

	// GET /api/lots/{id}
	if !strings.Contains(pathSuffix, "/") {
		s.app.LotHandler.StatusHandler(w, r)
		return
	}

	http.Error(w, "Not found", http.StatusNotFound)
}
