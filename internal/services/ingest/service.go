// -----------------------------------------------------------------------
// Ingest Service - Split uploaded PDFs into per-page documents
// Uses pdfcpu for Go-native PDF processing
// -----------------------------------------------------------------------

package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

// Dispatcher starts pipeline work for a freshly ingested lot.
type Dispatcher interface {
	OnLotUploaded(ctx context.Context, lotID string) error
}

// Upload is one file in an upload request.
type Upload struct {
	Filename string
	Data     []byte
}

// Service turns uploaded PDFs into a lot with per-page documents: each file
// is split into single-page PDFs, stored, and registered as pending work.
type Service struct {
	lots       interfaces.LotStorage
	sources    interfaces.SourceStorage
	pages      interfaces.PageStorage
	objects    interfaces.ObjectStorage
	dispatcher Dispatcher
	logger     arbor.ILogger
	tempDir    string
}

// NewService creates a new ingest service
func NewService(lots interfaces.LotStorage, sources interfaces.SourceStorage, pages interfaces.PageStorage, objects interfaces.ObjectStorage, dispatcher Dispatcher, logger arbor.ILogger) *Service {
	tempDir := filepath.Join(os.TempDir(), "lectern-ingest")
	os.MkdirAll(tempDir, 0755)

	return &Service{
		lots:       lots,
		sources:    sources,
		pages:      pages,
		objects:    objects,
		dispatcher: dispatcher,
		logger:     logger,
		tempDir:    tempDir,
	}
}

type splitSource struct {
	upload    Upload
	hash      string
	pageFiles []string // single-page PDFs in page order
}

// IngestLot creates one lot from the uploaded files and hands it to the
// pipeline. Every page is persisted as pending before dispatch so aggregate
// counts are complete from the first completion check.
func (s *Service) IngestLot(ctx context.Context, uploads []Upload) (*models.Lot, error) {
	if len(uploads) == 0 {
		return nil, fmt.Errorf("no files to ingest")
	}

	// Split everything first so the lot is created with its final page count.
	var splits []splitSource
	totalPages := 0
	for _, upload := range uploads {
		pageFiles, err := s.splitPDF(upload.Filename, upload.Data)
		if err != nil {
			s.cleanupSplits(splits)
			return nil, fmt.Errorf("failed to split %s: %w", upload.Filename, err)
		}

		hash := sha256.Sum256(upload.Data)
		splits = append(splits, splitSource{
			upload:    upload,
			hash:      hex.EncodeToString(hash[:]),
			pageFiles: pageFiles,
		})
		totalPages += len(pageFiles)
	}
	defer s.cleanupSplits(splits)

	lot, err := s.lots.CreateLot(totalPages)
	if err != nil {
		return nil, fmt.Errorf("failed to create lot: %w", err)
	}

	for _, split := range splits {
		if err := s.registerSource(lot.ID, split.upload, split.hash, split.pageFiles); err != nil {
			return nil, err
		}
	}

	s.logger.Info().
		Str("lot_id", lot.ID).
		Int("files", len(uploads)).
		Int("pages", totalPages).
		Msg("Lot ingested")

	if err := s.dispatcher.OnLotUploaded(ctx, lot.ID); err != nil {
		return nil, fmt.Errorf("failed to dispatch lot %s: %w", lot.ID, err)
	}

	return lot, nil
}

func (s *Service) cleanupSplits(splits []splitSource) {
	for _, split := range splits {
		for _, f := range split.pageFiles {
			os.Remove(f)
		}
		if len(split.pageFiles) > 0 {
			os.Remove(filepath.Dir(split.pageFiles[0]))
		}
	}
}

// splitPDF writes the upload to a temp file and splits it into single-page
// PDFs. Returns the page file paths in page order.
func (s *Service) splitPDF(filename string, data []byte) ([]string, error) {
	tmp, err := os.CreateTemp(s.tempDir, "upload_*.pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp PDF file: %w", err)
	}
	tempFile := tmp.Name()
	defer os.Remove(tempFile)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("failed to write temp PDF file: %w", err)
	}
	tmp.Close()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadContextFile(tempFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF context: %w", err)
	}
	pageCount := pdfCtx.PageCount
	if pageCount == 0 {
		return nil, fmt.Errorf("document %s has no pages", filename)
	}

	outDir, err := os.MkdirTemp(s.tempDir, "pages_")
	if err != nil {
		return nil, fmt.Errorf("failed to create split directory: %w", err)
	}

	if err := api.SplitFile(tempFile, outDir, 1, conf); err != nil {
		os.RemoveAll(outDir)
		return nil, fmt.Errorf("failed to split PDF: %w", err)
	}

	// pdfcpu names split output <base>_<page>.pdf
	base := strings.TrimSuffix(filepath.Base(tempFile), ".pdf")
	pageFiles := make([]string, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		pageFile := filepath.Join(outDir, fmt.Sprintf("%s_%d.pdf", base, pageNum))
		if _, err := os.Stat(pageFile); err != nil {
			os.RemoveAll(outDir)
			return nil, fmt.Errorf("split output missing page %d of %s: %w", pageNum, filename, err)
		}
		pageFiles = append(pageFiles, pageFile)
	}

	return pageFiles, nil
}

// registerSource persists the original file, its page artifacts, and their
// page documents.
func (s *Service) registerSource(lotID string, upload Upload, hash string, pageFiles []string) error {
	storagePath, err := s.objects.PutOriginal(lotID, hash, upload.Data)
	if err != nil {
		return fmt.Errorf("failed to store original %s: %w", upload.Filename, err)
	}

	src := &models.SourceDocument{
		ID:               common.NewSourceID(),
		LotID:            lotID,
		OriginalFilename: upload.Filename,
		StoragePath:      storagePath,
		FileSize:         int64(len(upload.Data)),
		FileHash:         hash,
		PageCount:        len(pageFiles),
	}
	if err := s.sources.CreateSource(src); err != nil {
		return fmt.Errorf("failed to create source document: %w", err)
	}

	for i, pageFile := range pageFiles {
		data, err := os.ReadFile(pageFile)
		if err != nil {
			return fmt.Errorf("failed to read split page %d: %w", i+1, err)
		}

		pageID := common.NewPageID()
		pagePath, err := s.objects.PutPage(pageID, data)
		if err != nil {
			return fmt.Errorf("failed to store page artifact: %w", err)
		}

		pageHash := sha256.Sum256(data)
		page := &models.PageDocument{
			ID:          pageID,
			LotID:       lotID,
			SourceID:    src.ID,
			PageNumber:  i + 1,
			StoragePath: pagePath,
			FileSize:    int64(len(data)),
			FileHash:    hex.EncodeToString(pageHash[:]),
			Status:      models.PageStatusPending,
		}
		if err := s.pages.CreatePage(page); err != nil {
			return fmt.Errorf("failed to create page document: %w", err)
		}
	}

	return nil
}
