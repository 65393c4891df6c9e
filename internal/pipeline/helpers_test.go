package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/lectern/internal/common"
	"github.com/ternarybob/lectern/internal/interfaces"
	"github.com/ternarybob/lectern/internal/models"
)

// memLots is an in-memory LotStorage for pipeline tests.
type memLots struct {
	mu   sync.Mutex
	lots map[string]*models.Lot
	seq  int
}

func newMemLots() *memLots {
	return &memLots{lots: make(map[string]*models.Lot)}
}

func (m *memLots) CreateLot(totalPages int) (*models.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	lot := &models.Lot{
		ID:         fmt.Sprintf("lot_%d", m.seq),
		TotalPages: totalPages,
		Status:     models.LotStatusUploading,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	m.lots[lot.ID] = lot
	return lot, nil
}

func (m *memLots) GetLot(id string) (*models.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	if !ok {
		return nil, fmt.Errorf("lot not found: %s", id)
	}
	cp := *lot
	return &cp, nil
}

func (m *memLots) ListLots() ([]*models.Lot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Lot, 0, len(m.lots))
	for _, lot := range m.lots {
		cp := *lot
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memLots) UpdateLotStatus(id string, status models.LotStatus, processedIDs, failedIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	if !ok {
		return fmt.Errorf("lot not found: %s", id)
	}
	lot.Status = status
	if processedIDs != nil {
		lot.ProcessedIDs = processedIDs
	}
	if failedIDs != nil {
		lot.FailedIDs = failedIDs
	}
	lot.UpdatedAt = time.Now()
	return nil
}

func (m *memLots) SetLotStatus(id string, expect, next models.LotStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lot, ok := m.lots[id]
	if !ok {
		return false, fmt.Errorf("lot not found: %s", id)
	}
	if lot.Status != expect {
		return false, nil
	}
	lot.Status = next
	lot.UpdatedAt = time.Now()
	return true, nil
}

// memPages is an in-memory PageStorage enforcing the same forward-only
// transitions as the real store.
type memPages struct {
	mu    sync.Mutex
	pages map[string]*models.PageDocument
	order []string
}

func newMemPages() *memPages {
	return &memPages{pages: make(map[string]*models.PageDocument)}
}

func (m *memPages) CreatePage(page *models.PageDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.Status == "" {
		page.Status = models.PageStatusPending
	}
	cp := *page
	m.pages[page.ID] = &cp
	m.order = append(m.order, page.ID)
	return nil
}

func (m *memPages) GetPage(id string) (*models.PageDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[id]
	if !ok {
		return nil, fmt.Errorf("page document not found: %s", id)
	}
	cp := *page
	return &cp, nil
}

func (m *memPages) GetPages(ids []string) ([]*models.PageDocument, error) {
	out := make([]*models.PageDocument, 0, len(ids))
	for _, id := range ids {
		p, err := m.GetPage(id)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *memPages) GetPagesByLot(lotID string) ([]*models.PageDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.PageDocument
	for _, id := range m.order {
		if m.pages[id].LotID == lotID {
			cp := *m.pages[id]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memPages) GetPagesByLotPaginated(lotID string, page, limit int) ([]*models.PageDocument, int, error) {
	all, err := m.GetPagesByLot(lotID)
	if err != nil {
		return nil, 0, err
	}
	return all, len(all), nil
}

func (m *memPages) CountByStatus(lotID string) (models.PageCounts, error) {
	pages, err := m.GetPagesByLot(lotID)
	if err != nil {
		return models.PageCounts{}, err
	}
	counts := models.PageCounts{Total: len(pages)}
	for _, p := range pages {
		switch p.Status {
		case models.PageStatusPending:
			counts.Pending++
		case models.PageStatusClassified:
			counts.Classified++
		case models.PageStatusExtracted:
			counts.Extracted++
		case models.PageStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (m *memPages) UpdatePageClassification(pageID string, result models.ClassificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("page document not found: %s", pageID)
	}
	if !page.Status.CanTransitionTo(models.PageStatusClassified) {
		return fmt.Errorf("page %s in status %s: %w", pageID, page.Status, models.ErrPageSettled)
	}
	page.Status = models.PageStatusClassified
	page.Classification = result.Category
	page.Confidence = result.Confidence
	page.AssignedModel = result.Model
	return nil
}

func (m *memPages) UpdatePageExtraction(pageID string, result models.ExtractionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("page document not found: %s", pageID)
	}
	if !page.Status.CanTransitionTo(models.PageStatusExtracted) {
		if page.Status.IsTerminal() {
			return fmt.Errorf("page %s in status %s: %w", pageID, page.Status, models.ErrPageSettled)
		}
		return fmt.Errorf("page %s cannot be extracted in status %s", pageID, page.Status)
	}
	page.Status = models.PageStatusExtracted
	page.ExtractedData = map[string]interface{}{"fields": result.Fields}
	page.FieldConfidences = result.FieldConfidences
	return nil
}

func (m *memPages) UpdatePageStatus(pageID string, status models.PageStatus, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return fmt.Errorf("page document not found: %s", pageID)
	}
	if !page.Status.CanTransitionTo(status) {
		return nil
	}
	page.Status = status
	page.ErrorMessage = errorMessage
	return nil
}

// memObjects is an in-memory ObjectStorage.
type memObjects struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{data: make(map[string][]byte)}
}

func (m *memObjects) PutOriginal(lotID, fileHash string, data []byte) (string, error) {
	return "originals/" + lotID + "/" + fileHash + ".pdf", nil
}

func (m *memObjects) PutPage(pageID string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[pageID] = data
	return "pages/" + pageID + ".pdf", nil
}

func (m *memObjects) GetPageBytes(pageID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[pageID]
	if !ok {
		return nil, fmt.Errorf("no artifact for page %s", pageID)
	}
	return data, nil
}

// fakeGateway scripts gateway behavior per test.
type fakeGateway struct {
	mu         sync.Mutex
	onGenerate func(model, prompt string, items []interfaces.InferenceItem) (string, error)
	onSubmit   func(model, displayName, prompt string, items []interfaces.InferenceItem) (string, error)
	onGet      func(handle string) (*interfaces.BatchJob, error)
	syncCalls  []syncCall
	submits    []submitCall
	getCalls   int
}

type syncCall struct {
	model string
	ids   []string
}

type submitCall struct {
	model string
	ids   []string
}

func (f *fakeGateway) GenerateSync(ctx context.Context, model, prompt string, items []interfaces.InferenceItem) (string, error) {
	f.mu.Lock()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.PageID
	}
	f.syncCalls = append(f.syncCalls, syncCall{model: model, ids: ids})
	f.mu.Unlock()
	return f.onGenerate(model, prompt, items)
}

func (f *fakeGateway) SubmitBatch(ctx context.Context, model, displayName, prompt string, items []interfaces.InferenceItem) (string, error) {
	f.mu.Lock()
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.PageID
	}
	f.submits = append(f.submits, submitCall{model: model, ids: ids})
	f.mu.Unlock()
	return f.onSubmit(model, displayName, prompt, items)
}

func (f *fakeGateway) GetBatchJob(ctx context.Context, handle string) (*interfaces.BatchJob, error) {
	f.mu.Lock()
	f.getCalls++
	f.mu.Unlock()
	return f.onGet(handle)
}

// memQueue records enqueued messages instead of delivering them.
type memQueue struct {
	mu      sync.Mutex
	msgs    []models.QueueMessage
	delayed []models.QueueMessage
}

func (q *memQueue) Enqueue(ctx context.Context, msg models.QueueMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs = append(q.msgs, msg)
	return nil
}

func (q *memQueue) EnqueueDelayed(ctx context.Context, msg models.QueueMessage, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed = append(q.delayed, msg)
	return nil
}

func (q *memQueue) all() []models.QueueMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueMessage, 0, len(q.msgs)+len(q.delayed))
	out = append(out, q.msgs...)
	out = append(out, q.delayed...)
	return out
}

// env bundles a fully wired pipeline over in-memory collaborators.
type env struct {
	lots       *memLots
	pages      *memPages
	objects    *memObjects
	gateway    *fakeGateway
	classifyQ  *memQueue
	extractQ   *memQueue
	batchQ     *memQueue
	config     *common.Config
	controller *Controller
	classifier *Classifier
	extractor  *Extractor
	coord      *BatchCoordinator
}

func newEnv() *env {
	config := common.NewDefaultConfig()
	logger := arbor.NewLogger()

	e := &env{
		lots:      newMemLots(),
		pages:     newMemPages(),
		objects:   newMemObjects(),
		gateway:   &fakeGateway{},
		classifyQ: &memQueue{},
		extractQ:  &memQueue{},
		batchQ:    &memQueue{},
		config:    config,
	}

	e.controller = NewController(e.lots, e.pages, e.classifyQ, e.extractQ, e.batchQ, config, logger)
	e.classifier = NewClassifier(e.pages, e.objects, e.gateway, config, logger)
	e.extractor = NewExtractor(e.pages, e.objects, e.gateway, config, logger)
	coord, err := NewBatchCoordinator(e.pages, e.objects, e.gateway, e.controller, e.batchQ, config, logger)
	if err != nil {
		panic(err)
	}
	e.coord = coord
	return e
}

// seedLot creates a lot with n pending pages and stored artifacts.
func (e *env) seedLot(n int) (*models.Lot, []string) {
	lot, _ := e.lots.CreateLot(n)
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s_page_%d", lot.ID, i+1)
		ids[i] = id
		e.pages.CreatePage(&models.PageDocument{
			ID:          id,
			LotID:       lot.ID,
			SourceID:    "src_1",
			PageNumber:  i + 1,
			StoragePath: "pages/" + id + ".pdf",
			Status:      models.PageStatusPending,
		})
		e.objects.PutPage(id, []byte("%PDF-1.4 test page"))
	}
	return lot, ids
}

// classifyAll marks every page classified with the given category, bypassing
// the model.
func (e *env) classifyAll(ids []string, category models.PageCategory, model string) {
	for _, id := range ids {
		e.pages.UpdatePageClassification(id, models.ClassificationResult{
			Category:   category,
			Confidence: 0.9,
			Model:      model,
		})
	}
}

// classificationResponse renders a valid model response for the given pages.
func classificationResponse(ids []string, category string) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"documentId":%q,"classification":%q,"confidence":0.9}`, id, category)
	}
	return out + "]"
}

// extractionResponse renders a valid extraction response for the given pages.
func extractionResponse(ids []string) string {
	out := "["
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"documentId":%q,"fields":{"name":"value %d"},"tables":[],"metadata":{"document_type":"form"},"confidence":0.85,"field_confidences":{"name":0.85}}`, id, i)
	}
	return out + "]"
}
