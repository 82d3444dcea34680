// Package search maintains a bleve full-text index over completed
// transcripts. Indexing is asynchronous and lossy under pressure: the
// processor submits documents through a bounded queue and a full queue
// drops the document rather than stalling task processing.
package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/mozenebula/mini-asr-backend/pkg/logging"
)

// ErrDisabled is returned by Search when transcript search is turned off.
var ErrDisabled = errors.New("transcript search is disabled")

const (
	defaultQueueSize = 256
	defaultWorkers   = 2
)

// Document is one indexed transcript.
type Document struct {
	TaskID    int64     `json:"task_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Engine    string    `json:"engine"`
	Platform  string    `json:"platform"`
	CreatedAt time.Time `json:"created_at"`
}

// Hit is one search match.
type Hit struct {
	TaskID    int64   `json:"task_id"`
	Score     float64 `json:"score"`
	Text      string  `json:"text"`
	Language  string  `json:"language,omitempty"`
	Engine    string  `json:"engine,omitempty"`
	Platform  string  `json:"platform,omitempty"`
	CreatedAt string  `json:"created_at,omitempty"`
}

// ResultPage is one page of search matches.
type ResultPage struct {
	Hits   []Hit  `json:"hits"`
	Total  uint64 `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Config holds index settings.
type Config struct {
	// Enabled gates the whole feature; a disabled index drops
	// submissions and refuses queries.
	Enabled   bool
	IndexPath string
	// QueueSize bounds the async indexing queue (default 256).
	QueueSize int
	// Workers is the number of indexing goroutines (default 2).
	Workers int
}

type opKind int

const (
	opIndex opKind = iota
	opDelete
)

type request struct {
	op  opKind
	doc Document
	id  int64
}

// Index is the transcript search index. Safe for concurrent use.
type Index struct {
	indexPath string
	queueSize int
	numWork   int

	mu      sync.RWMutex
	enabled bool
	started bool
	bleve   bleve.Index

	queue   chan request
	workers sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc

	logger *logging.Logger
}

// New prepares an index handle. No files are touched until Start.
func New(cfg Config) *Index {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	numWork := cfg.Workers
	if numWork <= 0 {
		numWork = defaultWorkers
	}
	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = "./data/transcripts.bleve"
	}

	return &Index{
		indexPath: indexPath,
		queueSize: queueSize,
		numWork:   numWork,
		enabled:   cfg.Enabled,
		logger:    logging.GetGlobalLogger().WithComponent("search"),
	}
}

// Start opens (or creates) the bleve index and launches the indexing
// workers. On a disabled index Start is a no-op; SetEnabled(true) later
// performs the deferred startup.
func (ix *Index) Start() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.enabled {
		ix.logger.Info("Transcript search disabled", nil)
		return nil
	}
	return ix.startLocked()
}

func (ix *Index) startLocked() error {
	if ix.started {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(ix.indexPath), 0700); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	bi, err := openOrCreateIndex(ix.indexPath)
	if err != nil {
		return fmt.Errorf("failed to open search index: %w", err)
	}

	ix.bleve = bi
	ix.queue = make(chan request, ix.queueSize)
	ix.ctx, ix.cancel = context.WithCancel(context.Background())

	for i := 0; i < ix.numWork; i++ {
		ix.workers.Add(1)
		go ix.indexingWorker()
	}

	ix.started = true
	ix.logger.Info("Transcript search index opened", map[string]interface{}{
		"path":    ix.indexPath,
		"workers": ix.numWork,
	})
	return nil
}

// Enabled reports whether the index currently accepts work.
func (ix *Index) Enabled() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.enabled && ix.started
}

// SetEnabled toggles the feature at runtime. Enabling an index that was
// never started opens it now; disabling keeps the index open but drops
// all further submissions and refuses queries.
func (ix *Index) SetEnabled(enabled bool) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.enabled == enabled {
		return nil
	}
	ix.enabled = enabled
	ix.logger.Info("Transcript search toggled", map[string]interface{}{
		"enabled": enabled,
	})

	if enabled && !ix.started {
		return ix.startLocked()
	}
	return nil
}

// Submit queues one transcript for indexing. Never blocks: on a full
// queue or a disabled index the document is dropped.
func (ix *Index) Submit(doc Document) {
	ix.enqueue(request{op: opIndex, doc: doc, id: doc.TaskID})
}

// Remove queues the deletion of a transcript from the index. Never
// blocks; drops are logged like submission drops.
func (ix *Index) Remove(taskID int64) {
	ix.enqueue(request{op: opDelete, id: taskID})
}

func (ix *Index) enqueue(req request) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.enabled || !ix.started {
		return
	}

	select {
	case ix.queue <- req:
	default:
		ix.logger.Warn("Search queue full, dropping document", map[string]interface{}{
			"task_id": req.id,
		})
	}
}

// Search runs a full-text query over the indexed transcripts. An empty
// query matches every document. Results are relevance-ordered.
func (ix *Index) Search(q string, limit, offset int) (*ResultPage, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.enabled || !ix.started {
		return nil, ErrDisabled
	}

	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	searchRequest := bleve.NewSearchRequest(buildQuery(q))
	searchRequest.Size = limit
	searchRequest.From = offset
	searchRequest.Fields = []string{"*"}

	searchResult, err := ix.bleve.Search(searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	page := &ResultPage{
		Hits:   make([]Hit, 0, len(searchResult.Hits)),
		Total:  searchResult.Total,
		Limit:  limit,
		Offset: offset,
	}
	for _, match := range searchResult.Hits {
		hit := Hit{Score: match.Score}
		hit.TaskID, _ = strconv.ParseInt(match.ID, 10, 64)
		if v, ok := match.Fields["text"].(string); ok {
			hit.Text = v
		}
		if v, ok := match.Fields["language"].(string); ok {
			hit.Language = v
		}
		if v, ok := match.Fields["engine"].(string); ok {
			hit.Engine = v
		}
		if v, ok := match.Fields["platform"].(string); ok {
			hit.Platform = v
		}
		if v, ok := match.Fields["created_at"].(string); ok {
			hit.CreatedAt = v
		}
		page.Hits = append(page.Hits, hit)
	}
	return page, nil
}

// DocCount returns the number of indexed transcripts.
func (ix *Index) DocCount() (uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.started {
		return 0, nil
	}
	return ix.bleve.DocCount()
}

// Close drains the workers and closes the underlying index.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.started {
		return nil
	}

	ix.cancel()
	close(ix.queue)
	ix.workers.Wait()

	ix.started = false
	if err := ix.bleve.Close(); err != nil {
		return fmt.Errorf("failed to close search index: %w", err)
	}
	return nil
}

func (ix *Index) indexingWorker() {
	defer ix.workers.Done()

	for {
		select {
		case req, ok := <-ix.queue:
			if !ok {
				return
			}
			if err := ix.apply(req); err != nil {
				ix.logger.Error("Search index operation failed", map[string]interface{}{
					"task_id": req.id,
					"error":   err.Error(),
				})
			}
		case <-ix.ctx.Done():
			return
		}
	}
}

func (ix *Index) apply(req request) error {
	docID := strconv.FormatInt(req.id, 10)
	switch req.op {
	case opIndex:
		doc := map[string]interface{}{
			"task_id":    req.doc.TaskID,
			"text":       req.doc.Text,
			"language":   req.doc.Language,
			"engine":     req.doc.Engine,
			"platform":   req.doc.Platform,
			"created_at": req.doc.CreatedAt,
		}
		if err := ix.bleve.Index(docID, doc); err != nil {
			return fmt.Errorf("failed to index transcript: %w", err)
		}
		return nil
	case opDelete:
		if err := ix.bleve.Delete(docID); err != nil {
			return fmt.Errorf("failed to delete transcript: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown index operation: %d", req.op)
	}
}

// openOrCreateIndex opens an existing bleve index or creates a new one.
func openOrCreateIndex(indexPath string) (bleve.Index, error) {
	index, err := bleve.Open(indexPath)
	if err == nil {
		return index, nil
	}
	if err == bleve.ErrorIndexPathDoesNotExist {
		index, err = bleve.New(indexPath, createIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create new index: %w", err)
		}
		return index, nil
	}
	return nil, fmt.Errorf("failed to open index: %w", err)
}

// createIndexMapping builds the bleve mapping for transcript documents.
func createIndexMapping() mapping.IndexMapping {
	indexMapping := bleve.NewIndexMapping()

	transcriptMapping := bleve.NewDocumentMapping()

	// Transcript body, analyzed for full-text matching.
	textField := bleve.NewTextFieldMapping()
	textField.Store = true
	textField.Index = true
	textField.Analyzer = standard.Name
	transcriptMapping.AddFieldMappingsAt("text", textField)

	// Exact-match facets.
	for _, name := range []string{"language", "engine", "platform"} {
		field := bleve.NewTextFieldMapping()
		field.Store = true
		field.Index = true
		field.Analyzer = "keyword"
		transcriptMapping.AddFieldMappingsAt(name, field)
	}

	idField := bleve.NewNumericFieldMapping()
	idField.Store = true
	idField.Index = true
	transcriptMapping.AddFieldMappingsAt("task_id", idField)

	createdField := bleve.NewDateTimeFieldMapping()
	createdField.Store = true
	createdField.Index = true
	transcriptMapping.AddFieldMappingsAt("created_at", createdField)

	indexMapping.AddDocumentMapping("transcript", transcriptMapping)
	indexMapping.DefaultType = "transcript"

	return indexMapping
}

func buildQuery(q string) query.Query {
	if q == "" {
		return bleve.NewMatchAllQuery()
	}
	return bleve.NewQueryStringQuery(q)
}
