package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"

	"github.com/herdwork/corral/internal/fault"
	"github.com/herdwork/corral/internal/storage"
)

// timeNow is a package-level var to allow test injection.
var timeNow = time.Now

// collectionName is the single chromem collection holding the index.
const collectionName = "knowledge"

// metaFile records the active index dimension and model next to the
// persisted vectors.
const metaFile = "index_meta.json"

// ErrReindexRequired blocks writes and queries when the active
// provider's dimension no longer matches the index; mixed-dimension
// storage is never allowed; the operator must trigger a reindex.
var ErrReindexRequired = errors.New("embedding dimension changed: reindex required")

// indexMeta is the dimension-compatibility record for the index.
type indexMeta struct {
	Dimension int    `json:"dimension"`
	Model     string `json:"model"`
}

// IngestResult summarizes a successful ingestion.
type IngestResult struct {
	Chunks    int    `json:"chunks"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Result is one retrieved chunk, ordered by ascending distance.
type Result struct {
	ChunkID    string            `json:"chunk_id"`
	Text       string            `json:"chunk_text"`
	SourceType string            `json:"source_type"`
	SourceRef  string            `json:"source_ref"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Similarity float32           `json:"similarity"`
	Distance   float32           `json:"distance"`
}

// Pipeline chunks, embeds and indexes source material, and answers
// nearest-neighbor queries. Chunk texts are kept in the relational
// store (the chunks table) so the vector index can be rebuilt after a
// provider or model change; vectors live in chromem.
type Pipeline struct {
	mu        sync.Mutex
	db        *sql.DB
	vdb       *chromem.DB
	coll      *chromem.Collection
	chain     *Chain
	chunker   *Chunker
	batchSize int
	meta      indexMeta
	metaPath  string
	logger    *slog.Logger
}

// New creates the pipeline. vectorsDir enables gob persistence of the
// index; empty keeps vectors in memory (tests).
func New(db *sql.DB, chain *Chain, chunker *Chunker, vectorsDir string, batchSize int, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize < 1 {
		batchSize = 32
	}

	var vdb *chromem.DB
	var err error
	if vectorsDir != "" {
		if err := os.MkdirAll(vectorsDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating vectors directory: %w", err)
		}
		vdb, err = chromem.NewPersistentDB(vectorsDir, false)
		if err != nil {
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
	} else {
		vdb = chromem.NewDB()
	}

	p := &Pipeline{
		db:        db,
		vdb:       vdb,
		chain:     chain,
		chunker:   chunker,
		batchSize: batchSize,
		logger:    logger,
	}
	if vectorsDir != "" {
		p.metaPath = filepath.Join(vectorsDir, metaFile)
		p.loadMeta()
	}
	if p.coll, err = vdb.GetOrCreateCollection(collectionName, nil, rejectInternalEmbedding); err != nil {
		return nil, fmt.Errorf("opening collection: %w", err)
	}
	return p, nil
}

// rejectInternalEmbedding guards against chromem embedding on its
// own. All vectors are computed through the provider chain and passed
// in explicitly.
func rejectInternalEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("embeddings are computed by the provider chain, not the index")
}

// Ingest splits text into chunks, embeds them through the provider
// chain, and writes text + vectors. The whole batch is embedded
// before anything is written: a chain failure or a dimension mismatch
// writes nothing.
func (p *Pipeline) Ingest(ctx context.Context, sourceType, sourceRef, text string, metadata map[string]string) (*IngestResult, error) {
	if strings.TrimSpace(sourceType) == "" || strings.TrimSpace(sourceRef) == "" {
		return nil, fault.Validationf("source_type and source_ref are required")
	}
	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		return nil, fault.Validationf("nothing to ingest: text is empty")
	}

	vectors, provider, err := p.embedBatched(ctx, chunks)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkDimensionLocked(provider); err != nil {
		return nil, err
	}

	now := timeNow().UTC().Format(storage.TimeFormat)
	metaJSON := encodeMetadata(metadata)
	for i, chunk := range chunks {
		id := uuid.NewString()
		if _, err := p.db.Exec(`
			INSERT INTO chunks (chunk_id, source_type, source_ref, chunk_text, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, sourceType, sourceRef, chunk, metaJSON, now); err != nil {
			return nil, fmt.Errorf("%w: storing chunk: %v", fault.ErrUnavailable, err)
		}
		doc := chromem.Document{
			ID:        id,
			Content:   chunk,
			Embedding: vectors[i],
			Metadata:  docMetadata(sourceType, sourceRef, metadata),
		}
		if err := p.coll.AddDocument(ctx, doc); err != nil {
			return nil, fmt.Errorf("indexing chunk: %w", err)
		}
	}

	return &IngestResult{Chunks: len(chunks), Model: provider.Model(), Dimension: provider.Dimension()}, nil
}

// Query embeds text with the active provider and runs an explicit
// top-k nearest-neighbor search. k is passed to the index itself;
// chromem rejects a k larger than the collection, so it is clamped to
// the document count, never applied as a row limit after the fact.
// Results come back in ascending distance; threshold (cosine
// similarity, 0..1) optionally filters the tail.
func (p *Pipeline) Query(ctx context.Context, text string, k int, threshold float32) ([]Result, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.Validationf("query text is empty")
	}
	if k < 1 {
		return nil, fault.Validationf("k must be at least 1, got %d", k)
	}

	vectors, provider, err := p.chain.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.meta.Dimension == 0 || p.coll.Count() == 0 {
		return nil, nil
	}
	if provider.Dimension() != p.meta.Dimension {
		return nil, fmt.Errorf("query embedded at dimension %d but index is %d (%s): %w",
			provider.Dimension(), p.meta.Dimension, p.meta.Model, ErrReindexRequired)
	}

	if n := p.coll.Count(); k > n {
		k = n
	}
	hits, err := p.coll.QueryEmbedding(ctx, vectors[0], k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < threshold {
			continue
		}
		results = append(results, Result{
			ChunkID:    h.ID,
			Text:       h.Content,
			SourceType: h.Metadata["source_type"],
			SourceRef:  h.Metadata["source_ref"],
			Metadata:   userMetadata(h.Metadata),
			Similarity: h.Similarity,
			Distance:   1 - h.Similarity,
		})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	return results, nil
}

// Reindex rebuilds the vector index from the stored chunk texts with
// the currently active provider, then records the new dimension. This
// is the only sanctioned way to change the index dimension.
func (p *Pipeline) Reindex(ctx context.Context) (int, error) {
	provider, err := p.chain.Active(ctx)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.db.Query(`SELECT chunk_id, source_type, source_ref, chunk_text, metadata FROM chunks ORDER BY created_at, chunk_id`)
	if err != nil {
		return 0, fmt.Errorf("%w: reading chunks: %v", fault.ErrUnavailable, err)
	}
	type stored struct {
		id, srcType, srcRef, text, meta string
	}
	var all []stored
	for rows.Next() {
		var c stored
		if err := rows.Scan(&c.id, &c.srcType, &c.srcRef, &c.text, &c.meta); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning chunk: %w", err)
		}
		all = append(all, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating chunks: %w", err)
	}

	// Embed everything before touching the collection so a provider
	// failure leaves the old index intact.
	var vectors [][]float32
	for start := 0; start < len(all); start += p.batchSize {
		end := min(start+p.batchSize, len(all))
		texts := make([]string, 0, end-start)
		for _, c := range all[start:end] {
			texts = append(texts, c.text)
		}
		vecs, err := provider.Embed(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("re-embedding batch (model %s): %v: %w", provider.Model(), err, fault.ErrProvider)
		}
		vectors = append(vectors, vecs...)
	}

	if err := p.vdb.DeleteCollection(collectionName); err != nil {
		return 0, fmt.Errorf("dropping collection: %w", err)
	}
	coll, err := p.vdb.GetOrCreateCollection(collectionName, nil, rejectInternalEmbedding)
	if err != nil {
		return 0, fmt.Errorf("recreating collection: %w", err)
	}
	p.coll = coll

	for i, c := range all {
		var meta map[string]string
		_ = json.Unmarshal([]byte(c.meta), &meta)
		doc := chromem.Document{
			ID:        c.id,
			Content:   c.text,
			Embedding: vectors[i],
			Metadata:  docMetadata(c.srcType, c.srcRef, meta),
		}
		if err := p.coll.AddDocument(ctx, doc); err != nil {
			return 0, fmt.Errorf("indexing chunk %s: %w", c.id, err)
		}
	}

	p.meta = indexMeta{Dimension: provider.Dimension(), Model: provider.Model()}
	p.saveMeta()
	p.logger.Info("index rebuilt", "chunks", len(all), "model", p.meta.Model, "dimension", p.meta.Dimension)
	return len(all), nil
}

// Count returns the number of indexed chunks.
func (p *Pipeline) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.coll.Count()
}

// ActiveDimension returns the recorded index dimension, 0 when the
// index is empty.
func (p *Pipeline) ActiveDimension() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.meta.Dimension
}

// embedBatched runs texts through the chain in batch-size slices. The
// first batch fixes the provider for the rest of the call so one
// ingest never mixes models.
func (p *Pipeline) embedBatched(ctx context.Context, texts []string) ([][]float32, Provider, error) {
	var vectors [][]float32
	var provider Provider
	for start := 0; start < len(texts); start += p.batchSize {
		end := min(start+p.batchSize, len(texts))
		batch := texts[start:end]
		if provider == nil {
			vecs, chosen, err := p.chain.Embed(ctx, batch)
			if err != nil {
				return nil, nil, err
			}
			vectors = append(vectors, vecs...)
			provider = chosen
			continue
		}
		vecs, err := provider.Embed(ctx, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding batch (model %s): %v: %w", provider.Model(), err, fault.ErrProvider)
		}
		vectors = append(vectors, vecs...)
	}
	return vectors, provider, nil
}

// checkDimensionLocked enforces the single-dimension invariant before
// any write. An empty index adopts the provider's dimension.
func (p *Pipeline) checkDimensionLocked(provider Provider) error {
	if p.meta.Dimension == 0 {
		p.meta = indexMeta{Dimension: provider.Dimension(), Model: provider.Model()}
		p.saveMeta()
		return nil
	}
	if provider.Dimension() != p.meta.Dimension {
		return fmt.Errorf("active provider %s embeds at dimension %d but index is %d (%s): %w",
			provider.Model(), provider.Dimension(), p.meta.Dimension, p.meta.Model, ErrReindexRequired)
	}
	return nil
}

func (p *Pipeline) loadMeta() {
	data, err := os.ReadFile(p.metaPath)
	if err != nil {
		return
	}
	if err := json.Unmarshal(data, &p.meta); err != nil {
		p.logger.Warn("unreadable index metadata, treating index as new", "error", err)
		p.meta = indexMeta{}
	}
}

func (p *Pipeline) saveMeta() {
	if p.metaPath == "" {
		return
	}
	data, _ := json.MarshalIndent(p.meta, "", "  ")
	if err := os.WriteFile(p.metaPath, data, 0o644); err != nil {
		p.logger.Warn("writing index metadata failed", "error", err)
	}
}

func encodeMetadata(m map[string]string) string {
	if m == nil {
		m = map[string]string{}
	}
	data, _ := json.Marshal(m)
	return string(data)
}

// docMetadata merges source fields with caller metadata for storage
// on the vector document. Source fields win on key collision.
func docMetadata(sourceType, sourceRef string, user map[string]string) map[string]string {
	out := make(map[string]string, len(user)+2)
	for k, v := range user {
		out[k] = v
	}
	out["source_type"] = sourceType
	out["source_ref"] = sourceRef
	return out
}

// userMetadata strips the reserved source fields back off a stored
// document's metadata.
func userMetadata(m map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range m {
		if k == "source_type" || k == "source_ref" {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
