// Package versionstore registers content-addressed document versions and
// tracks which version of each document is latest.
//
// Registering new bytes for a key chunks and embeds the text, builds and
// persists a vector index, and appends a VersionRecord. Registration is
// all-or-nothing per version: if any step fails, the key's history is
// left exactly as it was. Registrations for the same key are serialized;
// different keys proceed in parallel, and readers never wait on an
// in-flight registration.
//
// History is persisted through a blobstore.Store as one manifest per key
// plus a catalog of keys.
package versionstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/docqa/internal/blobstore"
	"github.com/fyrsmithlabs/docqa/internal/chunker"
	"github.com/fyrsmithlabs/docqa/internal/embeddings"
	"github.com/fyrsmithlabs/docqa/internal/vectorstore"
)

const catalogLocation = "catalog.json"

// ManifestLocation returns the blob location of a key's manifest.
func ManifestLocation(key DocumentKey) string {
	sum := sha256.Sum256([]byte(key.String()))
	return "manifests/" + hex.EncodeToString(sum[:]) + ".json"
}

// ContentHash returns the hex SHA-256 of raw document bytes.
func ContentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Config holds the store's collaborators.
type Config struct {
	Blobs    blobstore.Store
	Chunker  *chunker.Chunker
	Embedder embeddings.Embedder
	Backend  vectorstore.Backend
	// OperationTimeout bounds embedding and index work per registration.
	// Default: 2m
	OperationTimeout time.Duration
	Logger           *zap.Logger
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 2 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Blobs == nil {
		errs = append(errs, errors.New("blob store is required"))
	}
	if c.Chunker == nil {
		errs = append(errs, errors.New("chunker is required"))
	}
	if c.Embedder == nil {
		errs = append(errs, errors.New("embedder is required"))
	}
	if c.Backend == nil {
		errs = append(errs, errors.New("vector backend is required"))
	}
	return errors.Join(errs...)
}

// Store is the version registry.
type Store struct {
	config Config
	logger *zap.Logger

	// newIndexID and now are replaced in tests.
	newIndexID func() string
	now        func() time.Time

	// mu guards records. Histories are replaced wholesale, never mutated
	// in place, so a slice read under mu stays valid after unlock.
	mu      sync.RWMutex
	records map[DocumentKey][]VersionRecord

	locksMu  sync.Mutex
	keyLocks map[DocumentKey]*sync.Mutex

	catalogMu sync.Mutex
}

// Open creates a store and loads persisted history.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	s := &Store{
		config:     cfg,
		logger:     cfg.Logger,
		newIndexID: func() string { return uuid.New().String() },
		now:        time.Now,
		records:    make(map[DocumentKey][]VersionRecord),
		keyLocks:   make(map[DocumentKey]*sync.Mutex),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	keys, err := s.readCatalog(ctx)
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := s.config.Blobs.Read(ctx, ManifestLocation(key))
		if errors.Is(err, blobstore.ErrNotFound) {
			// Catalog is written before the first manifest; a failed first
			// registration leaves a key with no history.
			continue
		}
		if err != nil {
			return fmt.Errorf("reading manifest for %s: %w", key, err)
		}
		m, err := decodeManifest(data)
		if err != nil {
			return fmt.Errorf("manifest for %s: %w", key, err)
		}
		if len(m.Versions) == 0 {
			continue
		}
		s.records[key] = repairHistory(m.Versions, s.logger)
	}
	s.logger.Info("version store loaded",
		zap.Int("keys", len(s.records)),
	)
	return nil
}

// repairHistory sorts by version and makes the highest version the only
// latest one.
func repairHistory(versions []VersionRecord, logger *zap.Logger) []VersionRecord {
	out := append([]VersionRecord(nil), versions...)
	sort.Slice(out, func(i, j int) bool { return out[i].VersionNumber < out[j].VersionNumber })
	last := len(out) - 1
	for i := range out {
		want := i == last
		if out[i].IsLatest != want {
			logger.Warn("repairing latest flag in manifest",
				zap.String("document.key", out[i].Key.String()),
				zap.Int("version", out[i].VersionNumber),
			)
			out[i].IsLatest = want
		}
	}
	return out
}

func (s *Store) readCatalog(ctx context.Context) ([]DocumentKey, error) {
	data, err := s.config.Blobs.Read(ctx, catalogLocation)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	var c catalog
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	return c.Keys, nil
}

func (s *Store) lockKey(key DocumentKey) func() {
	s.locksMu.Lock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	s.locksMu.Unlock()

	l.Lock()
	return l.Unlock
}

func (s *Store) history(key DocumentKey) []VersionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[key]
}

// Register indexes raw as a new version of key unless identical bytes are
// already registered, in which case the existing record is returned with
// isNew false. text is the extracted text of raw.
func (s *Store) Register(ctx context.Context, key DocumentKey, raw []byte, text string, modifiedAt time.Time) (VersionRecord, bool, error) {
	return s.register(ctx, key, raw, func(c *chunker.Chunker) []chunker.Chunk { return c.Chunk(text) }, modifiedAt)
}

// RegisterPages is Register for paginated text. Chunks carry their page
// number and never span pages.
func (s *Store) RegisterPages(ctx context.Context, key DocumentKey, raw []byte, pages []string, modifiedAt time.Time) (VersionRecord, bool, error) {
	return s.register(ctx, key, raw, func(c *chunker.Chunker) []chunker.Chunk { return c.ChunkPages(pages) }, modifiedAt)
}

func (s *Store) register(ctx context.Context, key DocumentKey, raw []byte, split func(*chunker.Chunker) []chunker.Chunk, modifiedAt time.Time) (VersionRecord, bool, error) {
	unlock := s.lockKey(key)
	defer unlock()

	hash := ContentHash(raw)
	prior := s.history(key)
	for _, r := range prior {
		if r.ContentHash == hash {
			s.logger.Debug("content already registered",
				zap.String("document.key", key.String()),
				zap.Int("version", r.VersionNumber),
			)
			return r, false, nil
		}
	}

	chunks := split(s.config.Chunker)
	if len(chunks) == 0 {
		return VersionRecord{}, false, fmt.Errorf("%w: %s", ErrNoExtractableContent, key)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.OperationTimeout)
	defer cancel()

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := s.config.Embedder.EmbedDocuments(opCtx, texts)
	if err != nil {
		return VersionRecord{}, false, fmt.Errorf("embedding %s: %w", key, err)
	}

	indexID := s.newIndexID()
	idx, err := s.config.Backend.Build(opCtx, indexID, chunks, vectors)
	if err != nil {
		return VersionRecord{}, false, fmt.Errorf("building index for %s: %w", key, err)
	}
	if err := s.config.Backend.Persist(opCtx, idx); err != nil {
		s.discardIndex(indexID)
		return VersionRecord{}, false, fmt.Errorf("persisting index for %s: %w", key, err)
	}

	if modifiedAt.IsZero() {
		modifiedAt = s.now()
	}
	version := 1
	if len(prior) > 0 {
		version = prior[len(prior)-1].VersionNumber + 1
	}
	record := VersionRecord{
		Key:           key,
		ContentHash:   hash,
		IndexID:       indexID,
		ChunkCount:    len(chunks),
		ModifiedAt:    modifiedAt.UTC(),
		ProcessedAt:   s.now().UTC(),
		VersionNumber: version,
		IsLatest:      true,
		IsActive:      true,
	}

	next := make([]VersionRecord, 0, len(prior)+1)
	for _, r := range prior {
		r.IsLatest = false
		next = append(next, r)
	}
	next = append(next, record)

	if len(prior) == 0 {
		if err := s.addToCatalog(ctx, key); err != nil {
			s.discardIndex(indexID)
			return VersionRecord{}, false, err
		}
	}
	if err := s.writeManifest(ctx, key, next); err != nil {
		s.discardIndex(indexID)
		return VersionRecord{}, false, err
	}

	s.mu.Lock()
	s.records[key] = next
	s.mu.Unlock()

	s.logger.Info("registered document version",
		zap.String("document.key", key.String()),
		zap.Int("version", version),
		zap.Int("chunks", len(chunks)),
		zap.String("index_id", indexID),
	)
	return record, true, nil
}

// discardIndex removes an index whose registration did not commit. It
// runs on a fresh context because the registration context may be the
// reason for the failure.
func (s *Store) discardIndex(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.config.Backend.Delete(ctx, id); err != nil {
		s.logger.Warn("failed to delete uncommitted index",
			zap.String("index_id", id),
			zap.Error(err),
		)
	}
}

func (s *Store) writeManifest(ctx context.Context, key DocumentKey, versions []VersionRecord) error {
	data, err := json.MarshalIndent(manifest{Key: key, Versions: versions}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest for %s: %w", key, err)
	}
	if err := s.config.Blobs.Write(ctx, ManifestLocation(key), data); err != nil {
		return fmt.Errorf("writing manifest for %s: %w", key, err)
	}
	return nil
}

func (s *Store) addToCatalog(ctx context.Context, key DocumentKey) error {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	keys, err := s.readCatalog(ctx)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	keys = append(keys, key)
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })

	data, err := json.MarshalIndent(catalog{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding catalog: %w", err)
	}
	if err := s.config.Blobs.Write(ctx, catalogLocation, data); err != nil {
		return fmt.Errorf("writing catalog: %w", err)
	}
	return nil
}

// LatestActive returns every key's latest version when it is active,
// sorted by key.
func (s *Store) LatestActive(_ context.Context) []VersionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]VersionRecord, 0, len(s.records))
	for _, versions := range s.records {
		latest := versions[len(versions)-1]
		if latest.IsLatest && latest.IsActive {
			out = append(out, latest)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.Less(out[j].Key) })
	return out
}

// Versions returns a key's history, newest first.
func (s *Store) Versions(_ context.Context, key DocumentKey) ([]VersionRecord, error) {
	versions := s.history(key)
	if len(versions) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	out := make([]VersionRecord, len(versions))
	for i, r := range versions {
		out[len(versions)-1-i] = r
	}
	return out, nil
}

// Latest returns the latest version of key regardless of activity.
func (s *Store) Latest(_ context.Context, key DocumentKey) (VersionRecord, bool) {
	versions := s.history(key)
	if len(versions) == 0 {
		return VersionRecord{}, false
	}
	return versions[len(versions)-1], true
}

// Keys returns all keys with at least one version, sorted.
func (s *Store) Keys(_ context.Context) []DocumentKey {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DocumentKey, 0, len(s.records))
	for k := range s.records {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// SetActive toggles a version's activity flag. Nothing is ever deleted;
// an inactive latest version simply drops out of LatestActive.
func (s *Store) SetActive(ctx context.Context, key DocumentKey, version int, active bool) (VersionRecord, error) {
	unlock := s.lockKey(key)
	defer unlock()

	prior := s.history(key)
	if len(prior) == 0 {
		return VersionRecord{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}

	next := append([]VersionRecord(nil), prior...)
	pos := -1
	for i := range next {
		if next[i].VersionNumber == version {
			pos = i
			break
		}
	}
	if pos < 0 {
		return VersionRecord{}, fmt.Errorf("%w: %s v%d", ErrVersionNotFound, key, version)
	}
	if next[pos].IsActive == active {
		return next[pos], nil
	}
	next[pos].IsActive = active

	if err := s.writeManifest(ctx, key, next); err != nil {
		return VersionRecord{}, err
	}

	s.mu.Lock()
	s.records[key] = next
	s.mu.Unlock()

	s.logger.Info("set document version activity",
		zap.String("document.key", key.String()),
		zap.Int("version", version),
		zap.Bool("active", active),
	)
	return next[pos], nil
}
