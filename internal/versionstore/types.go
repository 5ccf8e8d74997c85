package versionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrNoExtractableContent means the text produced no chunks worth
	// indexing. No record is created.
	ErrNoExtractableContent = errors.New("no extractable content")

	// ErrInvalidKey rejects empty or path-like filenames.
	ErrInvalidKey = errors.New("invalid document key")

	// ErrKeyNotFound is returned for keys with no registered versions.
	ErrKeyNotFound = errors.New("document key not found")

	// ErrVersionNotFound is returned for an unknown version number.
	ErrVersionNotFound = errors.New("document version not found")
)

// DocumentKey identifies a logical document across its versions.
type DocumentKey struct {
	FolderPath string `json:"folder_path"`
	Filename   string `json:"filename"`
}

// NewDocumentKey normalizes the folder (slashes cleaned, no leading or
// trailing slash, "" for root) and validates the filename.
func NewDocumentKey(folder, filename string) (DocumentKey, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" || filename == "." || filename == ".." || strings.ContainsAny(filename, `/\`) {
		return DocumentKey{}, fmt.Errorf("%w: filename %q", ErrInvalidKey, filename)
	}
	return DocumentKey{FolderPath: normalizeFolder(folder), Filename: filename}, nil
}

func normalizeFolder(folder string) string {
	folder = strings.ReplaceAll(strings.TrimSpace(folder), `\`, "/")
	if folder == "" {
		return ""
	}
	cleaned := strings.Trim(path.Clean("/"+folder), "/")
	return cleaned
}

// String returns folder/filename, or just filename at the root.
func (k DocumentKey) String() string {
	if k.FolderPath == "" {
		return k.Filename
	}
	return k.FolderPath + "/" + k.Filename
}

// Less orders keys by folder, then filename.
func (k DocumentKey) Less(o DocumentKey) bool {
	if k.FolderPath != o.FolderPath {
		return k.FolderPath < o.FolderPath
	}
	return k.Filename < o.Filename
}

// VersionRecord describes one indexed version. Records are immutable
// except for IsLatest, which flips to false when a newer version is
// registered, and IsActive, which external collaborators toggle.
type VersionRecord struct {
	Key           DocumentKey `json:"key"`
	ContentHash   string      `json:"content_hash"`
	IndexID       string      `json:"index_id"`
	ChunkCount    int         `json:"chunk_count"`
	ModifiedAt    time.Time   `json:"modified_at"`
	ProcessedAt   time.Time   `json:"processed_at"`
	VersionNumber int         `json:"version_number"`
	IsLatest      bool        `json:"is_latest"`
	IsActive      bool        `json:"is_active"`
}

// manifest is the persisted history of one key, oldest first.
type manifest struct {
	Key      DocumentKey     `json:"key"`
	Versions []VersionRecord `json:"versions"`
}

type catalog struct {
	Keys []DocumentKey `json:"keys"`
}

func decodeManifest(data []byte) (manifest, error) {
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decoding manifest: %w", err)
	}
	return m, nil
}
