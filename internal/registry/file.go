package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ================================================================================
// PERSISTENT FILE STORE
// ================================================================================

// FileStore is a MemoryStore that rewrites a JSON file after every change
type FileStore struct {
	*MemoryStore
	dataFile string
	mu       sync.Mutex
}

type fileData struct {
	Records map[string]*Record `json:"records"`
}

// NewFileStore loads dataFile if it exists
func NewFileStore(dataFile string) (*FileStore, error) {
	if dataFile == "" {
		return nil, fmt.Errorf("file registry needs a path")
	}
	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		dataFile:    dataFile,
	}

	if err := fs.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}
	return fs, nil
}

// Put stores rec and persists
func (fs *FileStore) Put(rec *Record) error {
	if err := fs.MemoryStore.Put(rec); err != nil {
		return err
	}
	return fs.Save()
}

// CleanExpired drops old records and persists when anything changed
func (fs *FileStore) CleanExpired(ttl time.Duration) (int, error) {
	removed, err := fs.MemoryStore.CleanExpired(ttl)
	if err != nil || removed == 0 {
		return removed, err
	}
	return removed, fs.Save()
}

// Save writes current state to disk
func (fs *FileStore) Save() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.MemoryStore.mu.RLock()
	jsonData, err := json.MarshalIndent(fileData{Records: fs.records}, "", "  ")
	fs.MemoryStore.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal registry: %w", err)
	}

	// Atomic write (write to temp, then rename)
	tempFile := fs.dataFile + ".tmp"
	if err := os.WriteFile(tempFile, jsonData, 0600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tempFile, fs.dataFile); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Load replaces in-memory state with the file contents
func (fs *FileStore) Load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	jsonData, err := os.ReadFile(fs.dataFile)
	if err != nil {
		return err
	}

	var data fileData
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return fmt.Errorf("failed to unmarshal registry: %w", err)
	}
	if data.Records == nil {
		data.Records = make(map[string]*Record)
	}

	fs.MemoryStore.mu.Lock()
	fs.records = data.Records
	fs.MemoryStore.mu.Unlock()
	return nil
}
