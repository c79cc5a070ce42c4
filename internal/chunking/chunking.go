// Package chunking implements the receiver-side ChunkManager: it
// splits a transfer into addressable chunks, tracks which have
// arrived, and issues resume tokens so an interrupted transfer can
// continue without re-sending completed chunks. It generalizes the
// teacher's table.Chunker interface (Open/Next/Feedback/Progress) from
// database row ranges to file byte ranges.
package chunking

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/siddontang/loggers"

	"github.com/block/mysql-coldbackup/internal/checksum"
	"github.com/block/mysql-coldbackup/internal/model"
)

// Errors returned by Manager operations. Callers type-switch on these
// to decide the wire-level response code.
var (
	ErrChunkConflict          = fmt.Errorf("chunking: chunk index present with a different checksum")
	ErrIntegrityFailure       = fmt.Errorf("chunking: assembled file does not match declared checksums")
	ErrResumeMetadataMismatch = fmt.Errorf("chunking: resume metadata does not match the original transfer")
	ErrTokenNotFound          = fmt.Errorf("chunking: resume token not found")
	ErrTokenAlreadyCompleted  = fmt.Errorf("chunking: resume token already completed, cannot be reused")
	ErrTransferNotFound       = fmt.Errorf("chunking: transfer not found")
	ErrIncompleteTransfer     = fmt.Errorf("chunking: not all chunks received")
)

const (
	tokenPrefix       = "RT_"
	tokenEntropyBytes = 16
	defaultTokenTTL   = 24 * time.Hour
)

// ReceiveResult is the outcome of one ReceiveChunk call.
type ReceiveResult struct {
	Success        bool
	AlreadyPresent bool
}

type transferState struct {
	mu           sync.Mutex
	metadata     model.FileMetadata
	chunkSize    int64
	chunkCount   int
	completed    map[int]model.ChunkRecord
	file         *os.File
	stagingPath  string
	lastActivity time.Time
}

func chunkCount(size, chunkSize int64) int {
	if size <= 0 {
		return 0
	}
	return int(math.Ceil(float64(size) / float64(chunkSize)))
}

// Manager holds all in-flight and recently-completed transfers. One
// Manager instance serves every session accepted by TransferProtocol.
type Manager struct {
	mu          sync.Mutex
	stagingDir  string
	chunkSize   int64
	tokenTTL    time.Duration
	transfers   map[string]*transferState
	tokens      map[string]*model.ResumeToken
	tokenByXfer map[string]string
	logger      loggers.Advanced
}

// Config configures a Manager.
type Config struct {
	StagingDir string
	ChunkSize  int64
	TokenTTL   time.Duration // default: defaultTokenTTL
}

// NewManager builds a Manager rooted at cfg.StagingDir, which must
// already exist.
func NewManager(cfg Config, logger loggers.Advanced) *Manager {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	return &Manager{
		stagingDir:  cfg.StagingDir,
		chunkSize:   cfg.ChunkSize,
		tokenTTL:    cfg.TokenTTL,
		transfers:   make(map[string]*transferState),
		tokens:      make(map[string]*model.ResumeToken),
		tokenByXfer: make(map[string]string),
		logger:      logger,
	}
}

// InitTransfer begins tracking a new transfer for metadata and
// returns its transferID.
func (m *Manager) InitTransfer(metadata model.FileMetadata) (string, error) {
	transferID := uuid.NewString()
	stagingPath := filepath.Join(m.stagingDir, transferID+".part")

	f, err := os.Create(stagingPath)
	if err != nil {
		return "", fmt.Errorf("creating staging file for transfer %s: %w", transferID, err)
	}

	ts := &transferState{
		metadata:     metadata,
		chunkSize:    m.chunkSize,
		chunkCount:   chunkCount(metadata.Size, m.chunkSize),
		completed:    make(map[int]model.ChunkRecord),
		file:         f,
		stagingPath:  stagingPath,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	m.transfers[transferID] = ts
	m.mu.Unlock()

	return transferID, nil
}

func (m *Manager) get(transferID string) (*transferState, error) {
	m.mu.Lock()
	ts, ok := m.transfers[transferID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrTransferNotFound
	}
	return ts, nil
}

// ReceiveChunk writes rec's payload (data) into the transfer's staging
// file at its chunk offset. Chunks may arrive in any order; a
// duplicate index with a matching checksum is idempotent, a duplicate
// index with a conflicting checksum is ErrChunkConflict.
func (m *Manager) ReceiveChunk(transferID string, rec model.ChunkRecord, data []byte) (ReceiveResult, error) {
	ts, err := m.get(transferID)
	if err != nil {
		return ReceiveResult{}, err
	}

	sum := checksum.Bytes(data)
	if !checksum.Matches(sum, rec.MD5) {
		return ReceiveResult{}, fmt.Errorf("%w: index %d declared %s computed %s", ErrChunkConflict, rec.Index, rec.MD5, sum)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if existing, ok := ts.completed[rec.Index]; ok {
		if checksum.Matches(existing.MD5, rec.MD5) {
			return ReceiveResult{Success: true, AlreadyPresent: true}, nil
		}
		return ReceiveResult{}, fmt.Errorf("%w: index %d", ErrChunkConflict, rec.Index)
	}

	offset := int64(rec.Index) * ts.chunkSize
	if _, err := ts.file.WriteAt(data, offset); err != nil {
		return ReceiveResult{}, fmt.Errorf("writing chunk %d for transfer %s: %w", rec.Index, transferID, err)
	}

	ts.completed[rec.Index] = rec
	ts.lastActivity = time.Now()

	return ReceiveResult{Success: true}, nil
}

func generateToken() (string, error) {
	buf := make([]byte, tokenEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating resume token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(buf), nil
}

// CreateResumeToken snapshots the current completed-index set for
// transferID under a freshly generated RT_ token.
func (m *Manager) CreateResumeToken(transferID string) (string, error) {
	ts, err := m.get(transferID)
	if err != nil {
		return "", err
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	ts.mu.Lock()
	completed := make(map[int]bool, len(ts.completed))
	for idx := range ts.completed {
		completed[idx] = true
	}
	metadata := ts.metadata
	lastActivity := ts.lastActivity
	ts.mu.Unlock()

	rt := &model.ResumeToken{
		Token:            token,
		TransferID:       transferID,
		Metadata:         metadata,
		CompletedIndices: completed,
		IsCompleted:      false,
		LastActivity:     lastActivity,
		TTL:              m.tokenTTL,
	}

	m.mu.Lock()
	m.tokens[token] = rt
	m.tokenByXfer[transferID] = token
	m.mu.Unlock()

	return token, nil
}

// GetResumeInfo returns the metadata, completed-index set, and
// last-activity timestamp recorded under token.
func (m *Manager) GetResumeInfo(token string) (model.FileMetadata, map[int]bool, time.Time, error) {
	m.mu.Lock()
	rt, ok := m.tokens[token]
	m.mu.Unlock()
	if !ok {
		return model.FileMetadata{}, nil, time.Time{}, ErrTokenNotFound
	}
	return rt.Metadata, rt.CompletedIndices, rt.LastActivity, nil
}

// RestoreTransfer reactivates the transfer bound to token, requiring
// metadata to match the original by name, size, and both checksums.
func (m *Manager) RestoreTransfer(token string, metadata model.FileMetadata) (string, error) {
	m.mu.Lock()
	rt, ok := m.tokens[token]
	m.mu.Unlock()
	if !ok {
		return "", ErrTokenNotFound
	}
	if rt.IsCompleted {
		return "", ErrTokenAlreadyCompleted
	}
	if rt.Metadata.Name != metadata.Name ||
		rt.Metadata.Size != metadata.Size ||
		!checksum.Matches(rt.Metadata.MD5, metadata.MD5) ||
		!checksum.Matches(rt.Metadata.SHA256, metadata.SHA256) {
		return "", ErrResumeMetadataMismatch
	}

	if ts, err := m.get(rt.TransferID); err == nil {
		ts.mu.Lock()
		ts.lastActivity = time.Now()
		ts.mu.Unlock()
		return rt.TransferID, nil
	}

	// The transfer was evicted from memory (process restart); reopen
	// its staging file and seed completed indices from the token.
	stagingPath := filepath.Join(m.stagingDir, rt.TransferID+".part")
	f, err := os.OpenFile(stagingPath, os.O_RDWR, 0o644)
	if err != nil {
		return "", fmt.Errorf("reopening staging file for resumed transfer %s: %w", rt.TransferID, err)
	}

	completed := make(map[int]model.ChunkRecord, len(rt.CompletedIndices))
	for idx := range rt.CompletedIndices {
		completed[idx] = model.ChunkRecord{TransferID: rt.TransferID, Index: idx}
	}

	ts := &transferState{
		metadata:     metadata,
		chunkSize:    m.chunkSize,
		chunkCount:   chunkCount(metadata.Size, m.chunkSize),
		completed:    completed,
		file:         f,
		stagingPath:  stagingPath,
		lastActivity: time.Now(),
	}

	m.mu.Lock()
	m.transfers[rt.TransferID] = ts
	m.mu.Unlock()

	return rt.TransferID, nil
}

// Finalize requires the completed set to equal {0..chunkCount-1} and
// the assembled file to match both declared checksums. On mismatch it
// deletes the assembled file and returns ErrIntegrityFailure.
func (m *Manager) Finalize(transferID string) (string, error) {
	ts, err := m.get(transferID)
	if err != nil {
		return "", err
	}

	ts.mu.Lock()
	want := ts.chunkCount
	for i := 0; i < want; i++ {
		if _, ok := ts.completed[i]; !ok {
			ts.mu.Unlock()
			return "", fmt.Errorf("%w: missing index %d of %d", ErrIncompleteTransfer, i, want)
		}
	}
	metadata := ts.metadata
	path := ts.stagingPath
	if err := ts.file.Sync(); err != nil {
		ts.mu.Unlock()
		return "", fmt.Errorf("syncing staging file for transfer %s: %w", transferID, err)
	}
	ts.mu.Unlock()

	sums, err := checksum.File(path)
	if err != nil {
		return "", fmt.Errorf("checksumming assembled file for transfer %s: %w", transferID, err)
	}
	if !checksum.Matches(sums.MD5, metadata.MD5) || !checksum.Matches(sums.SHA256, metadata.SHA256) {
		ts.file.Close()
		os.Remove(path)
		return "", fmt.Errorf("%w: transfer %s", ErrIntegrityFailure, transferID)
	}

	if err := ts.file.Close(); err != nil {
		return "", fmt.Errorf("closing staging file for transfer %s: %w", transferID, err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	m.mu.Lock()
	if token, ok := m.tokenByXfer[transferID]; ok {
		if rt, ok := m.tokens[token]; ok {
			rt.IsCompleted = true
		}
	}
	m.mu.Unlock()

	return absPath, nil
}

// SweepExpiredTokens deletes completed tokens whose TTL has elapsed
// since last activity, as of now. It returns the number pruned.
func (m *Manager) SweepExpiredTokens(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pruned := 0
	for token, rt := range m.tokens {
		if rt.IsCompleted && now.Sub(rt.LastActivity) > rt.TTL {
			delete(m.tokens, token)
			delete(m.tokenByXfer, rt.TransferID)
			delete(m.transfers, rt.TransferID)
			pruned++
		}
	}
	if pruned > 0 && m.logger != nil {
		m.logger.Infof("pruned %d expired resume tokens", pruned)
	}
	return pruned
}

// Discard abandons an in-progress transfer and removes its staging
// file, used when a session is aborted without a resume token.
func (m *Manager) Discard(transferID string) error {
	m.mu.Lock()
	ts, ok := m.transfers[transferID]
	delete(m.transfers, transferID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	ts.file.Close()
	if err := os.Remove(ts.stagingPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staging file for discarded transfer %s: %w", transferID, err)
	}
	return nil
}
