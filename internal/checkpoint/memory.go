package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gypyanpeng/agent-history/internal/models"
	"github.com/gypyanpeng/agent-history/internal/storage"
)

// MemoryStore keeps checkpoints for the lifetime of the process.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]*models.Checkpoint // thread -> id
	writes      map[writeKey]models.PendingWrite
}

type writeKey struct {
	thread, ns, checkpoint, task string
	idx                          int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		checkpoints: make(map[string]map[string]*models.Checkpoint),
		writes:      make(map[writeKey]models.PendingWrite),
	}
}

func (s *MemoryStore) Append(ctx context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	normalize(cp)
	key := cp.Namespace + "\x00" + cp.ID
	byID := s.checkpoints[cp.ThreadID]
	if byID == nil {
		byID = make(map[string]*models.Checkpoint)
		s.checkpoints[cp.ThreadID] = byID
	}
	if _, exists := byID[key]; exists {
		return &storage.ConflictError{Entity: "checkpoint", ID: cp.ID}
	}
	byID[key] = copyCheckpoint(cp)
	return nil
}

// root returns the thread's root-namespace checkpoints keyed by id.
func (s *MemoryStore) root(threadID string) map[string]*models.Checkpoint {
	out := make(map[string]*models.Checkpoint)
	for _, cp := range s.checkpoints[threadID] {
		if cp.Namespace == RootNamespace {
			out[cp.ID] = cp
		}
	}
	return out
}

func (s *MemoryStore) latest(byID map[string]*models.Checkpoint) *models.Checkpoint {
	hasChild := make(map[string]bool)
	for _, cp := range byID {
		if cp.ParentID != nil {
			hasChild[*cp.ParentID] = true
		}
	}
	var best *models.Checkpoint
	for _, cp := range byID {
		if hasChild[cp.ID] {
			continue
		}
		if best == nil || cp.CreatedAt.After(best.CreatedAt) ||
			(cp.CreatedAt.Equal(best.CreatedAt) && cp.ID > best.ID) {
			best = cp
		}
	}
	return best
}

func (s *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*models.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := s.latest(s.root(threadID))
	if cp == nil {
		return nil, false, nil
	}
	return copyCheckpoint(cp), true, nil
}

func (s *MemoryStore) Get(ctx context.Context, threadID, checkpointID string) (*models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.root(threadID)[checkpointID]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q: %w", checkpointID, storage.ErrNotFound)
	}
	return copyCheckpoint(cp), nil
}

func (s *MemoryStore) List(ctx context.Context, threadID string) ([]models.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked(threadID), nil
}

func (s *MemoryStore) listLocked(threadID string) []models.Checkpoint {
	byID := s.root(threadID)
	chain := walk(s.latest(byID), byID)
	for i := range chain {
		chain[i] = *copyCheckpoint(&chain[i])
	}
	return chain
}

func (s *MemoryStore) PutWrites(ctx context.Context, writes []models.PendingWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := make(map[writeKey]models.PendingWrite, len(writes))
	for _, w := range writes {
		key := writeKey{w.ThreadID, w.Namespace, w.CheckpointID, w.TaskID, w.Index}
		if _, ok := s.writes[key]; ok {
			return &storage.ConflictError{Entity: "pending write", ID: writeID(w)}
		}
		if _, ok := batch[key]; ok {
			return &storage.ConflictError{Entity: "pending write", ID: writeID(w)}
		}
		w.Value = append([]byte(nil), w.Value...)
		batch[key] = w
	}
	for key, w := range batch {
		s.writes[key] = w
	}
	return nil
}

func (s *MemoryStore) GetWrites(ctx context.Context, threadID, checkpointID string) ([]models.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var writes []models.PendingWrite
	for k, w := range s.writes {
		if k.thread == threadID && k.ns == RootNamespace && k.checkpoint == checkpointID {
			w.Value = append([]byte(nil), w.Value...)
			writes = append(writes, w)
		}
	}
	sort.Slice(writes, func(i, j int) bool {
		if writes[i].TaskID != writes[j].TaskID {
			return writes[i].TaskID < writes[j].TaskID
		}
		return writes[i].Index < writes[j].Index
	})
	return writes, nil
}

func (s *MemoryStore) Prune(ctx context.Context, threadID string, keep int) (int, error) {
	if keep < 1 {
		return 0, fmt.Errorf("prune must keep at least one checkpoint, got %d", keep)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	chain := s.listLocked(threadID)
	kept := make(map[string]bool, keep)
	for i := 0; i < len(chain) && i < keep; i++ {
		kept[chain[i].ID] = true
	}

	removed := 0
	for key, cp := range s.checkpoints[threadID] {
		if cp.Namespace != RootNamespace || kept[cp.ID] {
			continue
		}
		delete(s.checkpoints[threadID], key)
		s.dropWrites(threadID, cp.ID)
		removed++
	}
	return removed, nil
}

func (s *MemoryStore) dropWrites(threadID, checkpointID string) {
	for k := range s.writes {
		if k.thread == threadID && k.ns == RootNamespace && k.checkpoint == checkpointID {
			delete(s.writes, k)
		}
	}
}

func (s *MemoryStore) DeleteThread(ctx context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.checkpoints, threadID)
	for k := range s.writes {
		if k.thread == threadID {
			delete(s.writes, k)
		}
	}
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkpoints = make(map[string]map[string]*models.Checkpoint)
	s.writes = make(map[writeKey]models.PendingWrite)
	return nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{Writes: len(s.writes)}
	for _, byID := range s.checkpoints {
		stats.Checkpoints += len(byID)
	}
	return stats, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyCheckpoint(cp *models.Checkpoint) *models.Checkpoint {
	out := *cp
	if cp.ParentID != nil {
		out.ParentID = models.Ptr(*cp.ParentID)
	}
	out.Payload = append([]byte{}, cp.Payload...)
	if m, err := storage.NormalizeMetadata(cp.Metadata); err == nil {
		out.Metadata = m
	} else {
		out.Metadata = make(map[string]any, len(cp.Metadata))
		for k, v := range cp.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

var (
	_ Store = (*SQLStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
