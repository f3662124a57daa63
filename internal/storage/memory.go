package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gypyanpeng/agent-history/internal/models"
)

// MemoryStorage is a non-durable Storage for tests and ephemeral sessions.
// Records are deep-copied on the way in and out.
type MemoryStorage struct {
	mu          sync.RWMutex
	users       map[string]*models.User // by identifier
	threads     map[string]*models.Thread
	steps       map[string]*storedStep
	attachments map[string]*models.Attachment
	feedback    map[string]*models.Feedback
	seq         int64
}

type storedStep struct {
	step models.Step
	seq  int64
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		users:       make(map[string]*models.User),
		threads:     make(map[string]*models.Thread),
		steps:       make(map[string]*storedStep),
		attachments: make(map[string]*models.Attachment),
		feedback:    make(map[string]*models.Feedback),
	}
}

func (s *MemoryStorage) CreateThread(ctx context.Context, thread *models.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[thread.ID]; exists {
		return &ConflictError{Entity: "thread", ID: thread.ID}
	}
	normalizeThread(thread)
	stored := copyThread(thread)
	stored.Steps, stored.Attachments = nil, nil
	s.threads[thread.ID] = stored
	return nil
}

func (s *MemoryStorage) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	steps := s.stepsLocked(id)
	stored, exists := s.threads[id]
	var thread *models.Thread
	switch {
	case exists:
		thread = copyThread(stored)
	case len(steps) > 0:
		thread = OrphanThread(id, steps)
		if user, ok := s.users[thread.Owner()]; ok {
			thread.OwnerID = models.Ptr(user.ID)
		}
	default:
		return nil, notFound("thread", id)
	}

	thread.Steps = steps
	thread.Attachments = nil
	for _, a := range s.sortedAttachments() {
		if a.ThreadID == id {
			thread.Attachments = append(thread.Attachments, copyAttachment(a))
		}
	}
	return thread, nil
}

func (s *MemoryStorage) UpdateThread(ctx context.Context, id string, update ThreadUpdate) (*models.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	thread, exists := s.threads[id]
	if !exists {
		return nil, notFound("thread", id)
	}
	if update.Name != nil {
		thread.Name = models.Ptr(*update.Name)
	}
	if update.OwnerID != nil {
		thread.OwnerID = models.Ptr(*update.OwnerID)
	}
	if update.OwnerIdentifier != nil {
		thread.OwnerIdentifier = models.Ptr(*update.OwnerIdentifier)
	}
	if update.Tags != nil {
		thread.Tags = append([]string{}, update.Tags...)
	}
	if update.Metadata != nil {
		thread.Metadata = copyMap(update.Metadata)
	}
	return copyThread(thread), nil
}

func (s *MemoryStorage) ListThreads(ctx context.Context, page Pagination, filter ThreadFilter) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Thread
	for _, thread := range s.threads {
		if filter.OwnerID != "" && (thread.OwnerID == nil || *thread.OwnerID != filter.OwnerID) {
			continue
		}
		if filter.Search != "" && (thread.Name == nil ||
			!strings.Contains(strings.ToLower(*thread.Name), strings.ToLower(filter.Search))) {
			continue
		}
		matched = append(matched, *copyThread(thread))
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID < matched[j].ID
	})

	first, offset := page.bounds()
	total := len(matched)
	var data []models.Thread
	if offset < total {
		end := offset + first
		if end > total {
			end = total
		}
		data = matched[offset:end]
	}
	return newPage(data, first, offset, total), nil
}

func (s *MemoryStorage) DeleteThread(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.threads[id]; !exists {
		return notFound("thread", id)
	}
	for stepID, stored := range s.steps {
		if stored.step.ThreadID == id {
			delete(s.steps, stepID)
		}
	}
	for attachmentID, a := range s.attachments {
		if a.ThreadID == id {
			delete(s.attachments, attachmentID)
		}
	}
	for feedbackID, f := range s.feedback {
		if f.ThreadID == id {
			delete(s.feedback, feedbackID)
		}
	}
	delete(s.threads, id)
	return nil
}

func (s *MemoryStorage) GetThreadOwnerIdentifier(ctx context.Context, threadID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if thread, exists := s.threads[threadID]; exists {
		return thread.Owner()
	}
	return ""
}

func (s *MemoryStorage) CreateStep(ctx context.Context, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[step.ID]; exists {
		return &ConflictError{Entity: "step", ID: step.ID}
	}
	normalizeStep(step)
	s.seq++
	s.steps[step.ID] = &storedStep{step: copyStep(*step), seq: s.seq}
	return nil
}

func (s *MemoryStorage) UpdateStep(ctx context.Context, step *models.Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.steps[step.ID]
	if !exists {
		return notFound("step", step.ID)
	}
	normalizeStep(step)
	stored.step = copyStep(*step)
	return nil
}

func (s *MemoryStorage) GetStep(ctx context.Context, id string) (*models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, exists := s.steps[id]
	if !exists {
		return nil, notFound("step", id)
	}
	step := copyStep(stored.step)
	return &step, nil
}

func (s *MemoryStorage) GetSteps(ctx context.Context, threadID string) ([]models.Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stepsLocked(threadID), nil
}

func (s *MemoryStorage) stepsLocked(threadID string) []models.Step {
	var stored []*storedStep
	for _, st := range s.steps {
		if st.step.ThreadID == threadID {
			stored = append(stored, st)
		}
	}
	sort.Slice(stored, func(i, j int) bool {
		a, b := stored[i], stored[j]
		if !a.step.CreatedAt.Equal(b.step.CreatedAt) {
			return a.step.CreatedAt.Before(b.step.CreatedAt)
		}
		return a.seq < b.seq
	})

	var steps []models.Step
	for _, st := range stored {
		steps = append(steps, copyStep(st.step))
	}
	return steps
}

func (s *MemoryStorage) DeleteStep(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.steps[id]; !exists {
		return notFound("step", id)
	}
	delete(s.steps, id)
	for feedbackID, f := range s.feedback {
		if f.ForID == id {
			delete(s.feedback, feedbackID)
		}
	}
	return nil
}

func (s *MemoryStorage) CreateAttachment(ctx context.Context, attachment *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if attachment.ID == "" {
		attachment.ID = uuid.NewString()
	}
	if _, exists := s.attachments[attachment.ID]; exists {
		return &ConflictError{Entity: "attachment", ID: attachment.ID}
	}
	stored := copyAttachment(attachment)
	s.attachments[attachment.ID] = &stored
	return nil
}

func (s *MemoryStorage) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.attachments[id]
	if !exists {
		return nil, notFound("attachment", id)
	}
	out := copyAttachment(a)
	return &out, nil
}

func (s *MemoryStorage) DeleteAttachment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attachments[id]; !exists {
		return notFound("attachment", id)
	}
	delete(s.attachments, id)
	return nil
}

func (s *MemoryStorage) sortedAttachments() []*models.Attachment {
	out := make([]*models.Attachment, 0, len(s.attachments))
	for _, a := range s.attachments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStorage) UpsertFeedback(ctx context.Context, feedback *models.Feedback) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if feedback.ID == "" {
		feedback.ID = uuid.NewString()
	}
	stored := *feedback
	if feedback.Comment != nil {
		stored.Comment = models.Ptr(*feedback.Comment)
	}
	s.feedback[feedback.ID] = &stored
	return feedback.ID, nil
}

func (s *MemoryStorage) DeleteFeedback(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.feedback[id]; !exists {
		return notFound("feedback", id)
	}
	delete(s.feedback, id)
	return nil
}

func (s *MemoryStorage) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.Identifier]; exists {
		return &ConflictError{Entity: "user", ID: user.Identifier}
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}
	stored := *user
	stored.Metadata = copyMap(user.Metadata)
	if stored.DisplayName == "" {
		stored.DisplayName = stored.Identifier
	}
	s.users[user.Identifier] = &stored
	return nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, identifier string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[identifier]
	if !exists {
		return nil, notFound("user", identifier)
	}
	out := *user
	out.Metadata = copyMap(user.Metadata)
	return &out, nil
}

func (s *MemoryStorage) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orphaned := make(map[string]struct{})
	for _, st := range s.steps {
		if _, exists := s.threads[st.step.ThreadID]; !exists {
			orphaned[st.step.ThreadID] = struct{}{}
		}
	}
	return Stats{
		Users:       len(s.users),
		Threads:     len(s.threads),
		Steps:       len(s.steps),
		Attachments: len(s.attachments),
		Feedback:    len(s.feedback),
		Orphaned:    len(orphaned),
	}, nil
}

func (s *MemoryStorage) DedupeSteps(ctx context.Context, threadID string, markers []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threadIDs := make(map[string]struct{})
	for _, st := range s.steps {
		if threadID == "" || st.step.ThreadID == threadID {
			threadIDs[st.step.ThreadID] = struct{}{}
		}
	}

	removed := 0
	for id := range threadIDs {
		seen := make(map[string]struct{})
		for _, step := range s.stepsLocked(id) {
			key := dedupeKey(step.Type, step.Name, step.Output)
			_, dup := seen[key]
			if dup || containsAny(step.Output, markers) {
				delete(s.steps, step.ID)
				removed++
				continue
			}
			seen[key] = struct{}{}
		}
	}
	return removed, nil
}

func (s *MemoryStorage) ClearHistory(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.threads = make(map[string]*models.Thread)
	s.steps = make(map[string]*storedStep)
	s.attachments = make(map[string]*models.Attachment)
	s.feedback = make(map[string]*models.Feedback)
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func copyThread(t *models.Thread) *models.Thread {
	out := *t
	out.Name = copyPtr(t.Name)
	out.OwnerID = copyPtr(t.OwnerID)
	out.OwnerIdentifier = copyPtr(t.OwnerIdentifier)
	out.Tags = append([]string{}, t.Tags...)
	out.Metadata = copyMap(t.Metadata)
	return &out
}

func copyStep(st models.Step) models.Step {
	st.ParentID = copyPtr(st.ParentID)
	st.IsError = copyPtr(st.IsError)
	st.WaitForAnswer = copyPtr(st.WaitForAnswer)
	st.Language = copyPtr(st.Language)
	st.Indent = copyPtr(st.Indent)
	st.Command = copyPtr(st.Command)
	st.ShowInput = copyPtr(st.ShowInput)
	st.Start = copyPtr(st.Start)
	st.End = copyPtr(st.End)
	st.Tags = append([]string{}, st.Tags...)
	st.Metadata = copyMap(st.Metadata)
	if st.Generation != nil {
		st.Generation = copyMap(st.Generation)
	}
	return st
}

func copyAttachment(a *models.Attachment) models.Attachment {
	out := *a
	out.StepID = copyPtr(a.StepID)
	out.Page = copyPtr(a.Page)
	if a.Props != nil {
		out.Props = copyMap(a.Props)
	}
	return out
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// copyMap stores values the way a decoded column would hold them.
func copyMap(m map[string]any) map[string]any {
	if out, err := NormalizeMetadata(m); err == nil {
		return out
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
