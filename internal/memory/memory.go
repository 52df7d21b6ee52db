// Package memory provides a minimal ActiveMemory reference
// collaborator: a keyed lesson store consulted for relevant_memories
// and appended to on terminal session outcomes.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// Store is an in-memory, substring-matching lesson store.
type Store struct {
	mu      sync.RWMutex
	lessons []types.MemoryLesson
}

// New returns an empty Store.
func New() *Store {
	return &Store{}
}

// Append records a new lesson.
func (s *Store) Append(ctx context.Context, lesson types.MemoryLesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lessons = append(s.lessons, lesson)
	return nil
}

// Recall returns up to limit lessons whose task_summary contains, as a
// case-insensitive substring, any whitespace-separated word of
// taskText, most recent first.
func (s *Store) Recall(ctx context.Context, taskText string, limit int) ([]types.MemoryLesson, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	words := strings.Fields(strings.ToLower(taskText))
	var out []types.MemoryLesson
	for i := len(s.lessons) - 1; i >= 0 && len(out) < limit; i-- {
		l := s.lessons[i]
		summary := strings.ToLower(l.TaskSummary)
		for _, w := range words {
			if w != "" && strings.Contains(summary, w) {
				out = append(out, l)
				break
			}
		}
	}
	return out, nil
}
