// Package memstore is an in-process message store with the same branch
// semantics as the SQL and Mongo stores. It backs -dev runs without a
// message database and the handler tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
)

type MessageStore struct {
	mu       sync.RWMutex
	messages map[string]*model.Message
	order    []string
}

func NewMessageStore() *MessageStore {
	return &MessageStore{messages: make(map[string]*model.Message)}
}

func (s *MessageStore) Create(ctx context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ParentMessageID != nil {
		parent, ok := s.live(m.ChatID, *m.ParentMessageID)
		if !ok {
			return repository.ErrNotFound
		}
		m.BranchLevel, m.BranchPath = model.ChildBranchPos(parent.BranchLevel, parent.BranchPath)
	} else {
		m.BranchLevel, m.BranchPath = 0, ""
	}
	cp := *m
	s.messages[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return nil
}

// live looks up a non-deleted message scoped to a chat. Caller holds the lock.
func (s *MessageStore) live(chatID, id string) (*model.Message, bool) {
	m, ok := s.messages[id]
	if !ok || m.ChatID != chatID || m.DeletedAt != nil {
		return nil, false
	}
	return m, true
}

func (s *MessageStore) GetByID(ctx context.Context, chatID, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.live(chatID, id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MessageStore) GetChatMessages(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.chatMessages(chatID, func(m *model.Message) bool { return true })
	sort.SliceStable(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return page(all, limit, offset), nil
}

func (s *MessageStore) GetMessageThread(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.live(chatID, messageID); !ok {
		return nil, repository.ErrNotFound
	}
	return s.descendants(chatID, messageID), nil
}

func (s *MessageStore) descendants(chatID, messageID string) []model.Message {
	var out []model.Message
	frontier := map[string]bool{messageID: true}
	for len(frontier) > 0 {
		level := s.chatMessages(chatID, func(m *model.Message) bool {
			return m.ParentMessageID != nil && frontier[*m.ParentMessageID]
		})
		if len(level) == 0 {
			break
		}
		frontier = make(map[string]bool, len(level))
		for _, m := range level {
			out = append(out, m)
			frontier[m.ID] = true
		}
	}
	sortTree(out)
	return out
}

func (s *MessageStore) GetBranchTree(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.live(chatID, messageID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]model.Message{*target}, s.descendants(chatID, messageID)...), nil
}

func (s *MessageStore) GetMessageBranch(ctx context.Context, chatID, messageID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	target, ok := s.live(chatID, messageID)
	if !ok {
		return nil, repository.ErrNotFound
	}
	children := s.chatMessages(chatID, func(m *model.Message) bool {
		return m.ParentMessageID != nil && *m.ParentMessageID == messageID
	})
	sort.SliceStable(children, func(i, j int) bool { return children[i].CreatedAt.Before(children[j].CreatedAt) })
	return append([]model.Message{*target}, children...), nil
}

func (s *MessageStore) GetChatBranches(ctx context.Context, chatID string, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots := s.chatMessages(chatID, func(m *model.Message) bool { return m.ParentMessageID == nil })
	sort.SliceStable(roots, func(i, j int) bool { return roots[i].CreatedAt.After(roots[j].CreatedAt) })
	return page(roots, limit, offset), nil
}

func (s *MessageStore) GetActiveBranches(ctx context.Context, chatID string) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	branches := s.chatMessages(chatID, func(m *model.Message) bool { return m.IsBranchRoot })
	sort.SliceStable(branches, func(i, j int) bool { return branches[i].CreatedAt.Before(branches[j].CreatedAt) })
	return branches, nil
}

func (s *MessageStore) UpdateContent(ctx context.Context, chatID, id, content string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.live(chatID, id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	m.Content = content
	m.UpdatedAt = time.Now().UTC()
	cp := *m
	return &cp, nil
}

func (s *MessageStore) SoftDelete(ctx context.Context, chatID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.live(chatID, id)
	if !ok {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	m.DeletedAt = &now
	m.UpdatedAt = now
	return nil
}

// chatMessages returns copies of live chat messages matching keep, in
// insertion order. Caller holds the lock.
func (s *MessageStore) chatMessages(chatID string, keep func(*model.Message) bool) []model.Message {
	var out []model.Message
	for _, id := range s.order {
		m := s.messages[id]
		if m.ChatID != chatID || m.DeletedAt != nil || !keep(m) {
			continue
		}
		out = append(out, *m)
	}
	return out
}

func page(ms []model.Message, limit, offset int) []model.Message {
	if offset >= len(ms) {
		return []model.Message{}
	}
	ms = ms[offset:]
	if limit > 0 && limit < len(ms) {
		ms = ms[:limit]
	}
	return ms
}

func sortTree(ms []model.Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].BranchPath != ms[j].BranchPath {
			return ms[i].BranchPath < ms[j].BranchPath
		}
		return ms[i].CreatedAt.Before(ms[j].CreatedAt)
	})
}
