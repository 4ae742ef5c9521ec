package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/branchtalk/internal/memstore"
	"github.com/branchtalk/internal/middleware"
	"github.com/branchtalk/internal/model"
	"github.com/branchtalk/internal/repository"
	"github.com/branchtalk/internal/ws"
	"github.com/go-chi/chi/v5"
)

// fakeUserStore is an in-memory UserStore for handler tests.
type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*model.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*model.User)}
}

func (s *fakeUserStore) addUser(id, username string) {
	now := time.Now().UTC()
	s.users[id] = &model.User{
		ID: id, Email: username + "@example.com", Username: username,
		IsActive: true, CreatedAt: now, UpdatedAt: now,
	}
}

func (s *fakeUserStore) Create(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email || existing.Username == u.Username {
			return repository.ErrDuplicate
		}
	}
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *fakeUserStore) GetByID(ctx context.Context, id string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeUserStore) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeUserStore) GetByIDs(ctx context.Context, ids []string) (map[string]model.UserPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.UserPublic, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u.ToPublic()
		}
	}
	return out, nil
}

func (s *fakeUserStore) UpdateProfile(ctx context.Context, id, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}
	for uid, other := range s.users {
		if uid != id && other.Username == username {
			return repository.ErrDuplicate
		}
	}
	u.Username = username
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// fakeChatStore is an in-memory ChatStore for handler tests.
type fakeChatStore struct {
	mu           sync.Mutex
	chats        map[string]*model.Chat
	participants map[string]map[string]string // chatID -> userID -> role
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{
		chats:        make(map[string]*model.Chat),
		participants: make(map[string]map[string]string),
	}
}

func (s *fakeChatStore) Create(ctx context.Context, c *model.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.chats[c.ID] = &cp
	s.participants[c.ID] = make(map[string]string)
	return nil
}

func (s *fakeChatStore) GetByID(ctx context.Context, id string) (*model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *fakeChatStore) Update(ctx context.Context, id, name string, chatType model.ChatType, isActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok || c.DeletedAt != nil {
		return repository.ErrNotFound
	}
	c.Name = name
	c.Type = chatType
	c.IsActive = isActive
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *fakeChatStore) SoftDelete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok || c.DeletedAt != nil {
		return repository.ErrNotFound
	}
	now := time.Now().UTC()
	c.DeletedAt = &now
	c.IsActive = false
	return nil
}

func (s *fakeChatStore) AddParticipant(ctx context.Context, p *model.ChatParticipant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts, ok := s.participants[p.ChatID]
	if !ok {
		parts = make(map[string]string)
		s.participants[p.ChatID] = parts
	}
	if _, exists := parts[p.UserID]; !exists {
		parts[p.UserID] = p.Role
	}
	return nil
}

func (s *fakeChatStore) ReplaceParticipants(ctx context.Context, chatID, createdBy string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	parts := make(map[string]string, len(userIDs))
	for _, uid := range userIDs {
		role := model.RoleMember
		if uid == createdBy {
			role = model.RoleAdmin
		}
		parts[uid] = role
	}
	s.participants[chatID] = parts
	return nil
}

func (s *fakeChatStore) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.participants[chatID][userID]
	return ok, nil
}

func (s *fakeChatStore) FixParticipantStatus(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok || c.DeletedAt != nil {
		return false, nil
	}
	if _, exists := s.participants[chatID][userID]; exists {
		return true, nil
	}
	role := model.RoleMember
	if c.CreatedBy == userID {
		role = model.RoleAdmin
	}
	s.participants[chatID][userID] = role
	return true, nil
}

func (s *fakeChatStore) GetParticipantIDs(ctx context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.participants[chatID]))
	for uid := range s.participants[chatID] {
		ids = append(ids, uid)
	}
	return ids, nil
}

func (s *fakeChatStore) GetParticipantUsers(ctx context.Context, chatID string) ([]model.UserPublic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.UserPublic, 0, len(s.participants[chatID]))
	for uid := range s.participants[chatID] {
		out = append(out, model.UserPublic{ID: uid, Username: "user-" + uid})
	}
	return out, nil
}

func (s *fakeChatStore) GetCreatedChats(ctx context.Context, userID string) ([]model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Chat
	for _, c := range s.chats {
		if c.CreatedBy == userID && c.DeletedAt == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeChatStore) GetParticipatedChats(ctx context.Context, userID string) ([]model.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Chat
	for id, parts := range s.participants {
		c := s.chats[id]
		if c == nil || c.DeletedAt != nil || c.CreatedBy == userID {
			continue
		}
		if _, ok := parts[userID]; ok {
			out = append(out, *c)
		}
	}
	return out, nil
}

// fakeHub records broadcasts.
type fakeHub struct {
	mu     sync.Mutex
	events []ws.OutgoingMessage
}

func (h *fakeHub) BroadcastToChat(ctx context.Context, chatID string, msg ws.OutgoingMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, msg)
}

func (h *fakeHub) eventTypes() []ws.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ws.EventType, len(h.events))
	for i, e := range h.events {
		out[i] = e.Type
	}
	return out
}

// testEnv bundles the API surface backed by in-memory stores.
type testEnv struct {
	users    *fakeUserStore
	chats    *fakeChatStore
	messages *memstore.MessageStore
	hub      *fakeHub
	router   chi.Router
}

func newTestEnv() *testEnv {
	users := newFakeUserStore()
	chats := newFakeChatStore()
	messages := memstore.NewMessageStore()
	hub := &fakeHub{}

	ch := NewChatHandler(chats, users, hub, nil, 0)
	mh := NewMessageHandler(messages, chats, users, hub, nil, 0)

	r := chi.NewRouter()
	r.Route("/api/chats", func(r chi.Router) {
		r.Post("/", ch.CreateChat)
		r.Get("/", ch.ListChats)
		r.Route("/{chatId}", func(r chi.Router) {
			r.Get("/", ch.GetChat)
			r.Put("/", ch.UpdateChat)
			r.Delete("/", ch.DeleteChat)
			r.Post("/messages", mh.CreateMessage)
			r.Get("/messages", mh.GetMessages)
			r.Route("/messages/{messageId}", func(r chi.Router) {
				r.Get("/", mh.GetMessage)
				r.Put("/", mh.UpdateMessage)
				r.Delete("/", mh.DeleteMessage)
				r.Get("/thread", mh.GetThread)
				r.Get("/branch", mh.GetBranch)
				r.Get("/tree", mh.GetTree)
			})
			r.Get("/branches", mh.GetBranches)
			r.Post("/branches", mh.CreateBranch)
			r.Get("/branches/active", mh.GetActiveBranches)
		})
	})

	return &testEnv{users: users, chats: chats, messages: messages, hub: hub, router: r}
}

// do performs a request as the given user.
func (e *testEnv) do(method, path, userID, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	if userID != "" {
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserIDKey, userID))
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// seedChat creates a chat with the given creator and participants.
func (e *testEnv) seedChat(chatID, creator string, participants ...string) {
	now := time.Now().UTC()
	e.chats.Create(context.Background(), &model.Chat{
		ID: chatID, Name: "chat " + chatID, Type: model.ChatTypeGroup,
		CreatedBy: creator, IsActive: true, CreatedAt: now, UpdatedAt: now,
	})
	e.chats.AddParticipant(context.Background(), &model.ChatParticipant{
		ChatID: chatID, UserID: creator, Role: model.RoleAdmin, CreatedAt: now,
	})
	for _, p := range participants {
		e.chats.AddParticipant(context.Background(), &model.ChatParticipant{
			ChatID: chatID, UserID: p, Role: model.RoleMember, CreatedAt: now,
		})
	}
}
