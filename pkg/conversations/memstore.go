package conversations

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore keeps conversations in process memory. Used by tests and by the
// memory storage driver; state is lost on restart.
type MemStore struct {
	mu            sync.RWMutex
	conversations map[Scope]*memConversation
}

type memConversation struct {
	mu     sync.Mutex
	nextID int64
	log    []Interaction
}

func NewMemStore() *MemStore {
	return &MemStore{conversations: make(map[Scope]*memConversation)}
}

func (s *MemStore) get(scope Scope, create bool) *memConversation {
	s.mu.RLock()
	c := s.conversations[scope]
	s.mu.RUnlock()
	if c != nil || !create {
		return c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c = s.conversations[scope]; c == nil {
		c = &memConversation{nextID: 1}
		s.conversations[scope] = c
	}
	return c
}

func (s *MemStore) Append(_ context.Context, scope Scope, in Interaction) (int64, error) {
	c := s.get(scope, true)
	c.mu.Lock()
	defer c.mu.Unlock()

	in.ID = c.nextID
	c.nextID++
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}
	c.log = append(c.log, in)
	return in.ID, nil
}

func (s *MemStore) List(_ context.Context, scope Scope, page Page) ([]Interaction, int, error) {
	c := s.get(scope, false)
	if c == nil {
		return nil, 0, ErrNotFound
	}

	c.mu.Lock()
	snapshot := make([]Interaction, len(c.log))
	copy(snapshot, c.log)
	c.mu.Unlock()

	if page.NewestFirst {
		for i, j := 0, len(snapshot)-1; i < j; i, j = i+1, j-1 {
			snapshot[i], snapshot[j] = snapshot[j], snapshot[i]
		}
	}

	total := len(snapshot)
	if page.Limit <= 0 {
		return snapshot, total, nil
	}

	pageNum := page.Page
	if pageNum < 1 {
		pageNum = 1
	}
	start := (pageNum - 1) * page.Limit
	if start >= total {
		return []Interaction{}, total, nil
	}
	end := start + page.Limit
	if end > total {
		end = total
	}
	return snapshot[start:end], total, nil
}

func (s *MemStore) Export(ctx context.Context, scope Scope) ([]Interaction, error) {
	out, _, err := s.List(ctx, scope, Page{})
	return out, err
}

func (s *MemStore) DeleteMessage(_ context.Context, scope Scope, id int64) error {
	c := s.get(scope, false)
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, in := range c.log {
		if in.ID == id {
			c.log = append(c.log[:i], c.log[i+1:]...)
			return nil
		}
	}
	return ErrMessageMissing
}

func (s *MemStore) UpdateMessage(_ context.Context, scope Scope, id int64, text string) error {
	c := s.get(scope, false)
	if c == nil {
		return ErrNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.log {
		if c.log[i].ID == id {
			c.log[i].Message = text
			return nil
		}
	}
	return ErrMessageMissing
}

func (s *MemStore) DeleteConversation(_ context.Context, scope Scope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[scope]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, scope)
	return nil
}

func (s *MemStore) Rename(_ context.Context, scope Scope, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[scope]
	if !ok {
		return ErrNotFound
	}
	target := Scope{Tenant: scope.Tenant, Agent: scope.Agent, Conversation: newName}
	if target == scope {
		return nil
	}
	if _, taken := s.conversations[target]; taken {
		return ErrNameTaken
	}
	s.conversations[target] = c
	delete(s.conversations, scope)
	return nil
}

func (s *MemStore) Conversations(_ context.Context, tenant, agent string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var names []string
	for scope := range s.conversations {
		if scope.Tenant == tenant && scope.Agent == agent {
			names = append(names, scope.Conversation)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemStore) Close() error {
	return nil
}

var _ Store = (*MemStore)(nil)
