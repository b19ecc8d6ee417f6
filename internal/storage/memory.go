package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const memoryAuditCap = 10000

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	posts    map[int64]Post
	accounts map[int64]Account
	audit    []AuditEntry
	postSeq  int64
	acctSeq  int64
	closed   bool

	now func() time.Time
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		posts:    map[int64]Post{},
		accounts: map[int64]Account{},
		now:      time.Now,
	}
}

func (s *MemoryStore) GetPost(ctx context.Context, id int64) (Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Post{}, ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return Post{}, fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) CreatePost(ctx context.Context, p Post) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Post{}, ErrClosed
	}
	now := s.now().UTC()
	if p.ID == 0 {
		s.postSeq++
		p.ID = s.postSeq
	} else if p.ID > s.postSeq {
		s.postSeq = p.ID
	}
	if p.Status == "" {
		p.Status = StatusScheduled
	}
	p.ScheduledAt = p.ScheduledAt.UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	p = p.Clone()
	s.posts[p.ID] = p
	return p.Clone(), nil
}

func (s *MemoryStore) UpdatePost(ctx context.Context, p Post) (Post, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Post{}, ErrClosed
	}
	cur, ok := s.posts[p.ID]
	if !ok {
		return Post{}, fmt.Errorf("post %d: %w", p.ID, ErrNotFound)
	}
	cur.AccountID = p.AccountID
	cur.Content = p.Content
	cur.ScheduledAt = p.ScheduledAt.UTC()
	cur.ImageURL = p.ImageURL
	cur.Geo = p.Geo
	cur.Location = p.Location
	if p.Status != "" {
		cur.Status = p.Status
	}
	cur.UpdatedAt = s.now().UTC()
	cur = cur.Clone()
	s.posts[cur.ID] = cur
	return cur.Clone(), nil
}

func (s *MemoryStore) DeletePost(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.posts[id]; !ok {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	delete(s.posts, id)
	return nil
}

func (s *MemoryStore) UpdatePostStatus(ctx context.Context, id int64, status Status, externalID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	p, ok := s.posts[id]
	if !ok {
		return fmt.Errorf("post %d: %w", id, ErrNotFound)
	}
	p.Status = status
	if externalID != "" {
		p.ExternalID = externalID
	}
	p.LastError = lastError
	p.UpdatedAt = s.now().UTC()
	s.posts[id] = p
	return nil
}

func (s *MemoryStore) FindPostsByStatus(ctx context.Context, statuses ...Status) ([]Post, error) {
	want := statusSet(statuses)
	return s.filter(func(p Post) bool { return want[p.Status] })
}

func (s *MemoryStore) FindDuePosts(ctx context.Context, status Status, before time.Time) ([]Post, error) {
	return s.filter(func(p Post) bool { return p.Status == status && !p.ScheduledAt.After(before) })
}

func (s *MemoryStore) ListPosts(ctx context.Context, userID int64) ([]Post, error) {
	return s.filter(func(p Post) bool { return p.UserID == userID })
}

func (s *MemoryStore) filter(keep func(Post) bool) ([]Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Post, 0, len(s.posts))
	for _, p := range s.posts {
		if keep(p) {
			out = append(out, p.Clone())
		}
	}
	sortPosts(out)
	return out, nil
}

func sortPosts(ps []Post) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].ScheduledAt.Equal(ps[j].ScheduledAt) {
			return ps[i].ScheduledAt.Before(ps[j].ScheduledAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func (s *MemoryStore) GetAccount(ctx context.Context, id int64) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Account{}, ErrClosed
	}
	a, ok := s.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("account %d: %w", id, ErrNotFound)
	}
	return a, nil
}

func (s *MemoryStore) CreateAccount(ctx context.Context, a Account) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Account{}, ErrClosed
	}
	if a.ID == 0 {
		s.acctSeq++
		a.ID = s.acctSeq
	} else if a.ID > s.acctSeq {
		s.acctSeq = a.ID
	}
	s.accounts[a.ID] = a
	return a, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditCap {
		s.audit = s.audit[len(s.audit)-memoryAuditCap:]
	}
	return nil
}

// Audit returns a copy of the retained audit entries, oldest first.
func (s *MemoryStore) Audit() []AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// restorePost inserts p as-is. Used when replaying persisted state.
func (s *MemoryStore) restorePost(p Post) {
	s.mu.Lock()
	if p.ID > s.postSeq {
		s.postSeq = p.ID
	}
	s.posts[p.ID] = p.Clone()
	s.mu.Unlock()
}

func (s *MemoryStore) restoreAccount(a Account) {
	s.mu.Lock()
	if a.ID > s.acctSeq {
		s.acctSeq = a.ID
	}
	s.accounts[a.ID] = a
	s.mu.Unlock()
}

func (s *MemoryStore) removePost(id int64) {
	s.mu.Lock()
	delete(s.posts, id)
	s.mu.Unlock()
}

func (s *MemoryStore) dump() ([]Post, []Account) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	posts := make([]Post, 0, len(s.posts))
	for _, p := range s.posts {
		posts = append(posts, p.Clone())
	}
	sortPosts(posts)
	accounts := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
	return posts, accounts
}
