package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"postbot/internal/storage"
)

// Message is the platform-neutral payload of one delivery.
type Message struct {
	Content  string
	MediaURL string
	Geo      *storage.Geo
}

// MessageFromPost builds a Message from a stored post.
func MessageFromPost(p storage.Post) Message {
	return Message{Content: p.Content, MediaURL: p.ImageURL, Geo: p.Geo}
}

// Result describes the created platform object.
type Result struct {
	ExternalID string
}

// Adapter delivers messages to one platform.
type Adapter interface {
	Platform() storage.Platform
	// Post makes one delivery attempt. The account is a copy and must be treated as read-only.
	Post(ctx context.Context, acct storage.Account, msg Message) (Result, error)
}

// Registry maps platforms to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[storage.Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[storage.Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Platform().
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Platform()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(p storage.Platform) (Adapter, bool) {
	r.mu.RLock()
	a, ok := r.adapters[p]
	r.mu.RUnlock()
	return a, ok
}

func (r *Registry) Platforms() []storage.Platform {
	r.mu.RLock()
	out := make([]storage.Platform, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Post routes to the adapter for acct.Platform.
func (r *Registry) Post(ctx context.Context, acct storage.Account, msg Message) (Result, error) {
	a, ok := r.Get(acct.Platform)
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, acct.Platform)
	}
	return a.Post(ctx, acct, msg)
}
