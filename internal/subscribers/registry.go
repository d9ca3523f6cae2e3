// Package subscribers keeps the set of users and chats that receive feed
// notifications.
package subscribers

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/samber/lo"

	"dexwatch/internal/eventbus"
	"dexwatch/internal/storage"
	logx "dexwatch/pkg/logx"
)

// Registry is safe for concurrent use. The bot writes to it; dispatchers
// read point-in-time snapshots.
type Registry struct {
	backend storage.SubscriberBackend
	log     logx.Logger
	bus     eventbus.Bus

	mu    sync.RWMutex
	users []int64
	chats []int64
}

type Option func(*Registry)

// WithEvents publishes a subscribers.added event for every new id.
func WithEvents(b eventbus.Bus) Option {
	return func(r *Registry) {
		if b != nil {
			r.bus = b
		}
	}
}

// Open loads the stored registry. A missing store is an empty registry.
func Open(ctx context.Context, backend storage.SubscriberBackend, log logx.Logger, opts ...Option) (*Registry, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	s, err := backend.LoadSubscribers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load subscribers: %w", err)
	}
	r := &Registry{
		backend: backend,
		log:     log,
		users:   lo.Uniq(lo.Without(s.UserIDs, 0)),
		chats:   lo.Uniq(lo.Without(s.ChatIDs, 0)),
		bus:     eventbus.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Register records userID and chatID, either of which may be 0 when unknown.
// It reports whether anything changed; the store is only written on change.
func (r *Registry) Register(ctx context.Context, userID, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	addUser := userID != 0 && !slices.Contains(r.users, userID)
	addChat := chatID != 0 && !slices.Contains(r.chats, chatID)
	if !addUser && !addChat {
		return false, nil
	}

	next := storage.Subscribers{UserIDs: slices.Clone(r.users), ChatIDs: slices.Clone(r.chats)}
	if addUser {
		next.UserIDs = append(next.UserIDs, userID)
	}
	if addChat {
		next.ChatIDs = append(next.ChatIDs, chatID)
	}
	if err := r.backend.SaveSubscribers(ctx, next); err != nil {
		return false, fmt.Errorf("save subscribers: %w", err)
	}
	r.users, r.chats = next.UserIDs, next.ChatIDs
	if addUser {
		r.bus.Publish(eventbus.Event{Type: eventbus.SubscriberAdded, Data: userID})
	}
	if addChat && chatID != userID {
		r.bus.Publish(eventbus.Event{Type: eventbus.SubscriberAdded, Data: chatID})
	}
	r.log.Info("subscriber registered", logx.Int64("user_id", userID), logx.Int64("chat_id", chatID))
	return true, nil
}

// Snapshot returns users then chats, with duplicates removed. A private chat
// shares its id with the user, so each recipient appears once.
func (r *Registry) Snapshot() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Uniq(append(slices.Clone(r.users), r.chats...))
}

// Counts returns the number of known users and chats.
func (r *Registry) Counts() (users, chats int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users), len(r.chats)
}
