package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"dexwatch/internal/storage"
	kit "dexwatch/internal/transport"
)

type sentMedia struct {
	ChatID  int64
	Media   kit.Media
	Caption string
}

// fakeAdapter records sends. Chats in failChats always fail; chats in
// goneChats fail as unreachable recipients; media URLs in failURLs fail for
// every chat.
type fakeAdapter struct {
	mu        sync.Mutex
	sent      []sentMedia
	attempts  map[int64]int
	failChats map[int64]bool
	goneChats map[int64]bool
	failURLs  map[string]bool
	onSend    func(chatID int64)
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(context.Context, kit.ChatTarget, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (a *fakeAdapter) SendMedia(_ context.Context, to kit.ChatTarget, media kit.Media, caption string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if a.onSend != nil {
		a.onSend(to.ChatID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.attempts == nil {
		a.attempts = map[int64]int{}
	}
	a.attempts[to.ChatID]++
	if a.goneChats[to.ChatID] {
		return kit.MessageRef{}, fmt.Errorf("%w: bot was blocked by the user", kit.ErrRecipientUnavailable)
	}
	if a.failChats[to.ChatID] {
		return kit.MessageRef{}, errors.New("chat not found")
	}
	if media.URL != "" && a.failURLs[media.URL] {
		return kit.MessageRef{}, errors.New("wrong file identifier")
	}
	a.sent = append(a.sent, sentMedia{ChatID: to.ChatID, Media: media, Caption: caption})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(a.sent)}, nil
}

func (a *fakeAdapter) Attempts(chatID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts[chatID]
}

func (a *fakeAdapter) Sent() []sentMedia {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentMedia(nil), a.sent...)
}

// memIDs is an in-memory IDBackend; saveErr makes every save fail.
type memIDs struct {
	mu      sync.Mutex
	ids     []string
	saves   int
	saveErr error
}

func (m *memIDs) LoadIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...), nil
}

func (m *memIDs) SaveIDs(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.ids = append([]string(nil), ids...)
	return nil
}

func (m *memIDs) Stored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ids...)
}

var _ storage.IDBackend = (*memIDs)(nil)

type staticSubscribers []int64

func (s staticSubscribers) Snapshot() []int64 { return append([]int64(nil), s...) }
