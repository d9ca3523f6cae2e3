package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

type sentText struct {
	To   kit.ChatTarget
	Text string
}

type fakeAdapter struct {
	mu      sync.Mutex
	texts   []sentText
	menu    []kit.BotCommand
	sendErr error
}

func (a *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (a *fakeAdapter) Stop(context.Context) error                     { return nil }

func (a *fakeAdapter) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return kit.MessageRef{}, a.sendErr
	}
	a.texts = append(a.texts, sentText{To: to, Text: text})
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (a *fakeAdapter) SendMedia(context.Context, kit.ChatTarget, kit.Media, string, *kit.SendOptions) (kit.MessageRef, error) {
	return kit.MessageRef{}, nil
}

func (a *fakeAdapter) UpdateMenuCommands(_ context.Context, cmds []kit.BotCommand) error {
	a.mu.Lock()
	a.menu = cmds
	a.mu.Unlock()
	return nil
}

func (a *fakeAdapter) Texts() []sentText {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]sentText(nil), a.texts...)
}

type registration struct{ user, chat int64 }

type fakeRegistry struct {
	mu   sync.Mutex
	regs []registration
	err  error
}

func (r *fakeRegistry) Register(_ context.Context, userID, chatID int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	r.regs = append(r.regs, registration{userID, chatID})
	return true, nil
}

func (r *fakeRegistry) Regs() []registration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registration(nil), r.regs...)
}

func message(text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ID: 1, ChatID: 42, FromID: 7, FromFirstName: "Ada", Text: text,
	}}
}

func TestParseCommand(t *testing.T) {
	name, args, ok := parseCommand("  /Start@DexImagesBot foo bar ")
	require.True(t, ok)
	assert.Equal(t, "start", name)
	assert.Equal(t, []string{"foo", "bar"}, args)

	_, _, ok = parseCommand("hello")
	assert.False(t, ok)
	_, _, ok = parseCommand("/@bot")
	assert.False(t, ok)
}

func TestStartRepliesByFirstNameAndRegisters(t *testing.T) {
	ad, reg := &fakeAdapter{}, &fakeRegistry{}
	b := New(Config{Name: "Dexy"}, ad, reg, logx.Nop())

	b.Handle(context.Background(), message("/start"))

	require.Len(t, ad.Texts(), 1)
	got := ad.Texts()[0]
	assert.Equal(t, kit.ChatTarget{ChatID: 42}, got.To)
	assert.Contains(t, got.Text, "Welcome Ada,")
	assert.Contains(t, got.Text, "Happy Trading! - Dexy Team")
	assert.Equal(t, []registration{{7, 42}}, reg.Regs())
}

func TestHelpListsCommands(t *testing.T) {
	ad := &fakeAdapter{}
	b := New(Config{}, ad, &fakeRegistry{}, logx.Nop())

	b.Handle(context.Background(), message("/help"))

	require.Len(t, ad.Texts(), 1)
	text := ad.Texts()[0].Text
	assert.Contains(t, text, "Welcome to Dex Images Bot")
	assert.Contains(t, text, "/start - To start getting notifications on New Images")
	assert.Contains(t, text, "/help - To view this message again")
}

func TestPlainMessageOnlyRegisters(t *testing.T) {
	ad, reg := &fakeAdapter{}, &fakeRegistry{}
	b := New(Config{}, ad, reg, logx.Nop())

	b.Handle(context.Background(), message("gm"))
	b.Handle(context.Background(), message("/unknown"))

	assert.Empty(t, ad.Texts())
	assert.Len(t, reg.Regs(), 2)
}

func TestJoinedRegistersChat(t *testing.T) {
	ad, reg := &fakeAdapter{}, &fakeRegistry{}
	b := New(Config{}, ad, reg, logx.Nop())

	b.Handle(context.Background(), kit.Update{Kind: kit.UpdateJoined, Message: &kit.Message{ChatID: -1001, FromID: 3, IsGroup: true, Text: "/start"}})

	assert.Equal(t, []registration{{3, -1001}}, reg.Regs())
	assert.Empty(t, ad.Texts())
}

func TestFailuresAreNotFatal(t *testing.T) {
	ad := &fakeAdapter{sendErr: errors.New("bot was blocked by the user")}
	reg := &fakeRegistry{err: errors.New("disk full")}
	b := New(Config{}, ad, reg, logx.Nop())

	assert.NotPanics(t, func() { b.Handle(context.Background(), message("/start")) })
}

func TestRunProcessesUpdatesAndPublishesMenu(t *testing.T) {
	ad, reg := &fakeAdapter{}, &fakeRegistry{}
	b := New(Config{}, ad, reg, logx.Nop())
	b.PublishMenu(context.Background())
	assert.Equal(t, []kit.BotCommand{
		{Command: "start", Description: "Start getting notifications on new images"},
		{Command: "help", Description: "Show the help message"},
	}, ad.menu)

	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan kit.Update, 4)
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, updates) }()

	updates <- message("/help")
	updates <- message("hi")
	require.Eventually(t, func() bool {
		return len(reg.Regs()) == 2 && len(ad.Texts()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
