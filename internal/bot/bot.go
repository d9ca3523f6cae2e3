// Package bot handles incoming chat updates: it records every sender and chat
// as a subscriber and answers /start and /help.
package bot

import (
	"context"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	rtsup "dexwatch/internal/runtime/supervisor"
	kit "dexwatch/internal/transport"
	logx "dexwatch/pkg/logx"
)

// Registrar records subscribers. Either id may be 0.
type Registrar interface {
	Register(ctx context.Context, userID, chatID int64) (bool, error)
}

type Config struct {
	// Name is used in the welcome and help texts.
	Name           string
	Workers        int
	CommandTimeout time.Duration
}

type Bot struct {
	cfg      Config
	adapter  kit.Adapter
	registry Registrar
	log      logx.Logger

	commands map[string]Command
	order    []string
	jobs     chan func(ctx context.Context)
}

func New(cfg Config, adapter kit.Adapter, registry Registrar, log logx.Logger) *Bot {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = "Dex Images Bot"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	b := &Bot{
		cfg:      cfg,
		adapter:  adapter,
		registry: registry,
		log:      log,
		commands: map[string]Command{},
		jobs:     make(chan func(ctx context.Context), 256),
	}
	for _, c := range b.defaultCommands() {
		b.commands[c.Name] = c
		b.order = append(b.order, c.Name)
	}
	return b
}

// MenuCommands lists the commands in registration order.
func (b *Bot) MenuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(b.order))
	for _, name := range b.order {
		out = append(out, kit.BotCommand{Command: name, Description: b.commands[name].Description})
	}
	return out
}

// PublishMenu pushes the command list to the transport when it supports it.
func (b *Bot) PublishMenu(ctx context.Context) {
	up, ok := b.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := up.UpdateMenuCommands(ctx, b.MenuCommands()); err != nil {
		b.log.Warn("menu commands update failed", logx.Err(err))
	}
}

// Run consumes updates until ctx is done or updates is closed. Handlers run
// on a small worker pool so a slow reply never stalls polling.
func (b *Bot) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(b.log.With(logx.String("comp", "bot.workers"))),
		rtsup.WithCancelOnError(false),
	)
	for i := 0; i < b.cfg.Workers; i++ {
		idx := i
		sup.GoRestart("bot.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-b.jobs:
					b.runJob(c, idx, job)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}
	b.log.Info("bot started", logx.Int("workers", b.cfg.Workers))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		b.log.Info("bot stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			b.route(up)
		}
	}
}

func (b *Bot) runJob(ctx context.Context, worker int, job func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in bot job", logx.Int("worker", worker), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	job(ctx)
}

func (b *Bot) route(up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	job := func(ctx context.Context) { b.Handle(ctx, up) }
	select {
	case b.jobs <- job:
	default:
		b.log.Warn("bot queue full; update dropped", logx.Int64("chat_id", msg.ChatID))
	}
}

// Handle processes one update synchronously.
func (b *Bot) Handle(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	b.register(ctx, msg)
	if up.Kind != kit.UpdateMessage {
		return
	}
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd, ok := b.commands[name]
	if !ok {
		return
	}
	req := &Request{
		Message: msg,
		Chat:    kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID},
		Command: name,
		Args:    args,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = b.cfg.CommandTimeout
	}
	h := Chain(cmd.Handle,
		MWPanicRecover(b.log),
		MWRequestLog(b.log),
		MWTimeout(timeout),
	)
	_ = h(ctx, req)
}

func (b *Bot) register(ctx context.Context, msg *kit.Message) {
	if b.registry == nil {
		return
	}
	// group messages register both the sender and the group.
	if _, err := b.registry.Register(ctx, msg.FromID, msg.ChatID); err != nil {
		b.log.Error("subscriber registration failed", logx.Int64("user_id", msg.FromID), logx.Int64("chat_id", msg.ChatID), logx.Err(err))
	}
}
