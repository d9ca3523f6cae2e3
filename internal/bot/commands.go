package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	kit "dexwatch/internal/transport"
)

// Command is a single slash command.
type Command struct {
	Name        string
	Description string
	Timeout     time.Duration
	Handle      HandlerFunc
}

type Request struct {
	Message *kit.Message
	Chat    kit.ChatTarget
	Command string
	Args    []string
}

// parseCommand splits "/start@SomeBot a b" into ("start", ["a", "b"]).
// ok is false when text is not a command.
func parseCommand(text string) (name string, args []string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil, false
	}
	fields := strings.Fields(text)
	name = strings.TrimPrefix(fields[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), fields[1:], true
}

func (b *Bot) defaultCommands() []Command {
	return []Command{
		{Name: "start", Description: "Start getting notifications on new images", Handle: b.handleStart},
		{Name: "help", Description: "Show the help message", Handle: b.handleHelp},
	}
}

func (b *Bot) handleStart(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, welcomeText(req.Message.FromFirstName, b.cfg.Name))
}

func (b *Bot) handleHelp(ctx context.Context, req *Request) error {
	return b.reply(ctx, req, helpText(b.cfg.Name))
}

func (b *Bot) reply(ctx context.Context, req *Request, text string) error {
	_, err := b.adapter.SendText(ctx, req.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

func welcomeText(firstName, botName string) string {
	if strings.TrimSpace(firstName) == "" {
		firstName = "there"
	}
	return fmt.Sprintf(`Welcome %s,

Enjoy getting the fastest Dex Screener updates before anyone else! This bot will send you notifications on Images that have just been added to the Dex Screener search tool.

However, %s will also notify you of Up-coming images BEFORE they show up on the search bar. That's the real magic of this bot, and its power is in your hands!

NOTE:
The token address is copyable, so you can tap on it and have it ready to paste on your favourite trading platform.

Happy Trading! - %s Team`, firstName, botName, botName)
}

func helpText(botName string) string {
	return fmt.Sprintf(`Hello! Welcome to %s.

This bot is used to detect up and coming images on Dex Screener, BEFORE they show up on Dex Screener itself, helping you catch those 10x trades on the daily!

To get started, you can use the following commands:
/start - To start getting notifications on New Images
/help - To view this message again

Enjoy getting insider info and catch those 10x trades!`, botName)
}
