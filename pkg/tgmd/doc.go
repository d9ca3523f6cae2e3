// Package tgmd builds text for Telegram's MarkdownV2 parse mode.
//
// Values of type M are already escaped; plain strings go through Esc.
package tgmd
