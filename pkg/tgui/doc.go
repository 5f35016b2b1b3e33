// Package tgui provides small helpers for Telegram HTML messages:
//   - escaping and inline formatting (bold, code, links, mentions)
//   - a card builder for "label: value" blocks
package tgui
