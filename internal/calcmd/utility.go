package calcmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calbot/internal/transport/telegram/router"
)

var errNoResolver = errors.New("latency unavailable")

func (h *Handler) cmdPing(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "pong")
}

// cmdLatency times one getChat round trip for the current chat.
func (h *Handler) cmdLatency(ctx context.Context, req *router.Request) error {
	if h.deps.Resolver == nil {
		return errNoResolver
	}
	start := time.Now()
	if _, err := h.deps.Resolver.ResolveChat(ctx, req.Chat.ChatID); err != nil {
		return fmt.Errorf("getChat: %w", err)
	}
	return req.Reply(ctx, fmt.Sprintf("%d ms", time.Since(start).Milliseconds()))
}
