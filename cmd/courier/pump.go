package main

import (
	"context"
	"log/slog"

	"github.com/rickgao/courier/internal/dispatch"
)

type broadcaster interface {
	Send(msg any) map[string]*dispatch.Handle
}

type subscriptorRouter interface {
	broadcaster
	HasEnabledSubscriptors() bool
}

// pump routes every input line until ctx ends. Messages go along the
// enabled subscriptors, or straight to every subscriber when none is
// configured. EOF leaves the daemon running.
func pump(ctx context.Context, lines <-chan string, readErr <-chan error, decode decoder,
	subs broadcaster, rt subscriptorRouter, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line, ok := <-lines:
			if !ok {
				logger.Info("input closed")
				lines = nil
				continue
			}
			msg, err := decode(line)
			if err != nil {
				logger.Warn("skipping input line", "error", err)
				continue
			}

			var handles map[string]*dispatch.Handle
			if rt.HasEnabledSubscriptors() {
				handles = rt.Send(msg)
			} else {
				handles = subs.Send(msg)
			}
			logger.Debug("message submitted", "targets", len(handles))
		}
	}
}
