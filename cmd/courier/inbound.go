package main

import "log/slog"

// inbound logs messages that arrive on routed paths.
type inbound struct {
	logger *slog.Logger
}

func newInbound(logger *slog.Logger) *inbound {
	return &inbound{logger: logger.With("component", "inbound")}
}

func (i *inbound) Arrived(path string, msg any) {
	i.logger.Info("message arrived", "path", path, "message", msg)
}
