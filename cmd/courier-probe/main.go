// courier-probe sends one message to one destination and reports the outcome.
// Usage: go run ./cmd/courier-probe -uri http://localhost:8080/hook -msg '{"ping":true}'
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/courier/internal/dispatch"
	"github.com/rickgao/courier/internal/model"
	"github.com/rickgao/courier/internal/transform"
	"github.com/rickgao/courier/internal/transport/builtin"
)

// propsFlag collects repeated -prop key=value flags.
type propsFlag model.Properties

func (p propsFlag) String() string {
	parts := make([]string, 0, len(p))
	for _, k := range model.Properties(p).Keys() {
		parts = append(parts, k+"="+p[k])
	}
	return strings.Join(parts, ",")
}

func (p propsFlag) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("property %q must be key=value", v)
	}
	p[k] = val
	return nil
}

func main() {
	props := propsFlag{}
	uri := flag.String("uri", "", "destination URI (required)")
	msg := flag.String("msg", "", "message; parsed as JSON when valid, sent as a string otherwise")
	path := flag.String("path", "", "sub-path to send to instead of the destination path")
	name := flag.String("name", "probe", "route name passed with -path")
	timeout := flag.Duration("timeout", 30*time.Second, "how long to wait for delivery")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Var(props, "prop", "transport property key=value (repeatable)")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *uri == "" {
		fmt.Fprintln(os.Stderr, "-uri is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := probe(*uri, *path, *name, parseMessage(*msg), model.Properties(props), *timeout, logger); err != nil {
		logger.Error("probe failed", "uri", *uri, "error", err)
		os.Exit(1)
	}
	logger.Info("delivered", "uri", *uri)
}

func parseMessage(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func probe(uri, path, name string, msg any, props model.Properties, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	factory := dispatch.NewFactory(dispatch.FactoryConfig{}, builtin.NewRegistry(), logger,
		dispatch.WithTransforms(transform.NewRegistry()))

	w, err := factory.Open("probe", uri, props)
	if err != nil {
		return err
	}
	defer func() {
		w.Dispose()
		waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer waitCancel()
		w.Wait(waitCtx)
	}()

	var h *dispatch.Handle
	if path != "" {
		h = w.SubmitTo(msg, name, path, nil)
	} else {
		h = w.Submit(msg)
	}

	if err := h.Wait(ctx); err != nil {
		h.Cancel()
		return err
	}
	return nil
}
