package router

import (
	"errors"
	"fmt"

	"github.com/rickgao/courier/internal/reaper"
	"github.com/rickgao/courier/internal/subscriber"
	"github.com/rickgao/courier/internal/transport"
)

var (
	// ErrNotFound is returned for unknown subscriptor IDs.
	ErrNotFound = fmt.Errorf("%w: subscriptor not found", transport.ErrValidation)

	// ErrResourceBusy is returned while another reconfiguration of the same
	// subscriptor is in progress.
	ErrResourceBusy = subscriber.ErrResourceBusy

	errMimeType = errors.New("mime type must be configured on the subscriber")
)

// Config holds configuration for the Router.
type Config struct {
	Reaper reaper.Config
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{Reaper: reaper.DefaultConfig()}
}

// Stats contains runtime statistics.
type Stats struct {
	Subscriptors int
	Enabled      int
	Sent         int64
	Skipped      int64
}
