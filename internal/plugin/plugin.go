// Package plugin manages optional integrations that attach to the call
// lifecycle through hooks, such as the IRC notifier.
package plugin

import (
	"context"

	"github.com/soyeahso/calldesk/internal/hooks"
	"github.com/soyeahso/calldesk/internal/logging"
)

// Plugin is an integration with its own connection lifecycle.
type Plugin interface {
	// ID returns a unique identifier for the plugin (e.g., "irc").
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Init connects the plugin and registers its hooks.
	Init(ctx context.Context, api API) error

	// Close shuts down the plugin and releases resources.
	Close() error
}

// API is what a plugin receives at Init.
type API struct {
	Hooks *hooks.Manager
	Log   *logging.Logger
}
