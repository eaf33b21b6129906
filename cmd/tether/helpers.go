package main

import (
	"fmt"
	"os"
	"path/filepath"

	tether "github.com/tetherline/tether-go"
)

// engine bundles the pieces a command needs: the authenticated gateway,
// the on-disk cache, and the two stores built over them.
type engine struct {
	userID    string
	gateway   *tether.HTTPGateway
	cache     *tether.FileCache
	channels  *tether.WSChannelManager
	directory *tether.DirectoryStore
	threads   *tether.ThreadStore
	cfg       *Config
}

// getEngine builds the engine from the stored credentials, exiting with a
// message when the CLI has not been initialized.
func getEngine() *engine {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "No credentials. Run 'tether init <token> <user-id>' first.")
		os.Exit(1)
	}

	var opts []tether.GatewayOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, tether.WithBaseURL(cfg.Default.BaseURL))
	}
	gateway := tether.NewHTTPGateway(cfg.Auth.Token, opts...)

	dir, err := configDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate config directory: %v\n", err)
		os.Exit(1)
	}
	cache, err := tether.NewFileCache(filepath.Join(dir, "cache"), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open cache: %v\n", err)
		os.Exit(1)
	}

	channels := newChannels(cfg)
	return &engine{
		userID:    cfg.Auth.UserID,
		gateway:   gateway,
		cache:     cache,
		channels:  channels,
		directory: tether.NewDirectoryStore(cfg.Auth.UserID, gateway, channels, cache, nil),
		threads:   tether.NewThreadStore(cfg.Auth.UserID, gateway, channels, cache, nil),
		cfg:       cfg,
	}
}

// newChannels builds the realtime transport. Commands that never watch a
// topic leave it disconnected.
func newChannels(cfg *Config) *tether.WSChannelManager {
	realtimeURL := cfg.Default.RealtimeURL
	if realtimeURL == "" {
		realtimeURL = cfg.Default.BaseURL
	}
	if realtimeURL == "" {
		realtimeURL = tether.DefaultBaseURL
	}
	return tether.NewWSChannelManager(realtimeURL, &tether.ChannelConfig{
		Token:         cfg.Auth.Token,
		AutoReconnect: true,
	}, nil)
}
