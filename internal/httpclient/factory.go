package httpclient

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/songzhibin97/conduit/internal/config"
	"github.com/songzhibin97/conduit/pkg/log"
)

// Factory hands out one Client per API. Clients are created on first use
// and cached until the API is removed.
type Factory struct {
	config  config.HTTPClientConfig
	clients *xsync.Map[string, *Client]
	logger  log.Logger
}

// NewFactory creates a factory building clients from cfg.
func NewFactory(cfg config.HTTPClientConfig, logger log.Logger) *Factory {
	if logger == nil {
		logger = log.Component("http-client")
	}
	return &Factory{
		config:  cfg,
		clients: xsync.NewMap[string, *Client](),
		logger:  logger,
	}
}

// Get returns the client for api, creating it once under contention.
func (f *Factory) Get(api string) *Client {
	client, loaded := f.clients.LoadOrCompute(api, func() (*Client, bool) {
		return New(api, f.config, f.logger), false
	})
	if !loaded {
		f.logger.Info("created http client",
			log.String(log.FieldAPI, api),
			log.Int("workers", client.config.Workers),
		)
	}
	return client
}

// Remove closes and forgets the client of api.
func (f *Factory) Remove(api string) {
	if client, ok := f.clients.LoadAndDelete(api); ok {
		client.Close()
	}
}

// APIs returns the ids of every API with a live client.
func (f *Factory) APIs() []string {
	var apis []string
	f.clients.Range(func(api string, _ *Client) bool {
		apis = append(apis, api)
		return true
	})
	sort.Strings(apis)
	return apis
}

// Close closes every client.
func (f *Factory) Close() {
	f.clients.Range(func(api string, client *Client) bool {
		f.clients.Delete(api)
		client.Close()
		return true
	})
}
