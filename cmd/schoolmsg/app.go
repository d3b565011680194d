package main

import (
	"fmt"
	"time"

	"schoolmsg/internal/bus"
	"schoolmsg/internal/config"
	"schoolmsg/internal/connection"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/gateway"
	"schoolmsg/internal/messaging"
	"schoolmsg/internal/store"
	"schoolmsg/internal/templates"
)

// app is the wired messaging stack for one CLI invocation.
type app struct {
	cfg      *config.Config
	client   *gateway.Client
	events   *bus.ListenerBus
	queue    *bus.Queue
	manager  *connection.Manager
	archive  *store.SQLiteArchive
	facade   *messaging.Facade
	token    string
	closeLog func()
}

// newApp loads the config and builds every component. requireToken is false
// only for commands that work offline.
func newApp(requireToken bool) (*app, error) {
	cfg, closeLog, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, closeLog: closeLog}

	token, err := resolveToken(cfg)
	if err != nil && requireToken {
		a.Close()
		return nil, err
	}
	a.token = token

	self := selfOf(cfg)
	a.client = gateway.New(gateway.Config{
		BaseURL:    cfg.Server.APIBase,
		Self:       self,
		Timeout:    cfg.Server.Timeout(),
		RateLimit:  cfg.Server.RateLimit,
		Burst:      cfg.Server.Burst,
		MaxRetries: cfg.Server.MaxRetries,
		Logger:     logger,
	})
	a.client.SetToken(token)

	a.events = bus.New(logger)
	a.queue = bus.NewQueue(a.events, 256, logger)
	a.manager = connection.NewManager(connection.Config{
		Transport: connection.NewWebSocketTransport(connection.WSConfig{
			URL:              cfg.Server.WebSocketURL,
			HandshakeTimeout: cfg.Connection.DialTimeout(),
			WriteTimeout:     10 * time.Second,
			PingInterval:     cfg.Connection.PingInterval(),
			Logger:           logger,
		}),
		Bus: a.queue,
		Backoff: connection.Backoff{
			Base:   cfg.Connection.ReconnectBase(),
			Max:    cfg.Connection.ReconnectMax(),
			Jitter: cfg.Connection.ReconnectJitter,
		},
		DialTimeout: cfg.Connection.DialTimeout(),
		Logger:      logger,
	})

	var archive domain.Archive
	if cfg.Archive.Enabled {
		a.archive, err = store.Open(cfg.Archive.DBPath, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		archive = a.archive
	}

	var local []domain.MessageTemplate
	if cfg.Messaging.TemplatesDir != "" {
		local, err = templates.LoadDirectory(cfg.Messaging.TemplatesDir, logger)
		if err != nil {
			logger.Warn("local templates not loaded", "dir", cfg.Messaging.TemplatesDir, "err", err)
		}
	}

	a.facade, err = messaging.New(messaging.Options{
		Self:           self,
		Gateway:        a.client,
		Connection:     a.manager,
		Bus:            a.events,
		Archive:        archive,
		LocalTemplates: local,
		TypingDebounce: cfg.Messaging.TypingDebounce(),
		PageSize:       cfg.Messaging.PageSize,
		Logger:         logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("set identity.userId and identity.role first: %w", err)
	}
	return a, nil
}

// Close tears the stack down in reverse order.
func (a *app) Close() {
	if a.facade != nil {
		a.facade.Teardown()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.closeLog != nil {
		a.closeLog()
	}
}
