// Package app wires the realtime core together: store, transport, presence,
// notifications, calls, metrics and the local viewer.
package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/mentality/internal/call"
	"github.com/petervdpas/mentality/internal/config"
	mlog "github.com/petervdpas/mentality/internal/logging"
	"github.com/petervdpas/mentality/internal/metrics"
	"github.com/petervdpas/mentality/internal/notify"
	"github.com/petervdpas/mentality/internal/presence"
	"github.com/petervdpas/mentality/internal/proto"
	"github.com/petervdpas/mentality/internal/storage"
	"github.com/petervdpas/mentality/internal/toast"
	"github.com/petervdpas/mentality/internal/transport"
	"github.com/petervdpas/mentality/internal/util"
	"github.com/petervdpas/mentality/internal/viewer"
	"github.com/petervdpas/mentality/internal/viewer/routes"
)

var log = logging.Logger("app")

type Options struct {
	Dir     string
	CfgPath string
	Cfg     config.Config
}

// Run blocks until ctx is cancelled, then closes everything in reverse order.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg
	if err := mlog.Setup(cfg.Log.Level, cfg.Log.Subsystems, cfg.Viewer.Debug); err != nil {
		return err
	}
	logs := viewer.NewLogBuffer(800)
	logs.Follow(ctx)
	logBanner(opt.Dir, opt.CfgPath, cfg.Identity)

	c, err := build(opt.Dir, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	c.metrics.Watch(ctx, metrics.Sources{
		Transport: c.transport.Subscribe,
		Presence:  c.presence.Subscribe,
		Notify:    c.notify.Subscribe,
		Call:      c.calls.Subscribe,
		Toasts:    c.toasts.Subscribe,
	})
	go followPresence(ctx, c.presence, c.calls)

	go func() {
		err := config.Watch(ctx, opt.CfgPath, func(next config.Config) {
			if err := mlog.Apply(next.Log.Level, next.Log.Subsystems); err != nil {
				log.Warnf("apply log levels: %v", err)
				return
			}
			log.Infof("log levels reloaded (%s)", next.Log.Level)
		})
		if err != nil {
			log.Warnf("config watcher stopped: %v", err)
		}
	}()

	id := cfg.Identity
	if err := c.transport.Initialize(ctx, transport.Identity{
		UserID:    id.UserID,
		Role:      id.Role,
		FirstName: id.FirstName,
		LastName:  id.LastName,
		Email:     id.Email,
		Token:     id.Token,
	}); err != nil {
		return fmt.Errorf("initialize transport: %w", err)
	}

	go func() {
		if err := c.notify.Fetch(ctx, true); err != nil {
			log.Warnf("initial notification fetch: %v", err)
		}
	}()

	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				Debug: cfg.Viewer.Debug,
				Deps: routes.Deps{
					Conn:     c.transport,
					Presence: c.presence,
					Notify:   c.notify,
					Calls:    c.calls,
					Toasts:   c.toasts,
					Metrics:  c.metrics.Handler(),
					Logs:     logs,
				},
			})
			if err != nil {
				log.Errorf("viewer: %v", err)
			}
		}()
		log.Infof("viewer: %s", url)
	}

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

// components holds everything Run starts. Built separately so tests can
// assemble the graph without a viewer or config watcher.
type components struct {
	db        *storage.DB
	toasts    *toast.Feed
	presence  *presence.Tracker
	transport *transport.Manager
	notify    *notify.Engine
	signaler  *call.TransportSignaler
	calls     *call.Manager
	metrics   *metrics.Metrics
}

func build(dir string, cfg config.Config) (*components, error) {
	return buildWith(dir, cfg, &transport.WSDialer{
		HandshakeTimeout: time.Duration(cfg.Backend.RequestTimeoutSec) * time.Second,
		ReadTimeout:      transport.ConfigFrom(cfg.Backend.SocketURL, cfg.Transport).ReadTimeout,
	}, call.PionFactory(cfg.Calls.STUNServers))
}

func buildWith(dir string, cfg config.Config, dialer transport.Dialer, media call.MediaFactory) (*components, error) {
	db, err := storage.Open(util.ResolvePath(dir, cfg.Store.Path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := &components{
		db:       db,
		toasts:   toast.NewFeed(50),
		presence: presence.NewTracker(),
		metrics:  metrics.New(),
	}
	c.transport = transport.New(
		transport.ConfigFrom(cfg.Backend.SocketURL, cfg.Transport),
		dialer, db, c.toasts, c.presence,
	)

	id := cfg.Identity
	c.notify = notify.New(
		notify.NewClient(cfg.Backend.APIURL, id.Token, time.Duration(cfg.Backend.RequestTimeoutSec)*time.Second),
		c.transport, db, c.toasts,
		notify.Options{
			UserID:          id.UserID,
			Role:            id.Role,
			PageLimit:       cfg.Notifications.PageLimit,
			Rules:           notify.NewRules(cfg.Notifications.RoleRules),
			FallbackTimeout: util.Millis(cfg.Transport.RequestTimeoutMs),
		},
	)
	c.notify.Start()

	c.signaler = call.NewTransportSignaler(c.transport)
	c.calls = call.New(c.signaler, c.presence, c.transport, db, c.toasts, media, call.Options{
		Self:          proto.Participant{UserID: id.UserID, FirstName: id.FirstName, LastName: id.LastName},
		CloseDelay:    util.Millis(cfg.Calls.CloseDelayMs),
		StatsInterval: util.Millis(cfg.Calls.StatsIntervalMs),
		RegistrySize:  cfg.Calls.EndedRegistry,
	})
	return c, nil
}

func (c *components) close() {
	c.calls.Close()
	c.signaler.Close()
	c.notify.Stop()
	if err := c.transport.Close(); err != nil {
		log.Debugf("close transport: %v", err)
	}
	if err := c.db.Close(); err != nil {
		log.Warnf("close store: %v", err)
	}
}

// followPresence lets a waiting outgoing call ring once the callee shows up.
func followPresence(ctx context.Context, tracker *presence.Tracker, calls *call.Manager) {
	ch, cancel := tracker.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			calls.PeersChanged()
		}
	}
}
