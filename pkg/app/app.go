// Package app wires the session, REST client, event channel, conversation
// synchronizer and booking relay into one client, and resets all of them
// whenever the authenticated actor changes.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/toolshed/toolshed/pkg/api"
	"github.com/toolshed/toolshed/pkg/bookings"
	"github.com/toolshed/toolshed/pkg/channels"
	"github.com/toolshed/toolshed/pkg/chatsync"
	"github.com/toolshed/toolshed/pkg/config"
	"github.com/toolshed/toolshed/pkg/conversation"
	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/models"
	"github.com/toolshed/toolshed/pkg/session"
)

type App struct {
	cfg *config.Config

	Session  *session.Manager
	API      *api.Client
	Channel  *channels.Realtime
	Store    *conversation.Store
	Chat     *chatsync.Synchronizer
	Bookings *bookings.Relay

	refresher *bookings.Refresher

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	bg     sync.WaitGroup
}

func New(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	a.Session = session.NewManager(cfg.SessionPath())
	a.API = api.NewClient(api.Options{
		BaseURL:   cfg.API.BaseURL,
		Timeout:   cfg.APITimeout(),
		RateLimit: cfg.API.RateLimitRPS,
		Burst:     cfg.API.RateLimitBurst,
		Tokens:    a.Session,
	})
	a.Channel = channels.NewRealtime(channels.Options{
		URL:              cfg.Realtime.URL,
		Path:             cfg.Realtime.Path,
		HandshakeTimeout: time.Duration(cfg.Realtime.HandshakeTimeoutSeconds) * time.Second,
		WriteTimeout:     time.Duration(cfg.Realtime.WriteTimeoutSeconds) * time.Second,
		Reconnect:        cfg.Realtime.Reconnect,
		ReconnectMax:     time.Duration(cfg.Realtime.ReconnectMaxSeconds) * time.Second,
	})
	a.Store = conversation.NewStore()

	mode := conversation.Borrower
	if cfg.Chat.OwnerMode {
		mode = conversation.Owner
	}
	a.Chat = chatsync.New(a.Channel, a.API, a.Session, a.Store, chatsync.Options{
		Mode:            mode,
		PrefetchWorkers: cfg.Chat.PrefetchWorkers,
	})
	a.Bookings = bookings.NewRelay(a.Channel, a.API, cfg.Bookings.RequestCap)

	if cfg.Bookings.RefreshCron != "" {
		r, err := bookings.NewRefresher(a.Bookings, cfg.Bookings.RefreshCron)
		if err != nil {
			return nil, err
		}
		a.refresher = r
	}

	a.Channel.WatchStatus(func(s channels.Status) {
		logger.InfoCF("app", "Channel status changed", map[string]interface{}{
			"status": string(s),
		})
	})
	a.Session.Watch(a.onActorChange)
	return a, nil
}

// ConfigureLogging applies the logging section of cfg.
func ConfigureLogging(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	if !cfg.Logging.FileEnabled {
		return nil
	}
	return logger.EnableFileLoggingWithRotation(cfg.LogPath(), cfg.Logging.RotationEnabled, cfg.Logging.MaxSizeMB, cfg.Logging.MaxAgeDays)
}

// Start subscribes the components, restores a saved session and connects
// if one is found.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return fmt.Errorf("app already started")
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	runCtx := a.ctx
	a.mu.Unlock()

	a.Chat.Start(runCtx)
	a.Bookings.Start()

	if a.refresher != nil {
		a.bg.Add(1)
		go func() {
			defer a.bg.Done()
			a.refresher.Run(runCtx)
		}()
	}

	if actor := a.Session.Restore(); actor == nil {
		logger.InfoC("app", "No saved session; log in to connect")
	}
	return nil
}

// Stop disconnects and waits for background work.
func (a *App) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()

	a.Chat.Stop()
	a.Bookings.Stop()
	a.Channel.Close()
	if cancel != nil {
		cancel()
	}
	a.bg.Wait()
	logger.InfoC("app", "Stopped")
}

func (a *App) Login(ctx context.Context, email, password string) (*models.Actor, error) {
	return a.Session.Login(ctx, a.API, email, password)
}

func (a *App) Logout() error {
	return a.Session.Logout()
}

func (a *App) context() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil {
		return context.Background()
	}
	return a.ctx
}

// onActorChange tears down everything tied to the previous actor and, if a
// new actor is present, opens a fresh channel registered as that actor.
func (a *App) onActorChange(prev, next *models.Actor) {
	a.Channel.Close()
	a.Store.Reset()
	a.Chat.Reset()
	a.Bookings.Reset()

	if next == nil {
		logger.InfoCF("app", "Logged out", map[string]interface{}{
			"actor": actorID(prev),
		})
		return
	}

	ctx := a.context()
	a.Channel.Open(ctx, next.ID)
	a.Channel.RegisterActor(next.ID)
	logger.InfoCF("app", "Session started", map[string]interface{}{
		"actor": next.ID,
	})

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		_ = a.Bookings.Load(ctx)
	}()
}

func actorID(a *models.Actor) string {
	if a == nil {
		return ""
	}
	return a.ID
}
