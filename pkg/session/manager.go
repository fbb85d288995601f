package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/models"
)

var ErrNoActor = errors.New("no authenticated actor")

type Authenticator interface {
	Login(ctx context.Context, email, password string) (*models.Actor, error)
}

// WatchFunc observes actor transitions. prev or next is nil on login and
// logout respectively.
type WatchFunc func(prev, next *models.Actor)

type state struct {
	Actor   *models.Actor `json:"actor"`
	SavedAt time.Time     `json:"saved_at"`
}

// Manager owns the current actor and persists it across runs. It doubles as
// the bearer token source for the REST client.
type Manager struct {
	mu       sync.RWMutex
	actor    *models.Actor
	path     string
	watchers []WatchFunc
}

// NewManager keeps state in path; an empty path keeps it in memory only.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Watch(fn WatchFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Current returns a copy of the actor, or nil when logged out.
func (m *Manager) Current() *models.Actor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.actor == nil {
		return nil
	}
	a := *m.actor
	return &a
}

func (m *Manager) ActorID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.actor == nil {
		return ""
	}
	return m.actor.ID
}

// Token implements oauth2.TokenSource.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.actor == nil || m.actor.Token == "" {
		return nil, ErrNoActor
	}
	return &oauth2.Token{AccessToken: m.actor.Token, TokenType: "Bearer"}, nil
}

// Restore loads a previously saved actor. A missing or unreadable file means
// logged out.
func (m *Manager) Restore() *models.Actor {
	if m.path == "" {
		return nil
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.WarnCF("session", "Failed to read session state", map[string]interface{}{
				"path":  m.path,
				"error": err.Error(),
			})
		}
		return nil
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil || st.Actor == nil || st.Actor.ID == "" {
		logger.WarnCF("session", "Ignoring invalid session state", map[string]interface{}{
			"path": m.path,
		})
		return nil
	}
	m.set(st.Actor)
	logger.InfoCF("session", "Session restored", map[string]interface{}{
		"actor": st.Actor.ID,
	})
	return m.Current()
}

func (m *Manager) Login(ctx context.Context, auth Authenticator, email, password string) (*models.Actor, error) {
	actor, err := auth.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := m.SetActor(actor); err != nil {
		return nil, err
	}
	return m.Current(), nil
}

// SetActor installs actor, saves it, and notifies watchers.
func (m *Manager) SetActor(actor *models.Actor) error {
	if actor == nil || actor.ID == "" {
		return fmt.Errorf("actor must have an id")
	}
	a := *actor
	if err := m.save(&a); err != nil {
		return err
	}
	m.set(&a)
	return nil
}

func (m *Manager) Logout() error {
	m.set(nil)
	if m.path == "" {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session state: %w", err)
	}
	return nil
}

func (m *Manager) set(next *models.Actor) {
	m.mu.Lock()
	prev := m.actor
	m.actor = next
	watchers := m.watchers
	m.mu.Unlock()

	if prev == nil && next == nil {
		return
	}
	if prev != nil && next != nil && *prev == *next {
		return
	}
	for _, fn := range watchers {
		fn(prev, next)
	}
}

func (m *Manager) save(actor *models.Actor) error {
	if m.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	data, err := json.MarshalIndent(state{Actor: actor, SavedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path, data, 0600); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}
