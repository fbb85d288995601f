package chatsync

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/toolshed/toolshed/pkg/bus"
	"github.com/toolshed/toolshed/pkg/conversation"
	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/metrics"
	"github.com/toolshed/toolshed/pkg/models"
)

// Channel is the slice of the realtime channel the synchronizer uses.
type Channel interface {
	On(event string, handler bus.MessageHandler) bus.Subscription
	Off(sub bus.Subscription)
	Emit(event string, payload interface{}) error
	Connected() bool
}

type API interface {
	ChatHistory(ctx context.Context, userA, userB string) ([]models.HistoryMessage, error)
	PostMessage(ctx context.Context, sender, receiver, text string) error
	ChatPartners(ctx context.Context, userID string) ([]string, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type ActorSource interface {
	ActorID() string
}

type Options struct {
	Mode            conversation.Mode
	PrefetchWorkers int
}

// Partner is one inbox row.
type Partner struct {
	ID   string
	Name string
	Err  error
}

// Synchronizer keeps the conversation store in step with the channel and
// the REST history, and owns the current-counterparty selection.
type Synchronizer struct {
	ch     Channel
	api    API
	actors ActorSource
	store  *conversation.Store
	sel    conversation.Selection

	mu      sync.RWMutex
	mode    conversation.Mode
	errs    map[string]error
	subs    []bus.Subscription
	names   map[string]string
	workers int

	lookups singleflight.Group
	bg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(ch Channel, api API, actors ActorSource, store *conversation.Store, opts Options) *Synchronizer {
	workers := opts.PrefetchWorkers
	if workers <= 0 {
		workers = 4
	}
	return &Synchronizer{
		ch:      ch,
		api:     api,
		actors:  actors,
		store:   store,
		mode:    opts.Mode,
		errs:    make(map[string]error),
		names:   make(map[string]string),
		workers: workers,
	}
}

// Start subscribes to inbound messages. ctx bounds background refreshes.
func (s *Synchronizer) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.subs = append(s.subs, s.ch.On(bus.EventReceiveMessage, s.handleReceive))
	logger.DebugCF("chat", "Synchronizer started", map[string]interface{}{
		"mode": s.mode.String(),
	})
}

// Stop removes this synchronizer's handlers only and waits for background work.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	for _, sub := range subs {
		s.ch.Off(sub)
	}
	if cancel != nil {
		cancel()
	}
	s.bg.Wait()
}

// Wait blocks until background history refreshes finish.
func (s *Synchronizer) Wait() {
	s.bg.Wait()
}

func (s *Synchronizer) Mode() conversation.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func (s *Synchronizer) SetMode(m conversation.Mode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = m
}

// Active is the currently selected counterparty, empty when none.
func (s *Synchronizer) Active() string {
	id, _ := s.sel.Current()
	return id
}

func (s *Synchronizer) Conversation(counterpartyID string) []models.Message {
	return s.store.Get(counterpartyID)
}

// LastError is the most recent unrecovered failure for a counterparty.
func (s *Synchronizer) LastError(counterpartyID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errs[counterpartyID]
}

// Notice is the banner text to show while the channel is down.
func (s *Synchronizer) Notice() string {
	if s.ch.Connected() {
		return ""
	}
	return models.UnavailableNotice
}

// Reset forgets selection, errors and cached names after an actor change.
func (s *Synchronizer) Reset() {
	s.sel.Clear()
	s.mu.Lock()
	s.errs = make(map[string]error)
	s.names = make(map[string]string)
	s.mu.Unlock()
}

// SelectPartner makes id the active counterparty and loads its history. A
// response that arrives after the selection moved on is discarded.
func (s *Synchronizer) SelectPartner(ctx context.Context, id string) error {
	if id == "" {
		return models.NewError(models.KindNoCounterparty, "", nil)
	}
	gen := s.sel.Set(id)
	return s.refresh(ctx, id, gen, s.store.Revision())
}

func (s *Synchronizer) refresh(ctx context.Context, id string, gen uint64, mark uint64) error {
	actor := s.actors.ActorID()
	if actor == "" {
		return models.NewError(models.KindUnauthenticated, id, nil)
	}

	history, err := s.api.ChatHistory(ctx, actor, id)
	if err != nil {
		metrics.HistoryFetches.WithLabelValues("failed").Inc()
		ferr := models.NewError(models.KindFetchFailed, id, err)
		s.setErr(id, ferr)
		logger.WarnCF("chat", "History fetch failed", map[string]interface{}{
			"counterparty": id,
			"error":        err.Error(),
		})
		return ferr
	}

	if !s.sel.Valid(id, gen) {
		metrics.HistoryFetches.WithLabelValues("stale").Inc()
		logger.DebugCF("chat", "Discarding stale history", map[string]interface{}{
			"counterparty": id,
		})
		return nil
	}

	s.apply(id, actor, history, mark)
	return nil
}

func (s *Synchronizer) apply(id, actor string, history []models.HistoryMessage, mark uint64) {
	msgs := make([]models.Message, len(history))
	for i, h := range history {
		msgs[i] = h.Message(actor)
	}
	merged := s.store.Reconcile(id, msgs, mark)
	s.setErr(id, nil)
	metrics.HistoryFetches.WithLabelValues("applied").Inc()
	logger.DebugCF("chat", "History loaded", map[string]interface{}{
		"counterparty": id,
		"fetched":      len(msgs),
		"total":        len(merged),
	})
}

func (s *Synchronizer) setErr(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.errs, id)
		return
	}
	s.errs[id] = err
}

func (s *Synchronizer) reject(kind models.ErrorKind) error {
	err := models.NewError(kind, "", nil)
	metrics.SendRejected.WithLabelValues(kind.String()).Inc()
	return err
}

// Send emits text to the active counterparty, appends it locally, then
// persists it. Persistence is best effort: a failure is logged and counted
// but the message stays and Send still succeeds.
func (s *Synchronizer) Send(ctx context.Context, text string) error {
	if !s.ch.Connected() {
		return s.reject(models.KindChannelUnavailable)
	}
	actor := s.actors.ActorID()
	if actor == "" {
		return s.reject(models.KindUnauthenticated)
	}
	if strings.TrimSpace(text) == "" {
		return s.reject(models.KindEmptyInput)
	}
	to := s.Active()
	if to == "" {
		return s.reject(models.KindNoCounterparty)
	}

	payload := bus.OutboundMessage{ToUserID: to, Message: text, FromUserID: actor}
	if err := s.ch.Emit(bus.EventSendMessage, payload); err != nil {
		metrics.SendRejected.WithLabelValues(models.KindChannelUnavailable.String()).Inc()
		return models.NewError(models.KindChannelUnavailable, to, err)
	}
	s.store.AppendOutgoing(to, text, actor)
	metrics.MessagesSent.Inc()

	if err := s.api.PostMessage(ctx, actor, to, text); err != nil {
		metrics.PersistFailures.Inc()
		logger.WarnCF("chat", "Message delivered but not persisted", map[string]interface{}{
			"counterparty": to,
			"error":        models.NewError(models.KindPersistenceFailed, to, err).Error(),
		})
	}
	return nil
}

func (s *Synchronizer) handleReceive(ev bus.Event) error {
	m, ok := ev.(bus.ReceiveMessage)
	if !ok {
		return fmt.Errorf("unexpected event %T", ev)
	}
	actor := s.actors.ActorID()
	if actor == "" {
		logger.DebugC("chat", "Ignoring message with no local actor")
		return nil
	}

	in := conversation.Inbound{From: m.FromUserID, To: m.ToUserID}
	key := conversation.KeyFor(actor, in)
	if key == "" {
		return fmt.Errorf("message without counterparty")
	}

	// Mark before appending so the refresh below keeps this message.
	mark := s.store.Revision()
	current, gen, changed := s.sel.Apply(s.Mode(), actor, in)

	if m.FromUserID != actor {
		s.store.AppendIncoming(key, m.Message, m.FromUserID)
	} else {
		s.store.AppendOutgoing(key, m.Message, m.FromUserID)
	}

	logger.DebugCF("chat", "Message received", map[string]interface{}{
		"counterparty": key,
		"length":       len(m.Message),
	})

	if changed {
		metrics.Reroutes.Inc()
		logger.InfoCF("chat", "Switched conversation to latest sender", map[string]interface{}{
			"counterparty": current,
		})
		s.refreshAsync(current, gen, mark)
	}
	return nil
}

// refreshAsync loads history off the dispatch goroutine.
func (s *Synchronizer) refreshAsync(id string, gen, mark uint64) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		_ = s.refresh(ctx, id, gen, mark)
	}()
}

// DisplayName resolves a user's name, falling back to the id. Concurrent
// lookups for the same id share one request; successes are cached.
func (s *Synchronizer) DisplayName(ctx context.Context, id string) string {
	s.mu.RLock()
	name, ok := s.names[id]
	s.mu.RUnlock()
	if ok {
		return name
	}

	v, err, _ := s.lookups.Do(id, func() (interface{}, error) {
		u, err := s.api.GetUser(ctx, id)
		if err != nil {
			return nil, err
		}
		return u.DisplayName(id), nil
	})
	if err != nil {
		logger.DebugCF("chat", "Name lookup failed", map[string]interface{}{
			"user":  id,
			"error": err.Error(),
		})
		return id
	}
	name = v.(string)
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	return name
}

// LoadPartners lists everyone the actor has talked to, resolving names and
// prefetching each conversation. Per-partner failures are reported in the
// result and do not fail the call.
func (s *Synchronizer) LoadPartners(ctx context.Context) ([]Partner, error) {
	actor := s.actors.ActorID()
	if actor == "" {
		return nil, models.NewError(models.KindUnauthenticated, "partners", nil)
	}
	ids, err := s.api.ChatPartners(ctx, actor)
	if err != nil {
		logger.WarnCF("chat", "Partner list fetch failed", map[string]interface{}{
			"error": err.Error(),
		})
		return nil, models.NewError(models.KindFetchFailed, "partners", err)
	}

	partners := make([]Partner, 0, len(ids))
	for _, id := range ids {
		if id == "" || id == actor {
			continue
		}
		partners = append(partners, Partner{ID: id})
	}

	s.mu.RLock()
	workers := s.workers
	s.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(workers)
	for i := range partners {
		p := &partners[i]
		g.Go(func() error {
			p.Name = s.DisplayName(ctx, p.ID)
			mark := s.store.Revision()
			history, err := s.api.ChatHistory(ctx, actor, p.ID)
			if err != nil {
				metrics.HistoryFetches.WithLabelValues("failed").Inc()
				p.Err = models.NewError(models.KindFetchFailed, p.ID, err)
				s.setErr(p.ID, p.Err)
				return nil
			}
			s.apply(p.ID, actor, history, mark)
			return nil
		})
	}
	_ = g.Wait()

	logger.InfoCF("chat", "Inbox loaded", map[string]interface{}{
		"partners": len(partners),
	})
	return partners, nil
}
