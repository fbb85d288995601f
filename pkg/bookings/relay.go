// Package bookings keeps the local booking list in step with booking push
// events and the REST endpoints.
package bookings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/toolshed/toolshed/pkg/bus"
	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/metrics"
	"github.com/toolshed/toolshed/pkg/models"
)

const DefaultRequestCap = 3

type Channel interface {
	On(event string, handler bus.MessageHandler) bus.Subscription
	Off(sub bus.Subscription)
}

type API interface {
	MyBookings(ctx context.Context) ([]*models.Booking, error)
	UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus) (*models.Booking, error)
	CreateBooking(ctx context.Context, toolID string, start, end time.Time) (*models.Booking, error)
}

// Outcome is what applying one record did to the list.
type Outcome int

const (
	Dropped Outcome = iota
	Prepended
	Replaced
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Prepended:
		return "prepended"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	}
	return "dropped"
}

// Change is delivered to watchers after every applied record.
type Change struct {
	Source  string
	Outcome Outcome
	Booking *models.Booking
	Message string
}

type WatchFunc func(Change)

// Relay owns the booking list. Records are newest first; entries whose
// content did not change keep their identity.
type Relay struct {
	ch         Channel
	api        API
	requestCap int

	mu       sync.RWMutex
	list     []*models.Booking
	subs     []bus.Subscription
	watchers []WatchFunc
	lastErr  error
	epoch    uint64
}

func NewRelay(ch Channel, api API, requestCap int) *Relay {
	if requestCap <= 0 {
		requestCap = DefaultRequestCap
	}
	return &Relay{ch: ch, api: api, requestCap: requestCap}
}

// Start subscribes to booking events. Calling it twice is a no-op.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs) > 0 {
		return
	}
	r.subs = append(r.subs,
		r.ch.On(bus.EventNewBookingRequest, r.handleCreated),
		r.ch.On(bus.EventBookingStatusUpdated, r.handleStatus),
	)
}

// Stop removes only the relay's own handlers.
func (r *Relay) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()
	for _, sub := range subs {
		r.ch.Off(sub)
	}
}

func (r *Relay) Watch(fn WatchFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}

// List returns the current records. The slice is a copy; the records are
// shared and must not be mutated.
func (r *Relay) List() []*models.Booking {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Booking, len(r.list))
	copy(out, r.list)
	return out
}

// AsOwner filters the list to bookings of tools the actor owns.
func (r *Relay) AsOwner(actorID string) []*models.Booking {
	return r.filter(func(b *models.Booking) bool { return b.Owner.ID == actorID })
}

// AsBorrower filters the list to requests the actor made.
func (r *Relay) AsBorrower(actorID string) []*models.Booking {
	return r.filter(func(b *models.Booking) bool { return b.Borrower.ID == actorID })
}

func (r *Relay) filter(keep func(*models.Booking) bool) []*models.Booking {
	var out []*models.Booking
	for _, b := range r.List() {
		if keep(b) {
			out = append(out, b)
		}
	}
	return out
}

func (r *Relay) LastError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// Reset empties the list. Loads started before the reset are discarded.
func (r *Relay) Reset() {
	r.mu.Lock()
	r.epoch++
	r.list = nil
	r.lastErr = nil
	r.mu.Unlock()
}

// Load replaces the list with the server's view. On failure the previous
// list stays visible.
func (r *Relay) Load(ctx context.Context) error {
	r.mu.RLock()
	epoch := r.epoch
	r.mu.RUnlock()

	list, err := r.api.MyBookings(ctx)
	if err != nil {
		ferr := models.NewError(models.KindFetchFailed, "bookings", err)
		r.mu.Lock()
		if r.epoch == epoch {
			r.lastErr = ferr
		}
		r.mu.Unlock()
		logger.WarnCF("bookings", "Booking list fetch failed", map[string]interface{}{
			"error": err.Error(),
		})
		return ferr
	}

	clean := make([]*models.Booking, 0, len(list))
	for _, b := range list {
		if b != nil && b.ID != "" {
			clean = append(clean, b)
		}
	}
	r.mu.Lock()
	if r.epoch != epoch {
		r.mu.Unlock()
		logger.DebugC("bookings", "Discarding booking list loaded for a previous session")
		return nil
	}
	r.list = clean
	r.lastErr = nil
	r.mu.Unlock()

	logger.DebugCF("bookings", "Booking list loaded", map[string]interface{}{
		"count": len(clean),
	})
	return nil
}

// OnCreated prepends a new request. A record whose id is already listed
// replaces that entry instead.
func (r *Relay) OnCreated(b *models.Booking) Outcome {
	return r.apply("created", b, "", true)
}

// OnStatusChanged replaces the entry with the same id. Unknown ids are
// dropped.
func (r *Relay) OnStatusChanged(b *models.Booking) Outcome {
	return r.apply("status_event", b, "", false)
}

func (r *Relay) apply(source string, b *models.Booking, message string, prepend bool) Outcome {
	if b == nil || b.ID == "" {
		metrics.BookingUpdates.WithLabelValues(source, Dropped.String()).Inc()
		return Dropped
	}

	r.mu.Lock()
	outcome := Dropped
	idx := -1
	for i, cur := range r.list {
		if cur.ID == b.ID {
			idx = i
			break
		}
	}
	switch {
	case idx >= 0 && r.list[idx].Equal(b):
		outcome = Unchanged
	case idx >= 0:
		rec := *b
		r.list[idx] = &rec
		outcome = Replaced
	case prepend:
		rec := *b
		r.list = append([]*models.Booking{&rec}, r.list...)
		outcome = Prepended
	}
	var current *models.Booking
	if idx >= 0 {
		current = r.list[idx]
	} else if outcome == Prepended {
		current = r.list[0]
	}
	watchers := append([]WatchFunc(nil), r.watchers...)
	r.mu.Unlock()

	metrics.BookingUpdates.WithLabelValues(source, outcome.String()).Inc()
	logger.DebugCF("bookings", "Booking record applied", map[string]interface{}{
		"source":  source,
		"booking": b.ID,
		"status":  string(b.Status),
		"outcome": outcome.String(),
	})

	if outcome == Dropped || outcome == Unchanged {
		return outcome
	}
	ch := Change{Source: source, Outcome: outcome, Booking: current, Message: message}
	for _, fn := range watchers {
		fn(ch)
	}
	return outcome
}

func (r *Relay) handleCreated(ev bus.Event) error {
	e, ok := ev.(bus.BookingCreated)
	if !ok {
		return fmt.Errorf("unexpected event %T", ev)
	}
	rec := e.BookingDetails
	r.apply("created", &rec, e.Message, true)
	return nil
}

func (r *Relay) handleStatus(ev bus.Event) error {
	e, ok := ev.(bus.BookingStatusUpdated)
	if !ok {
		return fmt.Errorf("unexpected event %T", ev)
	}
	rec := e.BookingDetails
	r.apply("status_event", &rec, e.Message, false)
	return nil
}

// UpdateStatus asks the server for a transition and applies the returned
// record. The echoed push event for the same transition is then a no-op.
func (r *Relay) UpdateStatus(ctx context.Context, id string, status models.BookingStatus) (*models.Booking, error) {
	if id == "" {
		return nil, models.NewError(models.KindInvalidInput, "bookings", errors.New("booking id is required"))
	}
	if !status.Valid() {
		return nil, models.NewError(models.KindInvalidInput, id, fmt.Errorf("unknown status %q", status))
	}

	b, err := r.api.UpdateBookingStatus(ctx, id, status)
	if err != nil {
		logger.WarnCF("bookings", "Status update failed", map[string]interface{}{
			"booking": id,
			"status":  string(status),
			"error":   err.Error(),
		})
		return nil, models.NewRejection(id, "Failed to update status", err)
	}
	r.apply("rest", b, "", false)

	logger.InfoCF("bookings", "Booking status updated", map[string]interface{}{
		"booking": id,
		"status":  string(b.Status),
	})
	return r.current(b), nil
}

// current returns the listed record for b's id, or b itself when the list
// does not hold it.
func (r *Relay) current(b *models.Booking) *models.Booking {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, cur := range r.list {
		if cur.ID == b.ID {
			return cur
		}
	}
	return b
}

// Eligibility says whether the actor may request a tool.
type Eligibility struct {
	Allowed bool
	Count   int
	Active  *models.Booking
	Reason  string
}

// CanRequest applies the client-side request cap. An active pending or
// approved request counts as reaching the cap. The server stays the
// authority.
func (r *Relay) CanRequest(tool *models.Tool, actorID string) Eligibility {
	if actorID == "" {
		return Eligibility{Reason: "You must be logged in to request a tool."}
	}
	if tool == nil || tool.ID == "" {
		return Eligibility{Reason: "Tool not found."}
	}

	var mine []*models.Booking
	for _, b := range r.List() {
		if b.Tool.ID == tool.ID && b.Borrower.ID == actorID {
			mine = append(mine, b)
		}
	}

	el := Eligibility{Count: len(mine)}
	for _, b := range mine {
		if b.Status.Active() {
			el.Active = b
			el.Count = r.requestCap
			el.Reason = "You have an active request for this tool. Status: " + string(b.Status)
			break
		}
	}
	if el.Active == nil && el.Count >= r.requestCap {
		el.Reason = "You have reached the maximum number of requests for this tool."
	}
	if tool.Owner.ID == actorID {
		el.Reason = "You own this tool."
		return el
	}
	el.Allowed = el.Count < r.requestCap
	return el
}

// RequestBooking creates a pending request for [start, end). The created
// record is added to the list so the cap reflects it immediately.
func (r *Relay) RequestBooking(ctx context.Context, toolID string, start, end time.Time) (*models.Booking, error) {
	if start.IsZero() || end.IsZero() {
		return nil, models.NewError(models.KindInvalidInput, toolID, errors.New("Please select both a start and end date."))
	}
	if !start.Before(end) {
		return nil, models.NewError(models.KindInvalidInput, toolID, errors.New("End date & time must be later than start date & time."))
	}

	b, err := r.api.CreateBooking(ctx, toolID, start, end)
	if err != nil {
		logger.WarnCF("bookings", "Booking request failed", map[string]interface{}{
			"tool":  toolID,
			"error": err.Error(),
		})
		return nil, models.NewRejection(toolID, "Failed to send booking request.", err)
	}
	r.apply("rest", b, "", true)

	logger.InfoCF("bookings", "Booking request sent", map[string]interface{}{
		"tool":    toolID,
		"booking": b.ID,
	})
	return r.current(b), nil
}
