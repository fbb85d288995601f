// Package gateway serves a small local HTTP surface over the running client:
// health, metrics, conversations and bookings.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/toolshed/toolshed/pkg/api"
	"github.com/toolshed/toolshed/pkg/chatsync"
	"github.com/toolshed/toolshed/pkg/models"
)

type Chat interface {
	Active() string
	Conversation(counterpartyID string) []models.Message
	LastError(counterpartyID string) error
	Notice() string
	SelectPartner(ctx context.Context, id string) error
	Send(ctx context.Context, text string) error
	LoadPartners(ctx context.Context) ([]chatsync.Partner, error)
}

type Bookings interface {
	List() []*models.Booking
	AsOwner(actorID string) []*models.Booking
	AsBorrower(actorID string) []*models.Booking
	UpdateStatus(ctx context.Context, id string, status models.BookingStatus) (*models.Booking, error)
	RequestBooking(ctx context.Context, toolID string, start, end time.Time) (*models.Booking, error)
}

type Actors interface {
	ActorID() string
}

// Status reports the event channel state for the health endpoint.
type Status interface {
	Connected() bool
}

type Deps struct {
	Chat     Chat
	Bookings Bookings
	Actors   Actors
	Channel  Status
	Logger   zerolog.Logger
}

type handler struct {
	Deps
}

func NewRouter(d Deps) *chi.Mux {
	h := &handler{Deps: d}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(d.Logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/partners", h.partners)
		r.Get("/conversations/active", h.active)
		r.Get("/conversations/{id}", h.conversation)
		r.Post("/conversations/{id}/select", h.selectPartner)
		r.Post("/messages", h.send)

		r.Get("/bookings", h.listBookings)
		r.Post("/bookings", h.requestBooking)
		r.Put("/bookings/{id}/status", h.updateStatus)
	})
	return r
}

func requestLogger(logger zerolog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Debug().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Dur("latency", time.Since(start)).
					Str("request_id", chimw.GetReqID(r.Context())).
					Msg("request completed")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch models.KindOf(err) {
	case models.KindChannelUnavailable:
		status = http.StatusServiceUnavailable
	case models.KindUnauthenticated:
		status = http.StatusUnauthorized
	case models.KindEmptyInput, models.KindNoCounterparty, models.KindInvalidInput:
		status = http.StatusBadRequest
	case models.KindFetchFailed, models.KindPersistenceFailed:
		status = http.StatusBadGateway
	case models.KindRejected:
		status = http.StatusBadGateway
		var apiErr *api.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
			status = apiErr.StatusCode
		}
	}
	writeJSON(w, status, map[string]string{"error": models.Reason(err)})
}

type healthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	Actor     string `json:"actor,omitempty"`
	Notice    string `json:"notice,omitempty"`
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Connected: h.Channel.Connected(),
		Actor:     h.Actors.ActorID(),
		Notice:    h.Chat.Notice(),
	}
	if !resp.Connected {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}

type partnerResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

func (h *handler) partners(w http.ResponseWriter, r *http.Request) {
	list, err := h.Chat.LoadPartners(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]partnerResponse, 0, len(list))
	for _, p := range list {
		row := partnerResponse{ID: p.ID, Name: p.Name}
		if p.Err != nil {
			row.Error = models.Reason(p.Err)
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

type messageResponse struct {
	Text      string `json:"text"`
	Sender    string `json:"sender"`
	Direction string `json:"direction"`
}

type conversationResponse struct {
	Counterparty string            `json:"counterparty"`
	Messages     []messageResponse `json:"messages"`
	Error        string            `json:"error,omitempty"`
}

func (h *handler) render(id string) conversationResponse {
	msgs := h.Chat.Conversation(id)
	resp := conversationResponse{Counterparty: id, Messages: make([]messageResponse, len(msgs))}
	for i, m := range msgs {
		resp.Messages[i] = messageResponse{Text: m.Text, Sender: m.SenderID, Direction: m.Direction.String()}
	}
	if err := h.Chat.LastError(id); err != nil {
		resp.Error = models.Reason(err)
	}
	return resp
}

func (h *handler) active(w http.ResponseWriter, r *http.Request) {
	id := h.Chat.Active()
	if id == "" {
		writeError(w, models.NewError(models.KindNoCounterparty, "", nil))
		return
	}
	writeJSON(w, http.StatusOK, h.render(id))
}

func (h *handler) conversation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.render(chi.URLParam(r, "id")))
}

func (h *handler) selectPartner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Chat.SelectPartner(r.Context(), id); err != nil && models.KindOf(err) != models.KindFetchFailed {
		writeError(w, err)
		return
	}
	// A failed fetch still selects; the cached log is returned with the error.
	writeJSON(w, http.StatusOK, h.render(id))
}

type sendRequest struct {
	Text string `json:"text"`
}

func (h *handler) send(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := h.Chat.Send(r.Context(), req.Text); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.render(h.Chat.Active()))
}

func (h *handler) listBookings(w http.ResponseWriter, r *http.Request) {
	actor := h.Actors.ActorID()
	var list []*models.Booking
	switch r.URL.Query().Get("view") {
	case "owner":
		list = h.Bookings.AsOwner(actor)
	case "borrower":
		list = h.Bookings.AsBorrower(actor)
	default:
		list = h.Bookings.List()
	}
	if list == nil {
		list = []*models.Booking{}
	}
	writeJSON(w, http.StatusOK, list)
}

type statusRequest struct {
	Status models.BookingStatus `json:"status"`
}

func (h *handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	b, err := h.Bookings.UpdateStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

type bookingRequest struct {
	ToolID    string    `json:"toolId"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

func (h *handler) requestBooking(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	b, err := h.Bookings.RequestBooking(r.Context(), req.ToolID, req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}
