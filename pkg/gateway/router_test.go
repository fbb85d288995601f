package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/toolshed/toolshed/pkg/api"
	"github.com/toolshed/toolshed/pkg/chatsync"
	"github.com/toolshed/toolshed/pkg/models"
)

type fakeChat struct {
	active   string
	logs     map[string][]models.Message
	errs     map[string]error
	sendErr  error
	selErr   error
	sent     []string
	partners []chatsync.Partner
}

func (f *fakeChat) Active() string { return f.active }
func (f *fakeChat) Conversation(id string) []models.Message {
	return f.logs[id]
}
func (f *fakeChat) LastError(id string) error { return f.errs[id] }
func (f *fakeChat) Notice() string           { return "" }
func (f *fakeChat) SelectPartner(ctx context.Context, id string) error {
	f.active = id
	return f.selErr
}
func (f *fakeChat) Send(ctx context.Context, text string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	f.logs[f.active] = append(f.logs[f.active], models.Message{Text: text, SenderID: "U1", Direction: models.Outgoing})
	return nil
}
func (f *fakeChat) LoadPartners(ctx context.Context) ([]chatsync.Partner, error) {
	return f.partners, nil
}

type fakeBookings struct {
	list      []*models.Booking
	updateErr error
}

func (f *fakeBookings) List() []*models.Booking { return f.list }
func (f *fakeBookings) AsOwner(actor string) []*models.Booking {
	var out []*models.Booking
	for _, b := range f.list {
		if b.Owner.ID == actor {
			out = append(out, b)
		}
	}
	return out
}
func (f *fakeBookings) AsBorrower(actor string) []*models.Booking { return nil }
func (f *fakeBookings) UpdateStatus(ctx context.Context, id string, s models.BookingStatus) (*models.Booking, error) {
	if !s.Valid() {
		return nil, models.NewError(models.KindInvalidInput, id, errors.New("unknown status"))
	}
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return &models.Booking{ID: id, Status: s}, nil
}
func (f *fakeBookings) RequestBooking(ctx context.Context, toolID string, start, end time.Time) (*models.Booking, error) {
	if !start.Before(end) {
		return nil, models.NewError(models.KindInvalidInput, toolID, errors.New("End date & time must be later than start date & time."))
	}
	return &models.Booking{ID: "B9", Tool: models.Ref{ID: toolID}, Status: models.StatusPending}, nil
}

type staticActor string

func (s staticActor) ActorID() string { return string(s) }

type connected bool

func (c connected) Connected() bool { return bool(c) }

func newTestRouter(chat *fakeChat, bk *fakeBookings, up bool) http.Handler {
	return NewRouter(Deps{
		Chat:     chat,
		Bookings: bk,
		Actors:   staticActor("U1"),
		Channel:  connected(up),
		Logger:   zerolog.Nop(),
	})
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newChat() *fakeChat {
	return &fakeChat{logs: map[string][]models.Message{}, errs: map[string]error{}}
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestRouter(newChat(), &fakeBookings{}, false), "GET", "/healthz", "")
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Code != http.StatusOK || resp.Status != "degraded" || resp.Actor != "U1" {
		t.Fatalf("unexpected health %d %+v", rec.Code, resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestRouter(newChat(), &fakeBookings{}, true), "GET", "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "toolshed_") {
		t.Fatalf("metrics not exposed: %d", rec.Code)
	}
}

func TestSelectAndSend(t *testing.T) {
	chat := newChat()
	h := newTestRouter(chat, &fakeBookings{}, true)

	if rec := do(t, h, "GET", "/api/conversations/active", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("no selection should be 400, got %d", rec.Code)
	}

	if rec := do(t, h, "POST", "/api/conversations/U2/select", ""); rec.Code != http.StatusOK {
		t.Fatalf("select: %d", rec.Code)
	}
	rec := do(t, h, "POST", "/api/messages", `{"text":"ok"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("send: %d %s", rec.Code, rec.Body.String())
	}
	var conv conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &conv); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if conv.Counterparty != "U2" || len(conv.Messages) != 1 || conv.Messages[0].Direction != "outgoing" {
		t.Fatalf("unexpected conversation %+v", conv)
	}
}

func TestSendErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{models.NewError(models.KindChannelUnavailable, "", nil), http.StatusServiceUnavailable, "Socket not connected."},
		{models.NewError(models.KindUnauthenticated, "", nil), http.StatusUnauthorized, "You must be logged in to send messages."},
		{models.NewError(models.KindEmptyInput, "", nil), http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		chat := newChat()
		chat.sendErr = tt.err
		rec := do(t, newTestRouter(chat, &fakeBookings{}, true), "POST", "/api/messages", `{"text":""}`)
		if rec.Code != tt.status {
			t.Fatalf("%v: status %d, want %d", tt.err, rec.Code, tt.status)
		}
		if tt.reason != "" && !strings.Contains(rec.Body.String(), tt.reason) {
			t.Fatalf("%v: body %s", tt.err, rec.Body.String())
		}
	}
}

func TestSelectWithFetchFailureStillRenders(t *testing.T) {
	chat := newChat()
	chat.selErr = models.NewError(models.KindFetchFailed, "U2", errors.New("503"))
	chat.errs["U2"] = chat.selErr
	chat.logs["U2"] = []models.Message{{Text: "cached", SenderID: "U2"}}

	rec := do(t, newTestRouter(chat, &fakeBookings{}, true), "POST", "/api/conversations/U2/select", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "cached") || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}
}

func TestBookingRoutes(t *testing.T) {
	bk := &fakeBookings{list: []*models.Booking{
		{ID: "B1", Owner: models.Ref{ID: "U1"}, Status: models.StatusPending},
		{ID: "B2", Owner: models.Ref{ID: "O"}, Status: models.StatusApproved},
	}}
	h := newTestRouter(newChat(), bk, true)

	var owned []models.Booking
	rec := do(t, h, "GET", "/api/bookings?view=owner", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &owned); err != nil || len(owned) != 1 || owned[0].ID != "B1" {
		t.Fatalf("owner view: %v %s", err, rec.Body.String())
	}
	if rec := do(t, h, "GET", "/api/bookings?view=borrower", ""); strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("empty view should be [], got %s", rec.Body.String())
	}

	if rec := do(t, h, "PUT", "/api/bookings/B1/status", `{"status":"approved"}`); rec.Code != http.StatusOK {
		t.Fatalf("update: %d", rec.Code)
	}
	if rec := do(t, h, "PUT", "/api/bookings/B1/status", `{"status":"archived"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad status: %d", rec.Code)
	}

	rec = do(t, h, "POST", "/api/bookings", `{"toolId":"T1","startDate":"2026-05-02T10:00:00Z","endDate":"2026-05-01T10:00:00Z"}`)
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "End date") {
		t.Fatalf("reversed dates: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, "POST", "/api/bookings", `{"toolId":"T1","startDate":"2026-05-01T10:00:00Z","endDate":"2026-05-02T10:00:00Z"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBookingRejectionMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		reason string
	}{
		{models.NewRejection("B1", "Failed to update status", &api.Error{StatusCode: 403, Message: "not your tool"}), http.StatusForbidden, "not your tool"},
		{models.NewRejection("B1", "Failed to update status", errors.New("connection refused")), http.StatusBadGateway, "Failed to update status"},
	}
	for _, tt := range tests {
		h := newTestRouter(newChat(), &fakeBookings{updateErr: tt.err}, true)
		rec := do(t, h, "PUT", "/api/bookings/B1/status", `{"status":"approved"}`)
		if rec.Code != tt.status || !strings.Contains(rec.Body.String(), tt.reason) {
			t.Fatalf("%v: %d %s", tt.err, rec.Code, rec.Body.String())
		}
		if strings.Contains(rec.Body.String(), "Message delivered") {
			t.Fatalf("booking failure shown as chat notice: %s", rec.Body.String())
		}
	}
}

func TestListenAndShutdown(t *testing.T) {
	s, err := Listen("127.0.0.1:0", Deps{
		Chat:     newChat(),
		Bookings: &fakeBookings{},
		Actors:   staticActor(""),
		Channel:  connected(true),
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
