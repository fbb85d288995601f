package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/toolshed/toolshed/pkg/logger"
	"github.com/toolshed/toolshed/pkg/metrics"
	"github.com/toolshed/toolshed/pkg/models"
)

// Error is a non-2xx response from the marketplace server.
type Error struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// ServerMessage is the "message" field of the response body, if any.
func (e *Error) ServerMessage() string {
	return e.Message
}

// IsStatus reports whether err is an API error with the given status code.
func IsStatus(err error, code int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == code
}

type Options struct {
	BaseURL string
	Timeout time.Duration
	// RateLimit is requests per second; zero disables pacing.
	RateLimit float64
	Burst     int
	// Tokens supplies the bearer token. Requests go out unauthenticated when
	// it is nil or yields an empty token.
	Tokens oauth2.TokenSource
}

type Client struct {
	http    *resty.Client
	tokens  oauth2.TokenSource
	limiter *rate.Limiter
}

type routeKey struct{}

func NewClient(opts Options) *Client {
	c := &Client{tokens: opts.Tokens}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}

	c.http = resty.New().
		SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	if opts.Timeout > 0 {
		c.http.SetTimeout(opts.Timeout)
	}
	c.http.OnBeforeRequest(c.beforeRequest)
	c.http.OnAfterResponse(c.afterResponse)
	return c
}

func (c *Client) beforeRequest(_ *resty.Client, r *resty.Request) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(r.Context()); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err == nil && tok != nil && tok.AccessToken != "" {
			r.SetAuthToken(tok.AccessToken)
		}
	}
	return nil
}

func (c *Client) afterResponse(_ *resty.Client, resp *resty.Response) error {
	route, _ := resp.Request.Context().Value(routeKey{}).(string)
	method := resp.Request.Method
	metrics.APIRequestsTotal.WithLabelValues(method, route, strconv.Itoa(resp.StatusCode())).Inc()
	metrics.APIRequestDuration.WithLabelValues(method, route).Observe(resp.Time().Seconds())
	return nil
}

// request starts a call labelled with its route template for metrics.
func (c *Client) request(ctx context.Context, route string) *resty.Request {
	return c.http.R().SetContext(context.WithValue(ctx, routeKey{}, route))
}

func check(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		body := resp.String()
		apiErr := &Error{StatusCode: resp.StatusCode(), Body: body}
		if gjson.Valid(body) {
			apiErr.Message = gjson.Get(body, "message").String()
		}
		return apiErr
	}
	return nil
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.Actor, error) {
	var actor models.Actor
	resp, err := c.request(ctx, "/auth/login").
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&actor).
		Post("/auth/login")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to log in: %w", err)
	}
	if actor.ID == "" || actor.Token == "" {
		return nil, fmt.Errorf("failed to log in: response missing _id or token")
	}
	return &actor, nil
}

// ChatHistory returns the persisted messages between two users, oldest first.
func (c *Client) ChatHistory(ctx context.Context, userA, userB string) ([]models.HistoryMessage, error) {
	var out []models.HistoryMessage
	resp, err := c.request(ctx, "/chat/messages").
		SetQueryParams(map[string]string{"userA": userA, "userB": userB}).
		SetResult(&out).
		Get("/chat/messages")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to fetch chat history: %w", err)
	}
	return out, nil
}

func (c *Client) PostMessage(ctx context.Context, sender, receiver, text string) error {
	resp, err := c.request(ctx, "/chat/message").
		SetBody(map[string]string{"sender": sender, "receiver": receiver, "text": text}).
		Post("/chat/message")
	if err := check(resp, err); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	return nil
}

func (c *Client) ChatPartners(ctx context.Context, userID string) ([]string, error) {
	var out []string
	resp, err := c.request(ctx, "/chat/partners").
		SetQueryParam("userId", userID).
		SetResult(&out).
		Get("/chat/partners")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to fetch chat partners: %w", err)
	}
	return out, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	resp, err := c.request(ctx, "/users/{id}").
		SetPathParam("id", id).
		SetResult(&u).
		Get("/users/{id}")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to fetch user %s: %w", id, err)
	}
	return &u, nil
}

func (c *Client) MyBookings(ctx context.Context) ([]*models.Booking, error) {
	var out []*models.Booking
	resp, err := c.request(ctx, "/bookings/my-bookings").
		SetResult(&out).
		Get("/bookings/my-bookings")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to fetch bookings: %w", err)
	}
	return out, nil
}

func (c *Client) UpdateBookingStatus(ctx context.Context, id string, status models.BookingStatus) (*models.Booking, error) {
	var b models.Booking
	resp, err := c.request(ctx, "/bookings/{id}/status").
		SetPathParam("id", id).
		SetBody(map[string]string{"status": string(status)}).
		SetResult(&b).
		Put("/bookings/{id}/status")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to update booking %s: %w", id, err)
	}
	if b.ID == "" {
		return nil, fmt.Errorf("failed to update booking %s: empty response", id)
	}
	return &b, nil
}

func (c *Client) CreateBooking(ctx context.Context, toolID string, start, end time.Time) (*models.Booking, error) {
	var b models.Booking
	resp, err := c.request(ctx, "/bookings").
		SetBody(map[string]string{
			"toolId":    toolID,
			"startDate": start.UTC().Format(time.RFC3339),
			"endDate":   end.UTC().Format(time.RFC3339),
		}).
		SetResult(&b).
		Post("/bookings")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to request booking: %w", err)
	}
	logger.DebugCF("api", "Booking requested", map[string]interface{}{
		"tool":    toolID,
		"booking": b.ID,
	})
	return &b, nil
}

func (c *Client) GetTool(ctx context.Context, id string) (*models.Tool, error) {
	var tool models.Tool
	resp, err := c.request(ctx, "/tools/{id}").
		SetPathParam("id", id).
		SetResult(&tool).
		Get("/tools/{id}")
	if err := check(resp, err); err != nil {
		return nil, fmt.Errorf("failed to fetch tool %s: %w", id, err)
	}
	return &tool, nil
}
