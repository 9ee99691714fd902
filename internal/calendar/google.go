package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/rottym/fambam/internal/apperr"
)

// APIError is a non-success response from the calendar API. Every such
// response means the external calendar could not take the change.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google calendar: %d %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	return apperr.ErrExternalServiceUnavailable
}

// GoogleProvider mirrors events through the Google Calendar v3 API.
type GoogleProvider struct {
	svc *gcal.Service
}

type googleOptions struct {
	endpoint string
}

type GoogleOption func(*googleOptions)

// WithBaseURL points the provider at another API root.
func WithBaseURL(u string) GoogleOption {
	return func(o *googleOptions) {
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		o.endpoint = u
	}
}

// NewGoogleProvider returns a provider authorized with a stored refresh
// token. Access tokens are refreshed by the oauth2 transport.
func NewGoogleProvider(ctx context.Context, clientID, clientSecret, refreshToken string, opts ...GoogleOption) (*GoogleProvider, error) {
	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gcal.CalendarEventsScope},
	}
	client := cfg.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
	client.Timeout = 15 * time.Second
	return NewGoogleProviderWithClient(ctx, client, opts...)
}

// NewGoogleProviderWithClient uses client as is; it must add authorization
// itself.
func NewGoogleProviderWithClient(ctx context.Context, client *http.Client, opts ...GoogleOption) (*GoogleProvider, error) {
	var o googleOptions
	for _, opt := range opts {
		opt(&o)
	}
	clientOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if o.endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(o.endpoint))
	}
	svc, err := gcal.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create calendar service: %w", err)
	}
	return &GoogleProvider{svc: svc}, nil
}

func encodeEvent(e Event) *gcal.Event {
	g := &gcal.Event{
		Summary:     e.Summary,
		Description: e.Description,
		Location:    e.Location,
		Recurrence:  recurrenceLines(e.Recurrence),
	}
	if e.AllDay {
		end := e.End
		// All-day end dates are exclusive.
		if !end.After(e.Start) || end.Format(time.DateOnly) == e.Start.Format(time.DateOnly) {
			end = e.Start.AddDate(0, 0, 1)
		}
		g.Start = &gcal.EventDateTime{Date: e.Start.Format(time.DateOnly)}
		g.End = &gcal.EventDateTime{Date: end.Format(time.DateOnly)}
		return g
	}
	g.Start = &gcal.EventDateTime{DateTime: e.Start.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	g.End = &gcal.EventDateTime{DateTime: e.End.UTC().Format(time.RFC3339), TimeZone: "UTC"}
	return g
}

// recurrenceLines splits a stored recurrence into the API's list form. A
// bare rule gets the RRULE: prefix.
func recurrenceLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !strings.Contains(line, ":") {
			line = "RRULE:" + line
		}
		lines = append(lines, line)
	}
	return lines
}

// classify maps a client library error onto the service's error kinds.
// Cancellation passes through untouched.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return &APIError{Status: gerr.Code, Message: gerr.Message}
	}
	return fmt.Errorf("google calendar %s: %w: %w", op, apperr.ErrExternalServiceUnavailable, err)
}

// isGone reports whether err says the event no longer exists.
func isGone(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone
}

func (p *GoogleProvider) CreateEvent(ctx context.Context, calendarID string, e Event) (string, error) {
	created, err := p.svc.Events.Insert(calendarID, encodeEvent(e)).Context(ctx).Do()
	if err != nil {
		return "", classify("insert", err)
	}
	if created.Id == "" {
		return "", fmt.Errorf("google calendar returned no event id: %w", apperr.ErrExternalServiceUnavailable)
	}
	return created.Id, nil
}

func (p *GoogleProvider) UpdateEvent(ctx context.Context, calendarID, eventID string, e Event) error {
	if _, err := p.svc.Events.Update(calendarID, eventID, encodeEvent(e)).Context(ctx).Do(); err != nil {
		return classify("update", err)
	}
	return nil
}

// DeleteEvent treats an event that is already gone as deleted.
func (p *GoogleProvider) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := p.svc.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if err == nil || isGone(err) {
		return nil
	}
	return classify("delete", err)
}
