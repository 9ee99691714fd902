package calendar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/rottym/fambam/internal/apperr"
)

type apiCall struct {
	method string
	path   string
	body   gcal.Event
}

type apiLog struct {
	mu    sync.Mutex
	calls []apiCall
}

func (l *apiLog) all() []apiCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]apiCall(nil), l.calls...)
}

func fakeAPI(t *testing.T, status int, reply string) (*GoogleProvider, *apiLog) {
	t.Helper()
	log := &apiLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c := apiCall{method: r.Method, path: r.URL.Path}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&c.body)
		}
		log.mu.Lock()
		log.calls = append(log.calls, c)
		log.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	p, err := NewGoogleProviderWithClient(context.Background(), srv.Client(), WithBaseURL(srv.URL+"/calendar/v3/"))
	require.NoError(t, err)
	return p, log
}

var sample = Event{
	Summary:    "Swim practice",
	Location:   "Pool",
	Start:      time.Date(2026, 4, 2, 16, 0, 0, 0, time.UTC),
	End:        time.Date(2026, 4, 2, 17, 0, 0, 0, time.UTC),
	Recurrence: "FREQ=WEEKLY;BYDAY=TH",
}

func TestCreateEvent(t *testing.T) {
	p, calls := fakeAPI(t, http.StatusOK, `{"id":"g-123"}`)
	id, err := p.CreateEvent(context.Background(), "family@group.calendar.google.com", sample)
	require.NoError(t, err)
	assert.Equal(t, "g-123", id)

	got := calls.all()
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/calendar/v3/calendars/family@group.calendar.google.com/events", c.path)
	assert.Equal(t, "Swim practice", c.body.Summary)
	assert.Equal(t, "2026-04-02T16:00:00Z", c.body.Start.DateTime)
	assert.Equal(t, []string{"RRULE:FREQ=WEEKLY;BYDAY=TH"}, c.body.Recurrence)
}

func TestCreateEventWithoutID(t *testing.T) {
	p, _ := fakeAPI(t, http.StatusOK, `{}`)
	_, err := p.CreateEvent(context.Background(), "cal", sample)
	assert.ErrorIs(t, err, apperr.ErrExternalServiceUnavailable)
}

func TestUpdateEvent(t *testing.T) {
	p, calls := fakeAPI(t, http.StatusOK, `{"id":"g-123"}`)
	require.NoError(t, p.UpdateEvent(context.Background(), "cal", "g-123", sample))
	got := calls.all()
	require.Len(t, got, 1)
	assert.Equal(t, http.MethodPut, got[0].method)
	assert.Equal(t, "/calendar/v3/calendars/cal/events/g-123", got[0].path)
}

func TestDeleteEventMissingIsSuccess(t *testing.T) {
	for _, status := range []int{http.StatusNoContent, http.StatusNotFound, http.StatusGone} {
		p, calls := fakeAPI(t, status, ``)
		assert.NoError(t, p.DeleteEvent(context.Background(), "cal", "g-1"), "status %d", status)
		assert.Equal(t, http.MethodDelete, calls.all()[0].method)
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, apperr.ErrExternalServiceUnavailable},
		{http.StatusServiceUnavailable, apperr.ErrExternalServiceUnavailable},
		{http.StatusInternalServerError, apperr.ErrExternalServiceUnavailable},
		{http.StatusUnauthorized, apperr.ErrExternalServiceUnavailable},
		{http.StatusBadRequest, apperr.ErrExternalServiceUnavailable},
		{http.StatusNotFound, apperr.ErrExternalServiceUnavailable},
		{http.StatusGone, apperr.ErrExternalServiceUnavailable},
	}
	for _, tt := range tests {
		p, _ := fakeAPI(t, tt.status, `{"error":{"code":1,"message":"nope"}}`)
		err := p.UpdateEvent(context.Background(), "cal", "g-1", sample)
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		assert.NotErrorIs(t, err, apperr.ErrNotFound, "status %d", tt.status)
		assert.NotErrorIs(t, err, apperr.ErrInvalidInput, "status %d", tt.status)

		var apiErr *APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, tt.status, apiErr.Status)
		assert.Equal(t, "nope", apiErr.Message)
	}
}

func TestCreateEventMissingCalendar(t *testing.T) {
	p, _ := fakeAPI(t, http.StatusNotFound, `{"error":{"code":404,"message":"Not Found"}}`)
	_, err := p.CreateEvent(context.Background(), "gone", sample)
	assert.ErrorIs(t, err, apperr.ErrExternalServiceUnavailable)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	p, err := NewGoogleProviderWithClient(context.Background(), srv.Client(), WithBaseURL(srv.URL))
	require.NoError(t, err)
	srv.Close()

	_, err = p.CreateEvent(context.Background(), "cal", sample)
	assert.ErrorIs(t, err, apperr.ErrExternalServiceUnavailable)
}

func TestEncodeAllDayEvent(t *testing.T) {
	day := time.Date(2026, 7, 4, 0, 0, 0, 0, time.UTC)
	g := encodeEvent(Event{Summary: "Picnic", Start: day, End: day, AllDay: true})
	assert.Equal(t, "2026-07-04", g.Start.Date)
	assert.Equal(t, "2026-07-05", g.End.Date)
	assert.Empty(t, g.Start.DateTime)
	assert.Nil(t, g.Recurrence)

	g = encodeEvent(Event{Summary: "Camp", Start: day, End: day.AddDate(0, 0, 3), AllDay: true})
	assert.Equal(t, "2026-07-07", g.End.Date)
}

func TestRecurrenceLines(t *testing.T) {
	assert.Equal(t,
		[]string{"RRULE:FREQ=DAILY;COUNT=3", "EXDATE:20260102T000000Z"},
		recurrenceLines("RRULE:FREQ=DAILY;COUNT=3\n EXDATE:20260102T000000Z \n"),
	)
	assert.Nil(t, recurrenceLines(""))
}
