package web

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/techevents-crawler/internal/scrape"
)

type countingWaiter struct {
	calls atomic.Int32
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return w.err
}

func TestCollectorGet(t *testing.T) {
	t.Parallel()

	var traced atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Trace") == "yes" {
			traced.Add(1)
		}
		_, _ = w.Write([]byte("<html><body>events</body></html>"))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	c := NewCollector(Config{UserAgent: "techevents-test", Timeout: time.Second}, waiter)
	page, err := c.Get(context.Background(), srv.URL+"/d/seattle", http.Header{"X-Trace": {"yes"}})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Contains(t, string(page.Body), "events")
	require.Equal(t, int32(1), waiter.calls.Load())
	require.Equal(t, int32(1), traced.Load())

	// The same URL must be fetchable twice.
	_, err = c.Get(context.Background(), srv.URL+"/d/seattle", nil)
	require.NoError(t, err)
}

func TestCollectorGetBlocked(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("Please complete the captcha"))
	}))
	defer srv.Close()

	c := NewCollector(Config{}, nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.ErrorIs(t, err, scrape.ErrBlocked)
}

func TestCollectorGetServerError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewCollector(Config{}, nil)
	_, err := c.Get(context.Background(), srv.URL, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, scrape.ErrBlocked)
}

func TestCollectorWaitError(t *testing.T) {
	t.Parallel()

	c := NewCollector(Config{}, &countingWaiter{err: errors.New("limited")})
	_, err := c.Get(context.Background(), "http://127.0.0.1:1/", nil)
	require.ErrorContains(t, err, "limited")
}

func TestCollectorGetCancelAbortsRequest(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	aborted := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
		close(aborted)
	}))
	defer srv.Close()

	c := NewCollector(Config{Timeout: 30 * time.Second}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := c.Get(ctx, srv.URL+"/slow", nil)
	require.ErrorIs(t, err, context.Canceled)
	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream request kept running after cancel")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	c := NewCollector(Config{}, nil)
	var (
		page     Page
		fetchErr error
	)
	hooks := &stubHooks{}
	c.configureCollectorHooks(hooks, http.Header{"X-Trace": {"yes"}}, time.Now(), &page, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	req := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(req)
	require.Equal(t, "yes", req.Headers.Get("X-Trace"))

	hooks.onError(nil, errors.New("boom"))
	require.EqualError(t, fetchErr, "boom")
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback)   { s.onRequest = cb }
func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }
