package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/billingworks/billing-api/pkg/errors"
)

type echoPayload struct {
	Value string `json:"value"`
}

// flakyServer drops the connection for the first failures requests, then
// serves the given handler. Dropped connections surface to the client as
// transport errors, which is the failure mode the retry loop targets.
func flakyServer(t *testing.T, failures int32, handler http.HandlerFunc) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= failures {
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, err := hj.Hijack()
			require.NoError(t, err)
			conn.Close()
			return
		}
		handler(w, r)
	}))
	return srv, &calls
}

func TestClientDefaults(t *testing.T) {
	c := New(Config{}, nil)

	assert.Equal(t, 30*time.Second, c.httpClient.Timeout)
	assert.Equal(t, 3, c.maxRetries)
	assert.Equal(t, time.Second, c.baseDelay)
	assert.Nil(t, c.breaker)
}

func TestDoDecodesSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"value":"ok"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	out, err := Get[echoPayload](context.Background(), c, "/thing", nil, "")
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
}

func TestDoSendsHeadersAndQuery(t *testing.T) {
	var gotAuth, gotAccept, gotContentType, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		gotQuery = r.URL.Query().Get("page")
		w.Write([]byte(`{"value":"ok"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	_, err := Do[echoPayload](context.Background(), c, http.MethodPost, "/thing", Options{
		Body:        echoPayload{Value: "in"},
		Query:       url.Values{"page": {"2"}},
		BearerToken: "token-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer token-123", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "2", gotQuery)
}

func TestDoReturnsZeroValueForEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL}, nil)
	out, err := Post[echoPayload](context.Background(), c, "/logout", nil, "")
	require.NoError(t, err)
	assert.Equal(t, echoPayload{}, out)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	srv, calls := flakyServer(t, 2, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":"ok"}`)) //nolint:errcheck
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: 20 * time.Millisecond}, nil)

	start := time.Now()
	out, err := Get[echoPayload](context.Background(), c, "/thing", nil, "")
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", out.Value)
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
	// Two retries back off for baseDelay then 2*baseDelay.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	srv, calls := flakyServer(t, 100, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 2, RetryBaseDelay: 5 * time.Millisecond}, nil)

	_, err := Get[echoPayload](context.Background(), c, "/thing", nil, "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTransient))
	// Initial attempt plus two retries.
	assert.EqualValues(t, 3, atomic.LoadInt32(calls))
}

func TestDoDoesNotRetryHTTPErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid username or password"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond}, nil)

	_, err := Post[echoPayload](context.Background(), c, "/login", echoPayload{}, "")
	require.Error(t, err)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryDecodeFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`not json`)) //nolint:errcheck
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: time.Millisecond}, nil)

	_, err := Get[echoPayload](context.Background(), c, "/thing", nil, "")
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDoWrapsNonTransientTransportErrors(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost:1", RetryBaseDelay: time.Millisecond}, nil)

	// A method with a space fails request construction before any dial.
	_, err := Do[echoPayload](context.Background(), c, "BAD METHOD", "/thing", Options{})
	require.Error(t, err)
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInternal))
}

func TestDoCancellationInterruptsBackoff(t *testing.T) {
	srv, _ := flakyServer(t, 100, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	// Long base delay so only cancellation can end the wait promptly.
	c := New(Config{BaseURL: srv.URL, MaxRetries: 3, RetryBaseDelay: 10 * time.Second}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err := Get[echoPayload](ctx, c, "/thing", nil, "")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestDoCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	srv, _ := flakyServer(t, 1000, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()

	c := New(Config{
		BaseURL:        srv.URL,
		MaxRetries:     0,
		RetryBaseDelay: time.Millisecond,
		BreakerEnabled: true,
	}, nil)
	require.NotNil(t, c.breaker)

	for i := 0; i < 6; i++ {
		_, err := Get[echoPayload](context.Background(), c, "/thing", nil, "")
		require.Error(t, err)
		require.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}

	_, err := Get[echoPayload](context.Background(), c, "/thing", nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.True(t, appErrors.HasCode(err, appErrors.ErrTransient))
}
