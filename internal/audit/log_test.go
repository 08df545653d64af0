package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/memorymix/memorymix-bridge/internal/audit"
	"github.com/memorymix/memorymix-bridge/internal/testhelpers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {

	t.Run("captures request info and configures context", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		testAgent := "kettle/1.0"
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			entry := audit.Log(r.Context())
			assert.Equal(t, testAgent, entry.UserAgent)
			assert.Equal(t, "/spotify/search", entry.Path)

			w.WriteHeader(http.StatusTeapot)
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()
		req.Header.Set("User-Agent", testAgent)

		middleware.ServeHTTP(w, req)

		assert.Equal(t, http.StatusTeapot, w.Result().StatusCode)
	})

	t.Run("captures status code", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var capturedContext context.Context
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedContext = r.Context()
			w.WriteHeader(http.StatusTeapot)
			w.WriteHeader(http.StatusOK) // superfluous, ignored
		})

		req, w := requestSetup()

		audit.Middleware()(handler).ServeHTTP(w, req)

		entry := audit.Log(capturedContext)
		assert.Equal(t, http.StatusTeapot, entry.Status)
	})

	t.Run("implicit status is OK", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		var capturedContext context.Context
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedContext = r.Context()
			_, _ = w.Write([]byte("{}"))
		})

		req, w := requestSetup()

		audit.Middleware()(handler).ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, audit.Log(capturedContext).Status)
	})

	t.Run("log written", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level {
					auditWritten = true
				}
			}),
		)

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})

		req, w := requestSetup()

		audit.Middleware()(handler).ServeHTTP(w, req.WithContext(ctx))

		assert.True(t, auditWritten, "audit log entry should be written")
	})

	t.Run("log written on panic", func(t *testing.T) {
		testhelpers.SetupLogger(t)

		auditWritten := false

		ctx := withLogHook(
			context.Background(),
			zerolog.HookFunc(func(e *zerolog.Event, level zerolog.Level, msg string) {
				if level == audit.Level {
					auditWritten = true
				}
			}),
		)

		var entry *audit.Entry

		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, entry = audit.Context(r.Context())
			entry.Error = "failure pre-panic"
			panic("not a teapot")
		})

		middleware := audit.Middleware()(handler)

		req, w := requestSetup()

		assert.PanicsWithValue(t, "not a teapot", func() {
			middleware.ServeHTTP(w, req.WithContext(ctx))
		})

		assert.Equal(t, "failure pre-panic; panic: not a teapot", entry.Error)
		assert.True(t, auditWritten, "audit log entry should be written")
	})
}

func TestAuditing(t *testing.T) {
	testhelpers.SetupLogger(t)

	ctx := context.Background()
	r, _ := requestSetup()

	_, e := audit.Context(ctx)
	e.Begin(r)
	e.End(ctx)()

	assert.NotEmpty(t, e.SourceIP)
	assert.Equal(t, "GET", e.Method)
	assert.Equal(t, "/spotify/search", e.Path)
	assert.Equal(t, "kettle/1.0", e.UserAgent)
	assert.Equal(t, http.StatusOK, e.Status)
}

func TestContext_ReusesEntry(t *testing.T) {
	ctx, first := audit.Context(context.Background())
	_, second := audit.Context(ctx)

	assert.Same(t, first, second)
	assert.Same(t, first, audit.Log(ctx))
}

func TestEntrySerialization(t *testing.T) {
	serialize := func(t *testing.T, entry audit.Entry) map[string]any {
		t.Helper()
		var buf bytes.Buffer
		logger := zerolog.New(&buf)
		logger.Log().EmbedObject(&entry).Send()

		var result map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
		return result
	}

	t.Run("empty entry has only the request", func(t *testing.T) {
		result := serialize(t, audit.Entry{})

		assert.Contains(t, result, "request")
		assert.NotContains(t, result, "search")
		assert.NotContains(t, result, "playback")
		assert.NotContains(t, result, "upstream")
		assert.NotContains(t, result, "error")
	})

	t.Run("search fields nested", func(t *testing.T) {
		result := serialize(t, audit.Entry{Track: "Song", Artist: "Band"})

		search, ok := result["search"].(map[string]any)
		require.True(t, ok, "expected 'search' dict")
		assert.Equal(t, "Song", search["track"])
		assert.Equal(t, "Band", search["artist"])
		assert.Equal(t, false, search["matched"])
	})

	t.Run("playback fields nested", func(t *testing.T) {
		result := serialize(t, audit.Entry{DeviceID: "d1", URIs: []string{"spotify:track:1"}})

		playback, ok := result["playback"].(map[string]any)
		require.True(t, ok, "expected 'playback' dict")
		assert.Equal(t, "d1", playback["deviceID"])
		assert.Equal(t, []any{"spotify:track:1"}, playback["uris"])
	})

	t.Run("upstream fields nested", func(t *testing.T) {
		result := serialize(t, audit.Entry{Endpoint: "/tracks/1", UpstreamStatus: 429, Error: "rate limited"})

		upstream, ok := result["upstream"].(map[string]any)
		require.True(t, ok, "expected 'upstream' dict")
		assert.Equal(t, "/tracks/1", upstream["endpoint"])
		assert.InDelta(t, 429, upstream["status"], 0)
		assert.Equal(t, "rate limited", result["error"])
	})
}

func TestLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	logger.WithLevel(audit.Level).Msg("audit")

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	assert.Equal(t, "audit", result["level"])
}

func requestSetup() (*http.Request, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodGet, "http://example.com/spotify/search", nil)
	req.Header.Set("User-Agent", "kettle/1.0")

	w := httptest.NewRecorder()

	return req, w
}

func withLogHook(ctx context.Context, hook zerolog.HookFunc) context.Context {
	testLog := log.Logger.With().Logger().Hook(hook)
	return testLog.WithContext(ctx)
}
