package musicapi

import (
	"context"
	"net/http"
	"testing"

	"github.com/memorymix/memorymix-bridge/internal/testhelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchResult = `{
  "tracks": {
    "items": [{
      "id": "4uLU6hMCjMI75M1A2tKUQC",
      "uri": "spotify:track:4uLU6hMCjMI75M1A2tKUQC",
      "name": "Never Gonna Give You Up",
      "duration_ms": 213573,
      "preview_url": "https://p.scdn.co/mp3-preview/abc",
      "artists": [{"id": "a1", "name": "Rick Astley"}, {"id": "a2", "name": "Guest"}],
      "album": {
        "id": "al1",
        "name": "Whenever You Need Somebody",
        "images": [{"url": "https://i.scdn.co/image/large", "width": 640, "height": 640}, {"url": "https://i.scdn.co/image/small"}]
      }
    }]
  }
}`

func TestSearchTrack_Found(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(ok(searchResult))

	match, err := h.client.SearchTrack(context.Background(), "Never Gonna Give You Up", "Rick Astley")
	require.NoError(t, err)

	require.True(t, match.Found)
	require.NotNil(t, match.URI)
	assert.Equal(t, "spotify:track:4uLU6hMCjMI75M1A2tKUQC", *match.URI)
	assert.Equal(t, "Never Gonna Give You Up", match.Name)
	assert.Equal(t, "Rick Astley, Guest", match.Artist)
	assert.Equal(t, "Whenever You Need Somebody", match.Album)
	require.NotNil(t, match.Image)
	assert.Equal(t, "https://i.scdn.co/image/large", *match.Image)
	require.NotNil(t, match.PreviewURL)
	assert.Equal(t, "https://p.scdn.co/mp3-preview/abc", *match.PreviewURL)

	requests := h.api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/search?limit=1&q=track%3ANever+Gonna+Give+You+Up+artist%3ARick+Astley&type=track", requests[0].URI)
	assert.Equal(t, 1, h.caches.Search.Stats().Cached)
}

func TestSearchTrack_RepeatedSearchIsCached(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(ok(searchResult))

	for range 2 {
		_, err := h.client.SearchTrack(context.Background(), "Song", "Band")
		require.NoError(t, err)
	}

	assert.Equal(t, 1, h.api.RequestCount())
}

func TestSearchTrack_NotFound(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(ok(`{"tracks":{"items":[]}}`))

	match, err := h.client.SearchTrack(context.Background(), "Unknown", "Nobody")
	require.NoError(t, err)

	assert.False(t, match.Found)
	assert.Nil(t, match.URI)
	assert.Nil(t, match.Image)
}

func TestTrack(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(ok(`{"id":"t1","uri":"spotify:track:t1","name":"Song","duration_ms":1000,"preview_url":null,"artists":[],"album":{"name":"LP","images":[]}}`))

	track, err := h.client.Track(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "t1", track.ID)
	assert.Equal(t, "Song", track.Name)
	assert.Nil(t, track.PreviewURL)
	assert.Equal(t, "/tracks/t1", h.api.Requests()[0].URI)
	assert.Equal(t, 1, h.caches.Tracks.Stats().Cached)
}

func TestTrack_EmptyBody(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(testhelpers.MockResponse{Status: http.StatusOK})

	_, err := h.client.Track(context.Background(), "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty body")
}

func TestPlay(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(testhelpers.MockResponse{Status: http.StatusNoContent})

	err := h.client.Play(context.Background(), "device-1", []string{"spotify:track:1"}, 1500)
	require.NoError(t, err)

	requests := h.api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, http.MethodPut, requests[0].Method)
	assert.Equal(t, "/me/player/play?device_id=device-1", requests[0].URI)
	assert.JSONEq(t, `{"uris":["spotify:track:1"],"position_ms":1500}`, requests[0].Body)
}

func TestPlay_ResumeWithoutBody(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(testhelpers.MockResponse{Status: http.StatusNoContent})

	require.NoError(t, h.client.Play(context.Background(), "", nil, 0))

	requests := h.api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/me/player/play", requests[0].URI)
	assert.Empty(t, requests[0].Body)
}

func TestPause(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(testhelpers.MockResponse{Status: http.StatusNoContent})

	require.NoError(t, h.client.Pause(context.Background(), "device-1"))
	require.NoError(t, h.client.Pause(context.Background(), "device-1"))

	requests := h.api.Requests()
	require.Len(t, requests, 2)
	assert.Equal(t, "/me/player/pause?device_id=device-1", requests[1].URI)
}

func TestTransferPlayback(t *testing.T) {
	h := newHarness(t)
	h.api.Fallback(testhelpers.MockResponse{Status: http.StatusNoContent})

	require.NoError(t, h.client.TransferPlayback(context.Background(), "device-2", true))

	requests := h.api.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, "/me/player", requests[0].URI)
	assert.JSONEq(t, `{"device_ids":["device-2"],"play":true}`, requests[0].Body)
}

func TestPlayback_RateLimitedThenAccepted(t *testing.T) {
	h := newHarness(t)
	h.api.Script(rateLimited("2"))
	h.api.Fallback(testhelpers.MockResponse{Status: http.StatusNoContent})

	require.NoError(t, h.client.Pause(context.Background(), "device-1"))
	assert.Equal(t, 2, h.api.RequestCount())
}

func TestAPIError_Status(t *testing.T) {
	cases := []struct {
		upstream int
		want     int
	}{
		{upstream: http.StatusNotFound, want: http.StatusNotFound},
		{upstream: http.StatusTooManyRequests, want: http.StatusServiceUnavailable},
		{upstream: http.StatusForbidden, want: http.StatusForbidden},
		{upstream: http.StatusUnauthorized, want: http.StatusBadGateway},
		{upstream: http.StatusInternalServerError, want: http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.upstream), func(t *testing.T) {
			code, msg := (&APIError{StatusCode: tc.upstream}).Status()
			assert.Equal(t, tc.want, code)
			assert.NotEmpty(t, msg)
		})
	}
}
