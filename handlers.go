package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/memorymix/memorymix-bridge/internal/app"
	"github.com/memorymix/memorymix-bridge/internal/audit"
	"github.com/memorymix/memorymix-bridge/internal/musicapi"
	"github.com/memorymix/memorymix-bridge/internal/token"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

type playRequest struct {
	DeviceID   string   `json:"device_id"`
	URIs       []string `json:"uris"`
	PositionMs int      `json:"position_ms"`
}

type deviceRequest struct {
	DeviceID string `json:"device_id"`
	Play     bool   `json:"play"`
}

func handleSearch(client *musicapi.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		track := r.URL.Query().Get("track")
		artist := r.URL.Query().Get("artist")
		if track == "" || artist == "" {
			writeJSONError(w, http.StatusBadRequest, "track and artist are required")
			return
		}

		entry := audit.Log(r.Context())
		entry.Track = track
		entry.Artist = artist

		match, err := client.SearchTrack(r.Context(), track, artist)
		if err != nil {
			writeFailure(w, r, "track search failed", err)
			return
		}
		entry.Matched = match.Found

		writeJSON(w, match)
	})
}

func handleTrack(client *musicapi.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		id := r.PathValue("id")

		body, err := client.Do(r.Context(), musicapi.Request{Endpoint: "/tracks/" + url.PathEscape(id)})
		if err != nil {
			writeFailure(w, r, "track lookup failed", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_, err = w.Write(body)
		if err != nil {
			log.Ctx(r.Context()).Info().Msgf("failed to write response: %v\n", err)
		}
	})
}

func handlePlay(client *musicapi.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req playRequest
		if !readJSON(w, r, &req) {
			return
		}

		entry := audit.Log(r.Context())
		entry.DeviceID = req.DeviceID
		entry.URIs = req.URIs

		err := client.Play(r.Context(), req.DeviceID, req.URIs, req.PositionMs)
		if err != nil {
			writeFailure(w, r, "play failed", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handlePause(client *musicapi.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req deviceRequest
		if !readJSON(w, r, &req) {
			return
		}

		audit.Log(r.Context()).DeviceID = req.DeviceID

		err := client.Pause(r.Context(), req.DeviceID)
		if err != nil {
			writeFailure(w, r, "pause failed", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleTransfer(client *musicapi.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		var req deviceRequest
		if !readJSON(w, r, &req) {
			return
		}
		if req.DeviceID == "" {
			writeJSONError(w, http.StatusBadRequest, "device_id is required")
			return
		}

		audit.Log(r.Context()).DeviceID = req.DeviceID

		err := client.TransferPlayback(r.Context(), req.DeviceID, req.Play)
		if err != nil {
			writeFailure(w, r, "playback transfer failed", err)
			return
		}

		w.WriteHeader(http.StatusNoContent)
	})
}

func handleInvalidateCaches(client *musicapi.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		client.InvalidateCaches()
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleCacheStats(a *app.App) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		writeJSON(w, a.Status())
	})
}

func handleLogout(a *app.App) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		a.Logout()
		w.WriteHeader(http.StatusNoContent)
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// requestLogger attaches a request-scoped logger to the context, so log.Ctx
// calls further down carry the route and method.
func requestLogger(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			l := log.With().
				Str("route", route).
				Str("method", r.Method).
				Logger()

			next.ServeHTTP(w, r.WithContext(l.WithContext(r.Context())))
		})
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// readJSON decodes the request body into v. An empty body leaves v unchanged.
// On failure a 400 is written and false returned.
func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		log.Ctx(r.Context()).Info().Msgf("invalid request body: %v\n", err)
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	marshalledResponse, err := json.Marshal(payload)
	if err != nil {
		requestError(w, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(marshalledResponse)
	if err != nil {
		// record failure to log: trying to respond to the client at this
		// point will likely fail
		log.Info().Msgf("failed to write response: %v\n", err)
	}
}

// writeFailure logs err and reports it to the caller with the status the
// error carries.
func writeFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	entry := audit.Log(r.Context())
	entry.Error = err.Error()

	var apiErr *musicapi.APIError
	if errors.As(err, &apiErr) {
		entry.Endpoint = apiErr.Endpoint
		entry.UpstreamStatus = apiErr.StatusCode
	}

	status, message := errorStatus(err)
	log.Ctx(r.Context()).Info().Int("status", status).Msgf("%s: %v", msg, err)
	writeJSONError(w, status, message)
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{Error: message}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		// At this point the status code has been written, so we can only log
		log.Info().Msgf("failed to write JSON error response: %v", err)
	}
}

// errorStatus extracts HTTP status code and message from an error.
// Returns (StatusInternalServerError, StatusText) for errors that don't implement HTTPStatuser.
func errorStatus(err error) (int, string) {
	if errors.Is(err, token.ErrNotAuthenticated) {
		return http.StatusUnauthorized, "not authenticated with the music service"
	}

	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func requestError(w http.ResponseWriter, statusCode int) {
	http.Error(w, http.StatusText(statusCode), statusCode)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// 5kb max: after this we'll assume the client is broken or malicious
		// and close the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024)
	}
}
