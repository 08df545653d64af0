// Package audit writes one structured log entry per request to the local
// routes, describing what was asked of the music API and how it ended.
package audit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Level is the log level audit entries are written at. It sits above every
// standard level so that entries survive any level filter.
const Level = zerolog.Level(20)

func init() {
	marshal := zerolog.LevelFieldMarshalFunc
	zerolog.LevelFieldMarshalFunc = func(l zerolog.Level) string {
		if l == Level {
			return "audit"
		}
		return marshal(l)
	}
}

type key struct{}

// Entry is the audit record of a single request. Handlers fill in the
// domain fields as they go; the middleware writes it when the request ends.
type Entry struct {
	Method    string
	Path      string
	Status    int
	SourceIP  string
	UserAgent string
	Error     string

	// search
	Track   string
	Artist  string
	Matched bool

	// playback
	DeviceID string
	URIs     []string

	// upstream outcome
	Endpoint       string
	UpstreamStatus int

	start    time.Time
	duration time.Duration
}

// MarshalZerologObject writes the entry, eliding the optional groups that
// have no fields set.
func (e *Entry) MarshalZerologObject(ev *zerolog.Event) {
	ev.Dict("request", zerolog.Dict().
		Str("method", e.Method).
		Str("path", e.Path).
		Int("status", e.Status).
		Str("sourceIP", e.SourceIP).
		Str("userAgent", e.UserAgent).
		Dur("duration", e.duration),
	)

	search := NewOptionalEvent(nil).
		Str("track", e.Track).
		Str("artist", e.Artist)
	if e.Track != "" || e.Artist != "" {
		search.Bool("matched", e.Matched)
	}
	search.Set(ev, "search")

	NewOptionalEvent(nil).
		Str("deviceID", e.DeviceID).
		Strs("uris", e.URIs).
		Set(ev, "playback")

	NewOptionalEvent(nil).
		Str("endpoint", e.Endpoint).
		Int("status", e.UpstreamStatus).
		Set(ev, "upstream")

	if e.Error != "" {
		ev.Str("error", e.Error)
	}
}

// Begin records the request attributes.
func (e *Entry) Begin(r *http.Request) {
	e.start = time.Now()
	e.Method = r.Method
	e.Path = r.URL.Path
	e.SourceIP = r.RemoteAddr
	e.UserAgent = r.UserAgent()
}

// End returns a function that writes the entry. It is intended to be
// deferred, and records a panic in progress before re-raising it.
func (e *Entry) End(ctx context.Context) func() {
	return func() {
		if r := recover(); r != nil {
			if e.Error != "" {
				e.Error += "; "
			}
			e.Error += fmt.Sprintf("panic: %v", r)

			defer panic(r)
		}

		if e.Status == 0 {
			e.Status = http.StatusOK
		}
		if !e.start.IsZero() {
			e.duration = time.Since(e.start)
		}

		log.Ctx(ctx).WithLevel(Level).EmbedObject(e).Msg("audit")
	}
}

// Context returns the entry carried by ctx, adding a new one when absent.
func Context(ctx context.Context) (context.Context, *Entry) {
	if e, ok := ctx.Value(key{}).(*Entry); ok {
		return ctx, e
	}

	e := &Entry{}
	return context.WithValue(ctx, key{}, e), e
}

// Log returns the entry for the current request. Outside the middleware it
// returns a detached entry, so callers never need a nil check.
func Log(ctx context.Context) *Entry {
	_, e := Context(ctx)
	return e
}

// Middleware writes an audit entry for every request it wraps.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, entry := Context(r.Context())

			entry.Begin(r)
			defer entry.End(ctx)()

			next.ServeHTTP(&statusRecorder{ResponseWriter: w, entry: entry}, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	entry *Entry
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.entry.Status == 0 {
		s.entry.Status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
