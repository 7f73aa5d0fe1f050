package api

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mschirtzinger/devsync/internal/ratelimit"
)

// recoverer turns a panic in next into a 500 so one bad request cannot take
// the process down.
func recoverer(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			logger.Error().
				Interface("panic", rec).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Msg("recovered panic")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal_error"})
		}()
		next.ServeHTTP(w, r)
	})
}

// rateLimit admits each request under the api category, keyed by device
// when the caller names one and by remote IP otherwise.
func rateLimit(limiter Admitter, now func() time.Time, logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := limiter.Admit(ratelimit.Key(clientIdentity(r), ratelimit.CategoryAPI))

		h := w.Header()
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

		if !d.Allowed {
			retry := d.RetryAfter(now())
			h.Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
			logger.Debug().
				Str("client", clientIdentity(r)).
				Int("violations", d.Violations).
				Msg("rate limit exceeded")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate_limited", Message: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIdentity(r *http.Request) string {
	if device := r.Header.Get(DeviceHeader); device != "" {
		return device
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}
