package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lightningnetwork/lnd/clock"
	"golang.org/x/time/rate"
)

const (
	// clientIdleAfter is how long an untouched client bucket is kept
	clientIdleAfter = 10 * time.Minute

	// maxTrackedClients triggers a sweep of idle buckets
	maxTrackedClients = 4096

	// maxRequestIDLength bounds a client-supplied X-Request-ID
	maxRequestIDLength = 64
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientLimiter is a token bucket per remote socket IP. Forwarding headers
// are ignored so a client cannot rotate its way out of a bucket.
type ClientLimiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	every   rate.Limit
	burst   int
	buckets map[string]*clientBucket
}

// NewClientLimiter allows perMinute requests per client, all of them burstable
func NewClientLimiter(perMinute int, clk clock.Clock) *ClientLimiter {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &ClientLimiter{
		clock:   clk,
		every:   rate.Limit(float64(perMinute) / 60.0),
		burst:   perMinute,
		buckets: make(map[string]*clientBucket),
	}
}

// Allow takes a token from ip's bucket and reports the tokens left
func (cl *ClientLimiter) Allow(ip string) (bool, int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.clock.Now()
	b, ok := cl.buckets[ip]
	if !ok {
		if len(cl.buckets) >= maxTrackedClients {
			cl.sweep(now)
		}
		b = &clientBucket{limiter: rate.NewLimiter(cl.every, cl.burst)}
		cl.buckets[ip] = b
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	return allowed, int(b.limiter.TokensAt(now))
}

// Tracked returns the number of client buckets held
func (cl *ClientLimiter) Tracked() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.buckets)
}

func (cl *ClientLimiter) sweep(now time.Time) {
	for ip, b := range cl.buckets {
		if now.Sub(b.lastSeen) > clientIdleAfter {
			delete(cl.buckets, ip)
		}
	}
}

// RateLimitMiddleware answers 429 once a client's bucket is empty
func RateLimitMiddleware(limiter *ClientLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, remaining := limiter.Allow(remoteIP(r))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			if !allowed {
				writeError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// remoteIP is the IP of the connected socket. X-Forwarded-For and X-Real-IP
// are client-controlled and never consulted: peer identity and rate limits
// both key on this value.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return cleanIP(host)
}

// BodySizeLimitMiddleware caps the body of requests that carry one
func BodySizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodPost, http.MethodPut, http.MethodPatch:
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// decodeJSON reads the request body into dst. On failure it has already
// written a {"error": ...} reply and returns false.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "Payload too large")
	} else {
		writeError(w, http.StatusBadRequest, msgInvalidPayload)
	}
	logger.Debug("Rejected request body", "path", r.URL.Path, "ip", remoteIP(r), "error", err)
	return false
}

type contextKey string

// RequestIDContextKey holds the request id in a request context
const RequestIDContextKey contextKey = "requestID"

// RequestIDMiddleware tags every request with an id, keeping a sane
// client-supplied X-Request-ID
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" || !ValidateStringField(id, maxRequestIDLength) || strings.ContainsAny(id, "\r\n") {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), RequestIDContextKey, id)))
	})
}

// GetRequestID returns the request id stored in ctx, if any
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDContextKey).(string)
	return id
}

// MetricsMiddleware records HTTP request counts and latency per route
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routeTemplate(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.statusCode)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// routeTemplate returns the matched route template so metric labels stay bounded
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// ValidateStringField checks a rune length limit and rejects control
// characters other than whitespace
func ValidateStringField(s string, maxLength int) bool {
	return utf8.RuneCountInString(s) <= maxLength && !ContainsControlCharacters(s)
}

// ContainsControlCharacters reports control runes other than \n, \r and \t
func ContainsControlCharacters(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t'
	}) >= 0
}

// IsValidAddress checks the shape of a ZENZO address
func IsValidAddress(address string) bool {
	return len(address) == AddressLength && !ContainsControlCharacters(address) && !strings.ContainsAny(address, " /")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("Failed to write response", "error", err)
	}
}

// writeError writes a {"error": msg} payload
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
