package courier

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/net/http/httpguts"
	"golang.org/x/time/rate"
)

// LoggerConfig defines the configuration options for the Logger middleware.
type LoggerConfig struct {
	// Logger receives one entry per request (default: discards)
	Logger hclog.Logger
	// Level of the entry for successful requests (default: Info)
	Level hclog.Level
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields adds key/value pairs to each entry
	CustomFields func(ctx *Context) []any
}

// DefaultLoggerConfig returns a LoggerConfig with sensible defaults.
func DefaultLoggerConfig(logger hclog.Logger) LoggerConfig {
	return LoggerConfig{
		Logger: logger,
		Level:  hclog.Info,
	}
}

// Logger returns a middleware that logs each request to logger.
func Logger(logger hclog.Logger) Middleware {
	return LoggerWithConfig(DefaultLoggerConfig(logger))
}

// LoggerWithConfig returns a middleware that logs requests with custom configuration.
func LoggerWithConfig(config LoggerConfig) Middleware {
	if config.Logger == nil {
		config.Logger = hclog.NewNullLogger()
	}
	if config.Level == hclog.NoLevel {
		config.Level = hclog.Info
	}
	logger := config.Logger.Named("access")
	skipMap := toSet(config.SkipPaths)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.Serve(ctx)
			}

			start := time.Now()
			err := next.Serve(ctx)

			args := []any{
				"method", ctx.Method(),
				"path", ctx.Path(),
				"status", ctx.Status(),
				"duration", time.Since(start),
				"conn", ctx.ConnID(),
			}
			if reqID, ok := ctx.Get(RequestIDKey); ok {
				args = append(args, "request_id", reqID)
			}
			if config.CustomFields != nil {
				args = append(args, config.CustomFields(ctx)...)
			}

			level := config.Level
			if err != nil {
				args = append(args, "error", err)
				level = hclog.Error
			}
			logger.Log(level, "request", args...)
			return err
		})
	}
}

// Recovery returns a middleware that recovers from panics and answers 500.
func Recovery(logger hclog.Logger) Middleware {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panicked", "method", ctx.Method(), "path", ctx.Path(), "panic", r)
					ctx.reset()
					err = ctx.Plain(http.StatusInternalServerError, "Internal Server Error")
				}
			}()

			return next.Serve(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that sets CORS headers and answers preflight
// OPTIONS requests itself.
func CORS(config CORSConfig) Middleware {
	defaults := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = defaults.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = defaults.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = defaults.AllowHeaders
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("Access-Control-Allow-Origin", config.AllowOrigin)
			ctx.SetHeader("Access-Control-Allow-Methods", config.AllowMethods)
			ctx.SetHeader("Access-Control-Allow-Headers", config.AllowHeaders)
			if config.AllowCredentials {
				ctx.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			if config.MaxAge > 0 {
				ctx.SetHeader("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}

			if ctx.Method() == http.MethodOptions {
				return ctx.NoContent(http.StatusNoContent)
			}
			return next.Serve(ctx)
		})
	}
}

// RequestIDKey is the Context key RequestID stores the id under.
const RequestIDKey = "request-id"

// RequestID returns a middleware that tags each request with an id, taken
// from X-Request-ID when the client sent one and generated otherwise. The
// id is echoed in the response.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header().Get("X-Request-ID")
			if requestID == "" {
				id, err := uuid.GenerateUUID()
				if err != nil {
					return fmt.Errorf("failed to generate request id: %w", err)
				}
				requestID = id
			}

			ctx.Set(RequestIDKey, requestID)
			ctx.SetHeader("X-Request-ID", requestID)
			return next.Serve(ctx)
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses response bodies with brotli
// or gzip.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			accept := ctx.Header().Values("Accept-Encoding")
			supportsBrotli := httpguts.HeaderValuesContainsToken(accept, "br")
			supportsGzip := httpguts.HeaderValuesContainsToken(accept, "gzip")
			if !supportsBrotli && !supportsGzip {
				return next.Serve(ctx)
			}

			err := next.Serve(ctx)
			if err != nil {
				return err
			}

			body := ctx.ResponseBody()
			if len(body) < config.MinSize || ctx.ResponseHeader().Has("Content-Encoding") {
				return nil
			}
			contentType := ctx.ResponseHeader().Get("Content-Type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return nil
				}
			}

			var compressed bytes.Buffer
			encoding := "gzip"
			if supportsBrotli {
				encoding = "br"
				w := brotli.NewWriterLevel(&compressed, config.Level)
				if _, werr := w.Write(body); werr != nil {
					return nil
				}
				if werr := w.Close(); werr != nil {
					return nil
				}
			} else {
				w, werr := gzip.NewWriterLevel(&compressed, config.Level)
				if werr != nil {
					return nil
				}
				if _, werr := w.Write(body); werr != nil {
					return nil
				}
				if werr := w.Close(); werr != nil {
					return nil
				}
			}

			// Keep the original when compression does not help.
			if compressed.Len() == 0 || compressed.Len() >= len(body) {
				return nil
			}
			ctx.SetHeader("Content-Encoding", encoding)
			ctx.SetHeader("Vary", "Accept-Encoding")
			ctx.SetResponseBody(compressed.Bytes())
			return nil
		})
	}
}

// RateLimiterConfig holds configuration for the RateLimiter middleware.
type RateLimiterConfig struct {
	// RequestsPerSecond is the sustained rate allowed per key
	RequestsPerSecond float64
	// BurstSize is the maximum number of requests that can be burst at once
	BurstSize int
	// KeyFunc returns the key requests are limited by (default: client address headers)
	KeyFunc func(ctx *Context) string
	// SkipPaths lists paths to skip rate limiting (e.g., health checks)
	SkipPaths []string
	// IdleTTL drops limiters unused for this long (default: 10 minutes)
	IdleTTL time.Duration
	// ErrorHandler is called when rate limit is exceeded (default: returns 429)
	ErrorHandler func(ctx *Context) error
}

// DefaultRateLimiterConfig returns a RateLimiterConfig with sensible defaults.
func DefaultRateLimiterConfig(requestsPerSecond float64) RateLimiterConfig {
	return RateLimiterConfig{
		RequestsPerSecond: requestsPerSecond,
		BurstSize:         int(requestsPerSecond * 2),
		KeyFunc:           clientKey,
		SkipPaths:         []string{"/health", "/metrics"},
		IdleTTL:           10 * time.Minute,
	}
}

// RateLimiter returns a middleware that limits requests per second per client.
func RateLimiter(requestsPerSecond float64) Middleware {
	return RateLimiterWithConfig(DefaultRateLimiterConfig(requestsPerSecond))
}

// RateLimiterWithConfig returns a middleware that limits requests with custom configuration.
func RateLimiterWithConfig(config RateLimiterConfig) Middleware {
	if config.RequestsPerSecond <= 0 {
		panic("requests per second must be positive")
	}
	if config.BurstSize <= 0 {
		config.BurstSize = max(1, int(config.RequestsPerSecond*2))
	}
	if config.KeyFunc == nil {
		config.KeyFunc = clientKey
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = 10 * time.Minute
	}
	if config.ErrorHandler == nil {
		config.ErrorHandler = func(ctx *Context) error {
			ctx.SetHeader("Retry-After", "1")
			return ctx.Plain(http.StatusTooManyRequests, "Too Many Requests")
		}
	}
	skipMap := toSet(config.SkipPaths)
	limit := strconv.FormatFloat(config.RequestsPerSecond, 'f', -1, 64)
	limiters := &limiterSet{
		limit: rate.Limit(config.RequestsPerSecond),
		burst: config.BurstSize,
		ttl:   config.IdleTTL,
		byKey: make(map[string]*keyedLimiter),
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skipMap[ctx.Path()] {
				return next.Serve(ctx)
			}

			now := time.Now()
			limiter := limiters.get(config.KeyFunc(ctx), now)
			ctx.SetHeader("X-RateLimit-Limit", limit)
			if !limiter.AllowN(now, 1) {
				ctx.SetHeader("X-RateLimit-Remaining", "0")
				return config.ErrorHandler(ctx)
			}
			remaining := max(0, int(limiter.TokensAt(now)))
			ctx.SetHeader("X-RateLimit-Remaining", strconv.Itoa(remaining))
			return next.Serve(ctx)
		})
	}
}

type keyedLimiter struct {
	*rate.Limiter
	lastAccess time.Time
}

// limiterSet holds one token bucket per key. Idle buckets are swept lazily
// on access instead of by a background goroutine.
type limiterSet struct {
	limit rate.Limit
	burst int
	ttl   time.Duration

	mu        sync.Mutex
	byKey     map[string]*keyedLimiter
	lastSweep time.Time
}

func (s *limiterSet) get(key string, now time.Time) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) > s.ttl {
		for k, l := range s.byKey {
			if now.Sub(l.lastAccess) > s.ttl {
				delete(s.byKey, k)
			}
		}
		s.lastSweep = now
	}

	l, ok := s.byKey[key]
	if !ok {
		l = &keyedLimiter{Limiter: rate.NewLimiter(s.limit, s.burst)}
		s.byKey[key] = l
	}
	l.lastAccess = now
	return l.Limiter
}

func (s *limiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func clientKey(ctx *Context) string {
	if ip := ctx.Header().Get("X-Forwarded-For"); ip != "" {
		first, _, _ := strings.Cut(ip, ",")
		return strings.TrimSpace(first)
	}
	if ip := ctx.Header().Get("X-Real-IP"); ip != "" {
		return ip
	}
	return "conn-" + strconv.FormatUint(ctx.ConnID(), 10)
}

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	// Path is the endpoint path for health checks (default: "/health")
	Path string
	// Check reports whether the service is healthy (default: always)
	Check func() error
}

// Health returns a middleware answering health checks on path.
func Health(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() != config.Path {
				return next.Serve(ctx)
			}
			if config.Check != nil {
				if err := config.Check(); err != nil {
					return ctx.JSON(http.StatusServiceUnavailable, map[string]string{
						"status": "unhealthy",
						"error":  err.Error(),
					})
				}
			}
			return ctx.JSON(http.StatusOK, map[string]string{"status": "healthy"})
		})
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
