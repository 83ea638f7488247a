package server

import (
	"net/http"
	"strings"
	"sync"

	"calorie-ai/internal/auth"

	"golang.org/x/time/rate"
)

// authenticate requires a bearer session token and stores its claims in the
// request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			respondError(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			respondError(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := s.deps.Tokens.Parse(parts[1])
		if err != nil {
			respondError(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := auth.FromContext(r.Context())
		if !ok || claims.TelegramID != s.cfg.Telegram.AdminChatID {
			respondError(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authorizeUser reports whether the caller may act for userID, writing the
// error response when not.
func (s *Server) authorizeUser(w http.ResponseWriter, r *http.Request, userID string) bool {
	if userID == "" {
		respondError(w, "User ID required", http.StatusBadRequest)
		return false
	}
	claims, ok := auth.FromContext(r.Context())
	if !ok || claims.Subject != userID {
		respondError(w, "Forbidden", http.StatusForbidden)
		return false
	}
	return true
}

// rateLimiter keeps one token bucket per caller.
type rateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

const maxLimiters = 10000

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	return &rateLimiter{limiters: make(map[string]*rate.Limiter), rate: limit, burst: burst}
}

func (rl *rateLimiter) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, ok := rl.limiters[key]
	if !ok {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Handler limits by session subject, or by remote address for anonymous calls.
func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.RemoteAddr
		if claims, ok := auth.FromContext(r.Context()); ok {
			key = claims.Subject
		}
		if !rl.get(key).Allow() {
			respondError(w, "Too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
