package middleware

import (
    "fmt"
    "net/http"
    "strconv"
    "time"

    "github.com/labstack/echo/v4"
    "github.com/redis/go-redis/v9"

    "github.com/crewly/attendance-api/internal/config"
)

// RateLimit returns a fixed-window request limiter backed by Redis.  The key
// combines the authenticated user (falling back to the client IP) with the
// matched route, so one user hammering the RSVP endpoint cannot starve the
// rest.  When the limiter is disabled, Redis is unavailable or a Redis call
// fails, requests pass through: the limiter protects the ledger, it must not
// become a second point of failure in front of it.
func RateLimit(cfg config.RateLimitConfig, rdb *redis.Client) echo.MiddlewareFunc {
    if !cfg.Enabled || rdb == nil {
        return func(next echo.HandlerFunc) echo.HandlerFunc {
            return func(c echo.Context) error { return next(c) }
        }
    }

    return func(next echo.HandlerFunc) echo.HandlerFunc {
        return func(c echo.Context) error {
            window := time.Now().Unix() / int64(cfg.Window/time.Second)
            key := fmt.Sprintf("%s:%s:%s:%d", cfg.Prefix, callerKey(c), c.Path(), window)

            ctx := c.Request().Context()
            count, err := rdb.Incr(ctx, key).Result()
            if err != nil {
                return next(c)
            }
            if count == 1 {
                // First hit of this window owns the expiry.
                _ = rdb.Expire(ctx, key, cfg.Window).Err()
            }

            remaining := int64(cfg.Limit) - count
            if remaining < 0 {
                remaining = 0
            }
            c.Response().Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.Limit))
            c.Response().Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

            if count > int64(cfg.Limit) {
                retry := int(cfg.Window / time.Second)
                c.Response().Header().Set("Retry-After", strconv.Itoa(retry))
                return c.JSON(http.StatusTooManyRequests, echo.Map{
                    "error":       "too_many_requests",
                    "message":     "rate limit exceeded",
                    "retry_after": retry,
                })
            }
            return next(c)
        }
    }
}

// callerKey identifies the requester for rate limiting: the user_id claim
// set by JWTAuth when present, otherwise the client IP.
func callerKey(c echo.Context) string {
    if v := c.Get("user_id"); v != nil {
        return fmt.Sprint(v)
    }
    return c.RealIP()
}
