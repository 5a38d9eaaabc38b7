package telegram

import (
	"time"

	"github.com/meep1w/pocketbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// defaultThrottleInterval is the minimum spacing between updates from one user.
const defaultThrottleInterval = 700 * time.Millisecond

// DefaultMiddlewares builds the shared middleware chain for bots.
func DefaultMiddlewares(onLimited func(tele.Context) error) []Middleware {
	opts := middleware.RateLimitOptions{
		Interval: defaultThrottleInterval,
		Exclude:  map[string]struct{}{"callback": {}},
	}
	if onLimited != nil {
		opts.OnLimited = onLimited
	}

	return []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware},
		{Name: "rate_limit", Use: middleware.RateLimitMiddleware(opts)},
		{Name: "logger", Use: middleware.LoggerMiddleware},
	}
}
