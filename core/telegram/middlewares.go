package telegram

import (
	"strings"
	"time"

	coreconfig "github.com/m3rciful/gitpush/core/config"
	"github.com/m3rciful/gitpush/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// DefaultMiddlewares builds the shared middleware chain for bots.
// A non-nil blocked predicate installs the access filter right after recovery.
func DefaultMiddlewares(cfg *coreconfig.Config, onLimited func(tele.Context) error, blocked middleware.BlockedFunc) []Middleware {
	mws := []Middleware{
		{Name: "recover", Use: middleware.RecoverMiddleware},
		{Name: "logger", Use: middleware.LoggerMiddleware},
	}
	if blocked != nil {
		mws = append(mws, Middleware{Name: "access", Use: middleware.BlockedMiddleware(blocked)})
	}

	if cfg != nil && cfg.RateLimit.IntervalMS > 0 {
		ex := make(map[string]struct{}, len(cfg.RateLimit.ExcludeUpdates))
		for _, t := range cfg.RateLimit.ExcludeUpdates {
			ex[strings.ToLower(t)] = struct{}{}
		}
		mws = append(mws, Middleware{
			Name: "rate_limit",
			Use: middleware.RateLimitMiddleware(middleware.RateLimitOptions{
				Interval:  time.Duration(cfg.RateLimit.IntervalMS) * time.Millisecond,
				Exclude:   ex,
				OnLimited: onLimited,
			}),
		})
	}

	return append(mws, Middleware{Name: "metrics", Use: middleware.MessageMetricsMiddleware})
}
