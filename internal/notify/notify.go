// Package notify sends operator alerts for terminally failed jobs.
//
// Telegram is the only channel. The notifier is optional: a disabled (or nil)
// Service accepts every call and does nothing, so callers never branch on
// configuration.
package notify

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	logx "imgfetchd/pkg/logx"
)

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerMin int
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	bot     *tele.Bot
	chat    *tele.Chat
	limiter *rate.Limiter
}

// New builds the notifier. A disabled config yields a no-op service, not an
// error; a bad token does error so misconfiguration is caught at startup.
func New(cfg Config, log logx.Logger) (*Service, error) {
	s := &Service{log: log.With(logx.String("comp", "notify"))}
	if !cfg.Enabled {
		return s, nil
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}

	bot, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, fmt.Errorf("notify: telegram bot: %w", err)
	}
	s.bot = bot
	s.chat = &tele.Chat{ID: cfg.ChatID}
	s.limiter = newLimiter(cfg.RatePerMin)
	return s, nil
}

func newLimiter(perMin int) *rate.Limiter {
	if perMin <= 0 {
		perMin = 6
	}
	return rate.NewLimiter(rate.Limit(float64(perMin)/60), perMin)
}

// Apply updates target/limits from a config reload. Enabling from scratch at
// runtime is not supported (needs a bot handshake); flipping off is.
func (s *Service) Apply(cfg Config) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cfg.Enabled {
		s.bot = nil
		s.chat = nil
		return
	}
	if s.bot == nil {
		s.log.Warn("notify: enabling at runtime requires a restart")
		return
	}
	s.chat = &tele.Chat{ID: cfg.ChatID}
	s.limiter = newLimiter(cfg.RatePerMin)
}

// JobFailed fires a failure alert. Best-effort and rate-limited: a dropped or
// failed send is logged and forgotten, the job record already carries the
// authoritative error detail.
func (s *Service) JobFailed(jobID, image, detail string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	bot, chat, lim := s.bot, s.chat, s.limiter
	s.mu.Unlock()

	if bot == nil || chat == nil {
		return
	}
	if lim != nil && !lim.Allow() {
		s.log.Debug("alert suppressed by rate limit", logx.String("job", jobID))
		return
	}

	msg := fmt.Sprintf("❌ pull failed\njob: %s\nimage: %s\n%s", jobID, image, truncate(detail, 500))
	if _, err := bot.Send(chat, msg); err != nil {
		s.log.Warn("alert send failed", logx.String("job", jobID), logx.Err(err))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
