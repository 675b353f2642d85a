package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	"remindbot/internal/task/engine"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var ErrNoAdapter = errors.New("notifier: no transport adapter")

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus
	now     func() time.Time

	cfg     Config
	limiter *rate.Limiter

	// alert dedup: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		adapter: adapter,
		log:     log,
		bus:     bus,
		now:     time.Now,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(int(cfg.RatePerSec), 1)
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	s.cfg = cfg
	// Token bucket: a burst near the per-second rate keeps short spikes from blocking too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (s *Service) snapshotCfg() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Deliver sends text to the user's private chat (chat id == user id).
func (s *Service) Deliver(ctx context.Context, userID int64, text string) error {
	err := s.send(ctx, kit.ChatTarget{ChatID: userID}, text)
	s.record(HistoryItem{At: s.now(), UserID: userID, Len: len(text), Error: errString(err)})
	ev := NotificationEvent{Channel: "telegram", ChatID: userID, At: s.now(), Error: errString(err)}
	if err != nil {
		s.publish("notifier.failed", ev)
		return mapError(err)
	}
	s.publish("notifier.sent", ev)
	return nil
}

func (s *Service) send(ctx context.Context, to kit.ChatTarget, text string) error {
	if s.adapter == nil {
		return ErrNoAdapter
	}
	cfg, lim := s.snapshotCfg()
	if err := lim.Wait(ctx); err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := s.adapter.SendText(sctx, to, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// mapError translates transport failures into engine retry controls.
func mapError(err error) error {
	if errors.Is(err, kit.ErrRecipientUnavailable) || errors.Is(err, ErrNoAdapter) {
		return engine.NoRetry(err)
	}
	var rl engine.RetryAfterError
	if errors.As(err, &rl) && rl.RetryAfter() > 0 {
		return engine.RetryAfter(err, rl.RetryAfter())
	}
	return err
}

// SendAlert implements logx.AlertSender. Identical alerts inside DedupWindow are dropped.
func (s *Service) SendAlert(ctx context.Context, chatID int64, text string) error {
	if chatID == 0 {
		return nil
	}
	cfg, _ := s.snapshotCfg()
	key := dedupKey(chatID, text)
	if cfg.DedupWindow > 0 && !s.allow(key, cfg) {
		return nil
	}
	if err := s.send(ctx, kit.ChatTarget{ChatID: chatID}, text); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}

func (s *Service) allow(key string, cfg Config) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	if len(s.dedup) >= cfg.DedupMaxEntries {
		for k, until := range s.dedup {
			if !now.Before(until) {
				delete(s.dedup, k)
			}
		}
		// Still full: drop an arbitrary entry rather than grow without bound.
		for k := range s.dedup {
			if len(s.dedup) < cfg.DedupMaxEntries {
				break
			}
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(cfg.DedupWindow)
	return true
}

func dedupKey(chatID int64, text string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return fmt.Sprintf("%d:%x", chatID, h.Sum64())
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) record(item HistoryItem) {
	cfg, _ := s.snapshotCfg()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
