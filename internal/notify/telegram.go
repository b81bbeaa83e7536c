package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"bgjob/internal/runtime/supervisor"
	"bgjob/internal/scheduler"
	logx "bgjob/pkg/logx"
)

const telegramTextLimit = 4096

type TelegramConfig struct {
	Enabled    bool
	Token      string
	ChatID     int64
	ThreadID   int
	RatePerSec float64
	QueueSize  int
}

// Sender delivers one text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type botSender struct {
	bot      *tele.Bot
	chatID   int64
	threadID int
}

func (s *botSender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.chatID}, text, &tele.SendOptions{
		ThreadID:              s.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

// NewBotSender builds a send-only telebot client. Offline skips the getMe round trip.
func NewBotSender(cfg TelegramConfig) (Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &botSender{bot: b, chatID: cfg.ChatID, threadID: cfg.ThreadID}, nil
}

// Telegram posts a line per finished job. Notify only enqueues; a supervised
// worker sends under a rate limit, so the polling goroutine never waits on the network.
type Telegram struct {
	log    logx.Logger
	sender Sender
	queue  chan string

	limMu   sync.Mutex
	limiter *rate.Limiter

	sup      *supervisor.Supervisor
	dropped  atomic.Uint64
	sent     atomic.Uint64
	lastWarn atomic.Int64
}

func NewTelegram(cfg TelegramConfig, sender Sender, log logx.Logger) *Telegram {
	if log.IsZero() {
		log = logx.Nop()
	}
	qs := cfg.QueueSize
	if qs <= 0 {
		qs = 64
	}
	t := &Telegram{
		log:    log.With(logx.String("comp", "notify.telegram")),
		sender: sender,
		queue:  make(chan string, qs),
	}
	t.SetRate(cfg.RatePerSec)
	return t
}

func (t *Telegram) SetRate(perSec float64) {
	if perSec <= 0 {
		perSec = 1
	}
	t.limMu.Lock()
	if t.limiter == nil {
		t.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	} else {
		t.limiter.SetLimit(rate.Limit(perSec))
	}
	t.limMu.Unlock()
}

func (t *Telegram) Start(ctx context.Context) {
	t.sup = supervisor.New(ctx, supervisor.WithLogger(t.log))
	t.sup.GoRestart("telegram.send", t.worker,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)
}

// Stop waits for the worker; queued messages that were not sent are dropped.
func (t *Telegram) Stop(ctx context.Context) error {
	if t.sup == nil {
		return nil
	}
	return t.sup.Stop(ctx)
}

func (t *Telegram) Notify(p scheduler.Progress) {
	if !p.Finished {
		return
	}
	select {
	case t.queue <- FormatFinished(p):
	default:
		t.dropped.Add(1)
		t.warnDropped()
	}
}

func (t *Telegram) warnDropped() {
	now := time.Now().UnixNano()
	last := t.lastWarn.Load()
	if last != 0 && time.Duration(now-last) < time.Minute {
		return
	}
	if !t.lastWarn.CompareAndSwap(last, now) {
		return
	}
	t.log.Warn("telegram queue full, dropping notifications", logx.Uint64("dropped", t.dropped.Load()))
}

func (t *Telegram) worker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-t.queue:
			t.limMu.Lock()
			lim := t.limiter
			t.limMu.Unlock()
			if err := lim.Wait(ctx); err != nil {
				return nil
			}
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := t.sender.Send(sendCtx, msg)
			cancel()
			if err != nil {
				t.log.Warn("telegram send failed", logx.Err(err))
				continue
			}
			t.sent.Add(1)
		}
	}
}

// FormatFinished renders the chat line for a finished job.
func FormatFinished(p scheduler.Progress) string {
	name := p.Title
	if name == "" {
		name = p.ID
	}
	var b strings.Builder
	switch {
	case p.Err != nil && p.Canceled:
		fmt.Fprintf(&b, "⏹ %s canceled: %v", name, p.Err)
	case p.Err != nil:
		fmt.Fprintf(&b, "❌ %s failed: %v", name, p.Err)
	default:
		fmt.Fprintf(&b, "✅ %s finished", name)
	}
	if !p.Submitted.IsZero() {
		fmt.Fprintf(&b, " (%s, %d steps, %s)", time.Since(p.Submitted).Round(time.Millisecond), p.Steps, p.Mode)
	}
	return truncRunes(b.String(), telegramTextLimit)
}

// truncRunes cuts s to at most n runes, the last one being "…" when cut.
func truncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count, cut := 0, 0
	for i := range s {
		if count == n-1 {
			cut = i
		}
		if count == n {
			return s[:cut] + "…"
		}
		count++
	}
	return s
}
