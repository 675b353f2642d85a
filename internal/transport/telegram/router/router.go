// Package router dispatches Telegram chat commands to handlers on a bounded worker pool.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "remindbot/internal/runtime/supervisor"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Command struct {
	Name        string   // without the leading slash
	Aliases     []string // e.g. ["tz"]
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update       kit.Update
	Chat         kit.ChatTarget
	FromID       int64
	FromName     string
	LanguageCode string
	Command      string
	Args         []string // tokenized, quotes removed
	Text         string   // everything after the command word, untouched
	ReqID        string
	Logger       logx.Logger

	adapter kit.Adapter
}

// Reply answers in the chat the request came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	if r.adapter == nil {
		return nil
	}
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true})
	return err
}

// ReplyHTML answers with Telegram HTML parse mode.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	if r.adapter == nil {
		return nil
	}
	_, err := r.adapter.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ParseMode: "HTML"})
	return err
}

type Router struct {
	mu    sync.RWMutex
	cmds  map[string]Command // name and aliases
	order []Command

	log            logx.Logger
	adapter        kit.Adapter
	defaultTimeout time.Duration
	workers        int

	jobs chan func()
}

type Option func(*Router)

func WithDefaultTimeout(d time.Duration) Option { return func(r *Router) { r.defaultTimeout = d } }
func WithWorkers(n int) Option                  { return func(r *Router) { r.workers = n } }

func New(log logx.Logger, adapter kit.Adapter, opts ...Option) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		cmds:           map[string]Command{},
		log:            log,
		adapter:        adapter,
		defaultTimeout: 15 * time.Second,
		workers:        max(runtime.NumCPU(), 2),
		jobs:           make(chan func(), 256),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetCommands replaces the command table; /help is always added.
func (r *Router) SetCommands(ctx context.Context, cmds []Command) {
	helper := Command{
		Name:        "help",
		Aliases:     []string{"h"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req.Args))
		},
	}
	cmds = append(append([]Command(nil), cmds...), helper)

	table := map[string]Command{}
	order := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		table[name] = c
		order = append(order, c)
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if _, taken := table[a]; a != "" && !taken {
				table[a] = c
			}
		}
	}

	r.mu.Lock()
	r.cmds, r.order = table, order
	r.mu.Unlock()

	// Best-effort Telegram menu autocomplete update.
	if up, ok := r.adapter.(kit.CommandMenuUpdater); ok {
		mctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := up.UpdateMenuCommands(mctx, buildTelegramMenuCommands(order)); err != nil {
			r.log.Warn("menu update failed", logx.Err(err))
		}
	}
}

func (r *Router) lookup(word string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cmds[word]
	return c, ok
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	select {
	case r.jobs <- fn:
		return true
	default:
		return false
	}
}

// Dispatch consumes updates until ctx ends or the channel closes.
func (r *Router) Dispatch(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(r.jobs)))

	for i := range r.workers {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", i), logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Route(ctx, up)
		}
	}
}

// Route resolves one update and queues its handler. Unknown commands get a hint; plain text is
// ignored.
func (r *Router) Route(ctx context.Context, up kit.Update) {
	h, req, ok := r.resolve(ctx, up)
	if !ok {
		return
	}
	if !r.tryEnqueue(func() { _ = h(ctx, req) }) && r.adapter != nil {
		_, _ = r.adapter.SendText(ctx, req.Chat, "Busy, try again in a moment.", nil)
	}
}

// Exec runs the update's handler on the calling goroutine.
func (r *Router) Exec(ctx context.Context, up kit.Update) error {
	h, req, ok := r.resolve(ctx, up)
	if !ok {
		return nil
	}
	return h(ctx, req)
}

func (r *Router) resolve(ctx context.Context, up kit.Update) (HandlerFunc, *Request, bool) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return nil, nil, false
	}
	msg := up.Message
	word, rest, ok := splitCommand(msg.Text)
	if !ok {
		return nil, nil, false
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	cmd, found := r.lookup(word)
	if !found {
		if r.adapter != nil {
			_, _ = r.adapter.SendText(ctx, chat, "Unknown command. Try /help", nil)
		}
		return nil, nil, false
	}

	rid := newReqID()
	req := &Request{
		Update:       up,
		Chat:         chat,
		FromID:       msg.FromID,
		FromName:     msg.FromName,
		LanguageCode: msg.LanguageCode,
		Command:      cmd.Name,
		Args:         tokenizeCommandLine(rest),
		Text:         rest,
		ReqID:        rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Name),
		),
		adapter: r.adapter,
	}

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	final := Chain(
		cmd.Handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWReplyError(),
		MWTimeout(timeout),
	)
	return final, req, true
}
