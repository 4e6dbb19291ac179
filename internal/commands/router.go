// Package commands implements the chat command surface: subscription
// management and the manual fetch trigger.
package commands

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"pagewatch/internal/pages"
	"pagewatch/internal/storage"
	"pagewatch/internal/transport"
	logx "pagewatch/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Handle      HandlerFunc
}

type Request struct {
	Msg     transport.Message
	Command string
	Args    []string
}

// Chat is where replies go.
func (r *Request) Chat() transport.ChatTarget {
	return transport.ChatTarget{ChatID: r.Msg.ChatID, ThreadID: r.Msg.ThreadID}
}

// TriggerFunc starts a pass; it reports false when a pass was already
// running.
type TriggerFunc func(ctx context.Context, source string) bool

type Deps struct {
	Subs    storage.SubscriptionStore
	Pages   *pages.Registry
	Sender  transport.Sender
	Trigger TriggerFunc
	Owners  []int64
	Log     logx.Logger
}

const commandTimeout = 15 * time.Second

type Router struct {
	subs    storage.SubscriptionStore
	pages   *pages.Registry
	sender  transport.Sender
	trigger TriggerFunc
	log     logx.Logger

	mu     sync.RWMutex
	owners map[int64]bool

	cmds map[string]*Command
	// bg tracks fetches started by /fetch.
	bg sync.WaitGroup
}

func New(d Deps) *Router {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	r := &Router{
		subs:    d.Subs,
		pages:   d.Pages,
		sender:  d.Sender,
		trigger: d.Trigger,
		log:     d.Log,
		cmds:    map[string]*Command{},
	}
	r.SetOwners(d.Owners)
	r.register()
	return r
}

// SetOwners replaces the owner allowlist (hot reload).
func (r *Router) SetOwners(ids []int64) {
	m := make(map[int64]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	r.mu.Lock()
	r.owners = m
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owners[id]
}

func (r *Router) add(c *Command) { r.cmds[c.Name] = c }

// Menu lists the commands for the platform command menu.
func (r *Router) Menu() []transport.BotCommand {
	out := make([]transport.BotCommand, 0, len(r.cmds))
	for _, c := range r.sorted() {
		out = append(out, transport.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) sorted() []*Command {
	out := make([]*Command, 0, len(r.cmds))
	for _, c := range r.cmds {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run dispatches messages from in until ctx is done or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			r.Dispatch(ctx, msg)
		}
	}
}

// Wait blocks until background fetches started by /fetch have finished.
func (r *Router) Wait() { r.bg.Wait() }

// Dispatch handles one message. Non-command text is ignored.
func (r *Router) Dispatch(ctx context.Context, msg transport.Message) {
	name, args, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	cmd := r.cmds[name]
	if cmd == nil {
		return
	}
	req := &Request{Msg: msg, Command: name, Args: args}
	log := r.log.With(logx.String("cmd", name), logx.Int64("chat_id", msg.ChatID), logx.Int64("from", msg.FromID))

	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		log.Info("command denied")
		r.reply(ctx, req, "You must be the owner to use this command!")
		return
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in command", logx.Any("panic", rec), logx.Stack(string(debug.Stack())))
			r.reply(ctx, req, "Internal error.")
		}
	}()
	start := time.Now()
	if err := cmd.Handle(cctx, req); err != nil {
		log.Warn("command failed", logx.Err(err), logx.Duration("took", time.Since(start)))
		r.reply(ctx, req, "Something went wrong, please try again later.")
		return
	}
	log.Debug("command handled", logx.Duration("took", time.Since(start)))
}

func (r *Router) reply(ctx context.Context, req *Request, text string) {
	if err := r.sender.SendText(ctx, req.Chat(), text, &transport.SendOptions{DisablePreview: true}); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", req.Msg.ChatID), logx.Err(err))
	}
}

// parseCommand splits "/name@bot arg1 arg2" into a lowercased name and args.
func parseCommand(text string) (string, []string, bool) {
	f := strings.Fields(text)
	if len(f) == 0 || !strings.HasPrefix(f[0], "/") {
		return "", nil, false
	}
	name := strings.TrimPrefix(f[0], "/")
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "", nil, false
	}
	return strings.ToLower(name), f[1:], true
}

func chatLabel(id int64) string { return fmt.Sprintf("chat %d", id) }
