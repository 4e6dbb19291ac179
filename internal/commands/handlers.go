package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pagewatch/internal/pages"
	"pagewatch/internal/storage"
	logx "pagewatch/pkg/logx"
)

func (r *Router) register() {
	r.add(&Command{
		Name:        "subscribe",
		Description: "Subscribe a chat to updates about a page",
		Usage:       "/subscribe <page> [chat_id]",
		Handle:      r.handleSubscribe,
	})
	r.add(&Command{
		Name:        "unsubscribe",
		Description: "Unsubscribe a chat from a page, or everything with 'all'",
		Usage:       "/unsubscribe <page|all> [chat_id]",
		Handle:      r.handleUnsubscribe,
	})
	r.add(&Command{
		Name:        "list",
		Description: "List subscriptions made from this chat",
		Usage:       "/list",
		Handle:      r.handleList,
	})
	r.add(&Command{
		Name:        "pages",
		Description: "List watched pages",
		Usage:       "/pages",
		Handle:      r.handlePages,
	})
	r.add(&Command{
		Name:        "fetch",
		Description: "Manually fetch updates",
		Usage:       "/fetch",
		Access:      AccessOwnerOnly,
		Handle:      r.handleFetch,
	})
	r.add(&Command{
		Name:        "help",
		Description: "Show commands",
		Usage:       "/help",
		Handle:      r.handleHelp,
	})
}

// target resolves the page argument and the destination chat.
func (r *Router) target(ctx context.Context, req *Request, usage string) (pages.Spec, int64, bool) {
	if len(req.Args) == 0 {
		r.reply(ctx, req, "Usage: "+usage)
		return pages.Spec{}, 0, false
	}
	page, ok := r.pages.Lookup(req.Args[0])
	if !ok {
		r.reply(ctx, req, fmt.Sprintf("Unknown page %q. Try /pages.", req.Args[0]))
		return pages.Spec{}, 0, false
	}
	dest := req.Msg.ChatID
	if len(req.Args) > 1 {
		id, err := strconv.ParseInt(req.Args[1], 10, 64)
		if err != nil || id == 0 {
			r.reply(ctx, req, fmt.Sprintf("Invalid chat id %q.", req.Args[1]))
			return pages.Spec{}, 0, false
		}
		dest = id
	}
	return page, dest, true
}

func (r *Router) handleSubscribe(ctx context.Context, req *Request) error {
	page, dest, ok := r.target(ctx, req, "/subscribe <page> [chat_id]")
	if !ok {
		return nil
	}
	has, err := r.subs.HasSubscription(ctx, dest, page.Name)
	if err != nil {
		return err
	}
	if has {
		r.reply(ctx, req, fmt.Sprintf("%s is already subscribed to %s", chatLabel(dest), page.Name))
		return nil
	}
	added, err := r.subs.AddSubscription(ctx, storage.Subscription{
		GuildID:   req.Msg.ChatID,
		ChannelID: dest,
		Target:    page.Name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !added {
		r.reply(ctx, req, fmt.Sprintf("%s is already subscribed to %s", chatLabel(dest), page.Name))
		return nil
	}
	r.log.Info("subscribed", logx.String("page", page.Name), logx.Int64("dest", dest), logx.Int64("from_chat", req.Msg.ChatID))
	r.reply(ctx, req, fmt.Sprintf("Subscribed %s to updates about %s", chatLabel(dest), describe(page)))
	return nil
}

func (r *Router) handleUnsubscribe(ctx context.Context, req *Request) error {
	if len(req.Args) > 0 && strings.EqualFold(req.Args[0], "all") {
		n, err := r.subs.RemoveAllForGuild(ctx, req.Msg.ChatID)
		if err != nil {
			return err
		}
		r.log.Info("unsubscribed all", logx.Int64("from_chat", req.Msg.ChatID), logx.Int("removed", n))
		r.reply(ctx, req, fmt.Sprintf("Unsubscribed all chats from all topics (%d removed)", n))
		return nil
	}

	page, dest, ok := r.target(ctx, req, "/unsubscribe <page|all> [chat_id]")
	if !ok {
		return nil
	}
	removed, err := r.subs.RemoveSubscription(ctx, dest, page.Name)
	if err != nil {
		return err
	}
	if !removed {
		r.reply(ctx, req, fmt.Sprintf("%s is not subscribed to %s", chatLabel(dest), page.Name))
		return nil
	}
	r.log.Info("unsubscribed", logx.String("page", page.Name), logx.Int64("dest", dest))
	r.reply(ctx, req, fmt.Sprintf("Unsubscribed %s from %s updates", chatLabel(dest), page.Name))
	return nil
}

func (r *Router) handleList(ctx context.Context, req *Request) error {
	subs, err := r.subs.SubscriptionsForGuild(ctx, req.Msg.ChatID)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		r.reply(ctx, req, "This chat has no subscriptions")
		return nil
	}

	// group by destination, keeping first-seen order
	var order []int64
	byDest := map[int64][]string{}
	for _, s := range subs {
		if _, seen := byDest[s.ChannelID]; !seen {
			order = append(order, s.ChannelID)
		}
		byDest[s.ChannelID] = append(byDest[s.ChannelID], s.Target)
	}
	var b strings.Builder
	b.WriteString("Subscriptions\n")
	for _, dest := range order {
		fmt.Fprintf(&b, "\n%s\n", chatLabel(dest))
		for _, t := range byDest[dest] {
			b.WriteString("    " + t + "\n")
		}
	}
	r.reply(ctx, req, strings.TrimRight(b.String(), "\n"))
	return nil
}

func (r *Router) handlePages(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Watched pages\n")
	for _, p := range r.pages.All() {
		fmt.Fprintf(&b, "\n%s: %s\n%s", p.Name, describe(p), p.URL)
	}
	r.reply(ctx, req, b.String())
	return nil
}

func (r *Router) handleFetch(ctx context.Context, req *Request) error {
	if r.trigger == nil {
		r.reply(ctx, req, "Fetching is not available.")
		return nil
	}
	r.reply(ctx, req, "Fetching updates")
	// the pass outlives the command timeout
	bctx := context.WithoutCancel(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		if !r.trigger(bctx, "command") {
			r.reply(bctx, req, "A fetch is already running.")
		}
	}()
	return nil
}

func (r *Router) handleHelp(ctx context.Context, req *Request) error {
	var b strings.Builder
	b.WriteString("Commands\n")
	for _, c := range r.sorted() {
		if c.Access == AccessOwnerOnly && !r.isOwner(req.Msg.FromID) {
			continue
		}
		fmt.Fprintf(&b, "\n%s\n    %s", c.Usage, c.Description)
	}
	r.reply(ctx, req, b.String())
	return nil
}

func describe(p pages.Spec) string {
	if p.Description != "" {
		return p.Description
	}
	return p.Name
}
