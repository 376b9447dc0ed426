package main

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/Alexander-D-Karpov/chatcore/internal/attachments"
	"github.com/Alexander-D-Karpov/chatcore/internal/audit"
	"github.com/Alexander-D-Karpov/chatcore/internal/chat"
	"github.com/Alexander-D-Karpov/chatcore/internal/clock"
	"github.com/Alexander-D-Karpov/chatcore/internal/delivery"
	"github.com/Alexander-D-Karpov/chatcore/internal/events"
	"github.com/Alexander-D-Karpov/chatcore/internal/membership"
	"github.com/Alexander-D-Karpov/chatcore/internal/messaging"
	"github.com/Alexander-D-Karpov/chatcore/internal/ratelimit"
	"github.com/Alexander-D-Karpov/chatcore/internal/readtracking"
	"github.com/Alexander-D-Karpov/chatcore/internal/remote"
	"github.com/Alexander-D-Karpov/chatcore/internal/typing"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const demoPeer = "loopback"

func newDemoCmd(a *app) *cobra.Command {
	var (
		wait   time.Duration
		attach []string
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the chat core against an in-process loopback server",
		Long: "demo creates a channel, sends, replies, reacts and uploads attachments " +
			"while a loopback transport acknowledges every message, then prints the resulting state.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.cfg.Chat.LocalUserID == "" {
				a.cfg.Chat.LocalUserID = "me"
			}
			return a.runDemo(cmd.Context(), cmd.OutOrStdout(), wait, attach)
		},
	}

	cmd.Flags().DurationVar(&wait, "wait", 2500*time.Millisecond, "how long to wait for acknowledgments")
	cmd.Flags().StringSliceVar(&attach, "attach", nil, "file to upload (repeatable)")
	return cmd
}

func (a *app) runDemo(ctx context.Context, out io.Writer, wait time.Duration, paths []string) error {
	user := a.cfg.Chat.LocalUserID
	sched := clock.NewReal()
	st := a.newStore()
	hub := events.NewHub(a.logger)
	a.onClose(func() { _ = hub.Shutdown(context.Background()) })

	counts := watchEvents(hub)

	loop := remote.NewLoopback(sched, remote.DefaultLoopbackConfig(), a.logger)
	transport := remote.NewResilientTransport(loop, a.cfg.Remote, a.logger)

	var counter ratelimit.Counter
	if c := a.openCache(); c != nil {
		counter = c
	}
	limiter := ratelimit.NewLimiter(counter, a.cfg.RateLimit)
	a.onClose(limiter.Close)

	validator, err := attachments.NewValidator(a.cfg.Attachments.MaxFileSize, a.cfg.Attachments.AllowedTypes)
	if err != nil {
		return fmt.Errorf("attachment allow-list: %w", err)
	}
	backend, _, err := a.openBackend()
	if err != nil {
		return err
	}

	trail := audit.NewLogger(a.logger, audit.DefaultRetention)

	svc := chat.NewService(user, chat.Deps{
		Store:      st,
		Hub:        hub,
		Membership: membership.NewService(st, a.logger, membership.WithAudit(trail)),
		Typing: typing.NewManager(sched, user,
			typing.WithTimeout(a.cfg.Chat.TypingTimeout),
			typing.WithHub(hub),
			typing.WithMetrics(a.metrics),
			typing.WithLogger(a.logger),
			typing.WithTransport(transport, a.cfg.Chat.TypingThrottle),
		),
		Unread: readtracking.NewService(st, user, hub, a.metrics, a.logger),
		Attachments: attachments.NewPipeline(validator, backend, st,
			attachments.WithHub(hub),
			attachments.WithMetrics(a.metrics),
			attachments.WithLogger(a.logger),
		),
		Transport: transport,
		Limiter:   limiter,
		Metrics:   a.metrics,
		Logger:    a.logger,
	})
	svc.Start(ctx)
	defer func() {
		_ = svc.Close()
		_ = transport.Close()
	}()

	ch, err := svc.CreateChannel(ctx, membership.CreateChannelInput{
		Name:        "demo",
		Description: "loopback demo channel",
	})
	if err != nil {
		return err
	}
	if _, err := svc.AddMember(ctx, ch.ID, demoPeer); err != nil {
		return err
	}
	ref := ch.Ref()

	incoming, err := st.Append(ref, messaging.Message{
		SenderID: demoPeer,
		Content:  "welcome to the demo channel",
		Delivery: messaging.DeliveryStatus{Sent: true, Delivered: true, LastUpdated: sched.Now()},
	})
	if err != nil {
		return err
	}
	svc.RemoteTyping(ref, demoPeer, true)

	hello, err := svc.Send(ctx, ref, "hello from "+user)
	if err != nil {
		return err
	}
	if _, err := svc.Reply(ctx, ref, incoming.LocalID, "thanks!"); err != nil {
		return err
	}
	if _, err := svc.React(ref, incoming.LocalID, "👋"); err != nil {
		return err
	}
	svc.SetTyping(ref, true)

	if len(paths) > 0 {
		if err := a.uploadAll(ctx, out, svc, ref, paths); err != nil {
			return err
		}
	}

	if _, err := svc.OpenConversation(ref); err != nil {
		return err
	}
	svc.SetTyping(ref, false)

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	a.logger.Info("demo finished", zap.String("first_message", hello.LocalID))
	if err := printMessages(out, svc, ref); err != nil {
		return err
	}
	printEvents(out, counts.snapshot())
	fmt.Fprintf(out, "audit events: %d\n", len(trail.ForChannel(ch.ID)))
	return nil
}

func (a *app) uploadAll(ctx context.Context, out io.Writer, svc *chat.Service, ref messaging.ConversationRef, paths []string) error {
	sources := make([]attachments.Source, 0, len(paths))
	for _, path := range paths {
		src, closeFn, err := openSource(path)
		if err != nil {
			return err
		}
		defer closeFn()
		sources = append(sources, src)
	}

	batch, err := svc.Attach(ctx, ref, sources...)
	if err != nil {
		return err
	}
	for _, r := range batch.Rejected {
		fmt.Fprintf(out, "rejected %s: %v\n", r.File.Name, r.Err)
	}
	if len(batch.Tasks) == 0 {
		return nil
	}

	msg, err := batch.Wait(ctx)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if msg != nil {
		fmt.Fprintf(out, "uploaded %d files\n", len(msg.Files))
	}
	return nil
}

func openSource(path string) (attachments.Source, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return attachments.Source{}, nil, fmt.Errorf("open attachment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return attachments.Source{}, nil, fmt.Errorf("stat attachment: %w", err)
	}

	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		head := make([]byte, 512)
		n, _ := io.ReadFull(f, head)
		mimeType = http.DetectContentType(head[:n])
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			_ = f.Close()
			return attachments.Source{}, nil, fmt.Errorf("rewind attachment: %w", err)
		}
	}

	return attachments.Source{
		Name:     filepath.Base(path),
		MimeType: mimeType,
		Size:     info.Size(),
		Data:     f,
	}, func() { _ = f.Close() }, nil
}

func printMessages(out io.Writer, svc *chat.Service, ref messaging.ConversationRef) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSENDER\tSTATUS\tWHEN\tCONTENT")
	for _, m := range svc.Messages(ref) {
		content := m.Content
		for _, f := range m.Files {
			content += fmt.Sprintf(" [%s %s]", f.Name, humanize.Bytes(uint64(f.SizeBytes)))
		}
		if m.ReplyTo != "" {
			content = "↳ " + content
		}
		for _, r := range m.Reactions {
			content += fmt.Sprintf(" %s%d", r.Emoji, len(r.Users))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			m.ID(), m.SenderID, delivery.Rank(m.Delivery), humanize.Time(m.Timestamp), content)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "unread: %d\n", svc.Unread(ref))
	return nil
}

type eventCounts struct {
	mu     sync.Mutex
	counts map[events.EventType]int
}

func watchEvents(hub *events.Hub) *eventCounts {
	ec := &eventCounts{counts: make(map[events.EventType]int)}
	sub := hub.AddSubscriber("demo")
	if sub == nil {
		return ec
	}
	hub.Subscribe(sub.ID, events.AllConversations)
	go func() {
		for ev := range sub.Events() {
			ec.mu.Lock()
			ec.counts[ev.Type]++
			ec.mu.Unlock()
		}
	}()
	return ec
}

func (ec *eventCounts) snapshot() map[events.EventType]int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	out := make(map[events.EventType]int, len(ec.counts))
	for k, v := range ec.counts {
		out[k] = v
	}
	return out
}

func printEvents(out io.Writer, counts map[events.EventType]int) {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(out, "event %s: %d\n", t, counts[events.EventType(t)])
	}
}
