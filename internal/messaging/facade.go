// Package messaging is the single entry point consumers use: it ties the
// push connection, the REST gateway, conversation timelines and typing
// notices together behind one explicitly constructed Facade.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"schoolmsg/internal/bus"
	"schoolmsg/internal/conversation"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/gateway"
	"schoolmsg/internal/metrics"
	"schoolmsg/internal/templates"
)

// Gateway is the part of *gateway.Client the facade uses.
type Gateway interface {
	SetToken(token string)
	Send(ctx context.Context, d domain.Draft) gateway.Result[domain.Message]
	SendWithAttachment(ctx context.Context, d domain.Draft, up domain.Upload, onProgress gateway.ProgressFunc) gateway.Result[domain.Message]
	GetConversation(ctx context.Context, counterpartID, studentID string, page, limit int) gateway.Result[[]domain.Message]
	GetConversations(ctx context.Context, page, limit int) gateway.Result[[]domain.ConversationSummary]
	GetInbox(ctx context.Context, page, limit int, unreadOnly bool) gateway.Result[[]domain.Message]
	SearchMessages(ctx context.Context, query string, page, limit int) gateway.Result[[]domain.Message]
	GetMessageStats(ctx context.Context, timeframeDays int) gateway.Result[domain.Stats]
	GetAvailableContacts(ctx context.Context, studentID string) gateway.Result[[]domain.Contact]
	GetMessageTemplates(ctx context.Context) gateway.Result[[]domain.MessageTemplate]
	MarkAsRead(ctx context.Context, messageID string) gateway.Result[domain.Message]
	DownloadAttachment(ctx context.Context, messageID string, index int) gateway.Result[domain.Download]
}

// Connection is the part of *connection.Manager the facade uses.
type Connection interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	JoinConversation(ctx context.Context, key string) error
	LeaveConversation(ctx context.Context, key string) error
	Emit(ctx context.Context, event string, payload any) error
	State() domain.ConnectionState
}

// Options wires a Facade.
type Options struct {
	Self       domain.Participant
	Gateway    Gateway
	Connection Connection
	// Bus receives consumer subscriptions. The Connection should publish
	// into it (directly or through a bus.Queue).
	Bus            *bus.ListenerBus
	Archive        domain.Archive // optional
	LocalTemplates []domain.MessageTemplate
	TypingDebounce time.Duration
	PageSize       int
	Logger         *slog.Logger
}

// Facade is the messaging layer's public surface. It owns every
// conversation timeline and typing timer; nothing else mutates them.
type Facade struct {
	self      domain.Participant
	gw        Gateway
	conn      Connection
	bus       *bus.ListenerBus
	archive   domain.Archive
	local     []domain.MessageTemplate
	debounce  time.Duration
	pageSize  int
	logger    *slog.Logger
	pushSub   bus.Subscription
	listening bool

	mu        sync.Mutex
	timelines map[string]*timeline
	outbox    map[string]*outgoing // failed sends kept for Retry, by correlation id
	typing    map[string]*typingState
}

// New creates a Facade. Call Init before use and Teardown when done.
func New(opts Options) (*Facade, error) {
	if opts.Gateway == nil || opts.Connection == nil {
		return nil, fmt.Errorf("messaging: gateway and connection are required")
	}
	if !opts.Self.Role.Valid() || opts.Self.ID == "" {
		return nil, domain.Invalid("identity", "identity needs an id and a role of guardian or staff")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New(opts.Logger)
	}
	if opts.TypingDebounce <= 0 {
		opts.TypingDebounce = 3 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}

	f := &Facade{
		self:      opts.Self,
		gw:        opts.Gateway,
		conn:      opts.Connection,
		bus:       opts.Bus,
		archive:   opts.Archive,
		local:     opts.LocalTemplates,
		debounce:  opts.TypingDebounce,
		pageSize:  opts.PageSize,
		logger:    opts.Logger,
		timelines: make(map[string]*timeline),
		outbox:    make(map[string]*outgoing),
		typing:    make(map[string]*typingState),
	}
	logger := opts.Logger
	f.bus.SetErrorSink(func(ev bus.Event, _ bus.Subscription, err error) {
		metrics.ListenerFailures.WithLabelValues(string(ev.Channel)).Inc()
		logger.Error("listener failed", "channel", ev.Channel, "event", ev.Name, "err", err)
	})
	return f, nil
}

// Init authenticates the gateway and opens the push connection. A failed
// connect is returned but the connection keeps retrying in the background.
func (f *Facade) Init(ctx context.Context, token string) error {
	f.gw.SetToken(token)

	f.mu.Lock()
	if !f.listening {
		f.pushSub = f.bus.Subscribe(domain.ChannelMessage, f.onPush)
		f.listening = true
	}
	f.mu.Unlock()

	if err := f.conn.Connect(ctx, token); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Teardown stops typing timers, closes the connection and forgets all
// timelines.
func (f *Facade) Teardown() {
	f.mu.Lock()
	keys := make([]string, 0, len(f.typing))
	for key, st := range f.typing {
		st.timer.Stop()
		keys = append(keys, key)
	}
	f.typing = make(map[string]*typingState)
	f.timelines = make(map[string]*timeline)
	f.outbox = make(map[string]*outgoing)
	listening := f.listening
	f.listening = false
	f.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, key := range keys {
		f.emitTyping(ctx, domain.EventTypingStop, key)
	}

	if listening {
		f.bus.Unsubscribe(f.pushSub)
	}
	f.conn.Disconnect()
	f.gw.SetToken("")
}

// Self returns the local identity.
func (f *Facade) Self() domain.Participant { return f.self }

// State returns the push connection state.
func (f *Facade) State() domain.ConnectionState { return f.conn.State() }

// Subscribe registers a consumer listener on channel.
func (f *Facade) Subscribe(channel domain.Channel, l bus.Listener) bus.Subscription {
	return f.bus.Subscribe(channel, l)
}

// Unsubscribe removes a consumer listener.
func (f *Facade) Unsubscribe(sub bus.Subscription) bool {
	return f.bus.Unsubscribe(sub)
}

// --- Conversations ---

// OpenConversation joins the room of (self, counterpart, student) and loads
// its latest page into the timeline. When the service is unreachable the
// archived messages are shown and the fetch error is returned with the key.
func (f *Facade) OpenConversation(ctx context.Context, counterpartID, studentID string) (conversation.Key, error) {
	key, err := conversation.ForParticipants(f.self, counterpartID, studentID)
	if err != nil {
		return "", err
	}
	if err := f.conn.JoinConversation(ctx, key.String()); err != nil {
		f.logger.Warn("join failed, will rejoin on reconnect", "key", key, "err", err)
	}

	res := f.gw.GetConversation(ctx, counterpartID, studentID, 1, f.pageSize)
	if !res.Success {
		if f.archive != nil {
			if archived, aerr := f.archive.ConversationMessages(ctx, key.String(), f.pageSize); aerr == nil {
				f.mergeAll(key.String(), archived)
			}
		}
		f.touch(key.String())
		return key, res.Err
	}

	// The service pages newest first; timelines are chronological.
	page := make([]domain.Message, len(res.Data))
	for i, m := range res.Data {
		if m.ConversationKey == "" {
			m.ConversationKey = key.String()
		}
		page[len(res.Data)-1-i] = m
	}
	f.mergeAll(key.String(), page)
	f.archiveSave(ctx, page)
	return key, nil
}

// CloseConversation leaves the room. The timeline stays readable.
func (f *Facade) CloseConversation(ctx context.Context, key string) error {
	if err := f.StopTyping(ctx, key); err != nil {
		f.logger.Debug("typing stop on close failed", "key", key, "err", err)
	}
	return f.conn.LeaveConversation(ctx, key)
}

// Messages returns a snapshot of the timeline of key, oldest first.
func (f *Facade) Messages(key string) []domain.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	tl, ok := f.timelines[key]
	if !ok {
		return nil
	}
	return tl.snapshot()
}

// MarkAsRead marks a message read on the service and in every timeline.
func (f *Facade) MarkAsRead(ctx context.Context, messageID string) error {
	res := f.gw.MarkAsRead(ctx, messageID)
	if !res.Success {
		return res.Err
	}
	f.markRead(ctx, messageID, res.Data.ConversationKey)
	return nil
}

// --- Passthroughs ---

func (f *Facade) Conversation(ctx context.Context, counterpartID, studentID string, page, limit int) gateway.Result[[]domain.Message] {
	return f.gw.GetConversation(ctx, counterpartID, studentID, page, limit)
}

func (f *Facade) Conversations(ctx context.Context, page, limit int) gateway.Result[[]domain.ConversationSummary] {
	return f.gw.GetConversations(ctx, page, limit)
}

func (f *Facade) Inbox(ctx context.Context, page, limit int, unreadOnly bool) gateway.Result[[]domain.Message] {
	return f.gw.GetInbox(ctx, page, limit, unreadOnly)
}

func (f *Facade) Search(ctx context.Context, query string, page, limit int) gateway.Result[[]domain.Message] {
	return f.gw.SearchMessages(ctx, query, page, limit)
}

func (f *Facade) Stats(ctx context.Context, timeframeDays int) gateway.Result[domain.Stats] {
	return f.gw.GetMessageStats(ctx, timeframeDays)
}

func (f *Facade) Contacts(ctx context.Context, studentID string) gateway.Result[[]domain.Contact] {
	return f.gw.GetAvailableContacts(ctx, studentID)
}

func (f *Facade) DownloadAttachment(ctx context.Context, messageID string, index int) gateway.Result[domain.Download] {
	return f.gw.DownloadAttachment(ctx, messageID, index)
}

// Templates returns the service's templates followed by local ones with
// distinct ids. If the service fails and local templates exist, those are
// returned as a success.
func (f *Facade) Templates(ctx context.Context) gateway.Result[[]domain.MessageTemplate] {
	res := f.gw.GetMessageTemplates(ctx)
	if !res.Success {
		if len(f.local) == 0 {
			return res
		}
		f.logger.Warn("remote templates unavailable, using local pack", "err", res.Err)
		return gateway.Result[[]domain.MessageTemplate]{Success: true, Data: append([]domain.MessageTemplate(nil), f.local...)}
	}
	seen := make(map[string]bool, len(res.Data))
	out := append([]domain.MessageTemplate(nil), res.Data...)
	for _, t := range res.Data {
		seen[t.ID] = true
	}
	for _, t := range f.local {
		if !seen[t.ID] {
			out = append(out, t)
		}
	}
	res.Data = out
	return res
}

// RenderTemplate fills {name} placeholders of tpl from vars.
func (f *Facade) RenderTemplate(tpl string, vars map[string]string) string {
	return templates.Render(tpl, vars)
}

// Archived returns archived messages of key, oldest first.
func (f *Facade) Archived(ctx context.Context, key string, limit int) ([]domain.Message, error) {
	if f.archive == nil {
		return nil, fmt.Errorf("archive is disabled")
	}
	return f.archive.ConversationMessages(ctx, key, limit)
}

func (f *Facade) archiveSave(ctx context.Context, msgs []domain.Message) {
	if f.archive == nil || len(msgs) == 0 {
		return
	}
	if err := f.archive.SaveMessages(ctx, msgs); err != nil {
		f.logger.Warn("archive write failed", "err", err)
	}
}

// touch announces a timeline change.
func (f *Facade) touch(key string) {
	f.bus.Publish(domain.ChannelTimeline, domain.EventTimelineUpdated, key)
}
