package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"schoolmsg/internal/bus"
	"schoolmsg/internal/domain"
	"schoolmsg/internal/gateway"
	"schoolmsg/internal/metrics"
	"schoolmsg/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const testKey = "guardian_g1_staff_s1_student_st1"

var self = domain.Participant{ID: "g1", Role: domain.RoleGuardian}

// --- Fakes ---

type fakeGateway struct {
	mu       sync.Mutex
	token    string
	sends    int
	uploads  [][]byte
	send     func(d domain.Draft) gateway.Result[domain.Message]
	page     gateway.Result[[]domain.Message]
	tpls     gateway.Result[[]domain.MessageTemplate]
	readCall []string
}

func (g *fakeGateway) SetToken(token string) {
	g.mu.Lock()
	g.token = token
	g.mu.Unlock()
}

func (g *fakeGateway) Token() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.token
}

func (g *fakeGateway) Send(_ context.Context, d domain.Draft) gateway.Result[domain.Message] {
	g.mu.Lock()
	g.sends++
	fn := g.send
	g.mu.Unlock()
	return fn(d)
}

func (g *fakeGateway) SendWithAttachment(_ context.Context, d domain.Draft, up domain.Upload, onProgress gateway.ProgressFunc) gateway.Result[domain.Message] {
	buf := new(strings.Builder)
	b := make([]byte, 512)
	for {
		n, err := up.Body.Read(b)
		buf.Write(b[:n])
		if err != nil {
			break
		}
	}
	g.mu.Lock()
	g.sends++
	g.uploads = append(g.uploads, []byte(buf.String()))
	fn := g.send
	g.mu.Unlock()
	res := fn(d)
	if res.Success && onProgress != nil {
		onProgress(100)
	}
	return res
}

func (g *fakeGateway) GetConversation(context.Context, string, string, int, int) gateway.Result[[]domain.Message] {
	return g.page
}

func (g *fakeGateway) GetConversations(context.Context, int, int) gateway.Result[[]domain.ConversationSummary] {
	return gateway.Result[[]domain.ConversationSummary]{Success: true, Data: []domain.ConversationSummary{}}
}

func (g *fakeGateway) GetInbox(context.Context, int, int, bool) gateway.Result[[]domain.Message] {
	return gateway.Result[[]domain.Message]{Success: true, Data: []domain.Message{}}
}

func (g *fakeGateway) SearchMessages(context.Context, string, int, int) gateway.Result[[]domain.Message] {
	return gateway.Result[[]domain.Message]{Success: true, Data: []domain.Message{}}
}

func (g *fakeGateway) GetMessageStats(context.Context, int) gateway.Result[domain.Stats] {
	return gateway.Result[domain.Stats]{Success: true}
}

func (g *fakeGateway) GetAvailableContacts(context.Context, string) gateway.Result[[]domain.Contact] {
	return gateway.Result[[]domain.Contact]{Success: true, Data: []domain.Contact{}}
}

func (g *fakeGateway) GetMessageTemplates(context.Context) gateway.Result[[]domain.MessageTemplate] {
	return g.tpls
}

func (g *fakeGateway) MarkAsRead(_ context.Context, id string) gateway.Result[domain.Message] {
	g.mu.Lock()
	g.readCall = append(g.readCall, id)
	g.mu.Unlock()
	return gateway.Result[domain.Message]{Success: true, Data: domain.Message{ID: id, SenderID: "s1", IsRead: true}}
}

func (g *fakeGateway) DownloadAttachment(context.Context, string, int) gateway.Result[domain.Download] {
	return gateway.Result[domain.Download]{Success: true}
}

type emitted struct {
	event  string
	notice domain.TypingNotice
}

type fakeConnection struct {
	mu        sync.Mutex
	connected bool
	token     string
	joined    []string
	left      []string
	emits     []emitted
}

func (c *fakeConnection) Connect(_ context.Context, token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected, c.token = true, token
	return nil
}

func (c *fakeConnection) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected, c.token = false, ""
}

func (c *fakeConnection) JoinConversation(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, key)
	return nil
}

func (c *fakeConnection) LeaveConversation(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, key)
	return nil
}

func (c *fakeConnection) Emit(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, _ := payload.(domain.TypingNotice)
	c.emits = append(c.emits, emitted{event: event, notice: n})
	return nil
}

func (c *fakeConnection) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return domain.StateConnected
	}
	return domain.StateDisconnected
}

func (c *fakeConnection) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.emits))
	for i, e := range c.emits {
		out[i] = e.event
	}
	return out
}

func confirm(id string) func(d domain.Draft) gateway.Result[domain.Message] {
	return func(d domain.Draft) gateway.Result[domain.Message] {
		return gateway.Result[domain.Message]{Success: true, Data: domain.Message{
			ID: id, SenderID: "g1", RecipientID: d.RecipientID, StudentID: d.StudentID,
			Content: d.Content, CreatedAt: time.Now().UTC(),
		}}
	}
}

func newTestFacade(t *testing.T, gw Gateway, archive domain.Archive) (*Facade, *fakeConnection) {
	t.Helper()
	conn := &fakeConnection{}
	f, err := New(Options{
		Self:           self,
		Gateway:        gw,
		Connection:     conn,
		Archive:        archive,
		TypingDebounce: 40 * time.Millisecond,
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := f.Init(context.Background(), "tok"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(f.Teardown)
	return f, conn
}

func openArchive(t *testing.T) *store.SQLiteArchive {
	t.Helper()
	a, err := store.Open(filepath.Join(t.TempDir(), "archive.db"), testLogger())
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func draft(content string) domain.Draft {
	return domain.Draft{RecipientID: "s1", StudentID: "st1", Content: content}
}

// --- Construction ---

func TestNew_RequiresIdentity(t *testing.T) {
	_, err := New(Options{Gateway: &fakeGateway{}, Connection: &fakeConnection{}, Self: domain.Participant{ID: "x", Role: "teacher"}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestInitAndTeardown(t *testing.T) {
	gw := &fakeGateway{}
	conn := &fakeConnection{}
	f, err := New(Options{Self: self, Gateway: gw, Connection: conn, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Init(context.Background(), "tok"); err != nil {
		t.Fatal(err)
	}
	if gw.Token() != "tok" || f.State() != domain.StateConnected {
		t.Fatalf("token=%q state=%s", gw.Token(), f.State())
	}

	f.Teardown()
	if gw.Token() != "" || f.State() != domain.StateDisconnected {
		t.Fatalf("after teardown token=%q state=%s", gw.Token(), f.State())
	}
}

// --- Sending ---

func TestComposeAndSend_EchoIsReplacedByConfirmedCopy(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{send: func(d domain.Draft) gateway.Result[domain.Message] {
		<-release
		return confirm("m1")(d)
	}}
	f, _ := newTestFacade(t, gw, nil)

	var (
		sent domain.Message
		err  error
		done = make(chan struct{})
	)
	go func() {
		sent, err = f.ComposeAndSend(context.Background(), draft("hello"), nil, nil)
		close(done)
	}()

	waitFor(t, func() bool { return len(f.Messages(testKey)) == 1 })
	echo := f.Messages(testKey)[0]
	if !echo.Pending() || echo.Content != "hello" || echo.SenderID != "g1" {
		t.Fatalf("echo = %+v", echo)
	}
	if echo.MessageType != domain.DefaultMessageType || echo.Priority != domain.DefaultPriority {
		t.Errorf("echo defaults = %q/%q", echo.MessageType, echo.Priority)
	}

	close(release)
	<-done
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.ID != "m1" || sent.CorrelationID != "" {
		t.Errorf("sent = %+v", sent)
	}
	msgs := f.Messages(testKey)
	if len(msgs) != 1 || msgs[0].ID != "m1" || msgs[0].Pending() {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestComposeAndSend_PushBeforeReplyLeavesOneCopy(t *testing.T) {
	release := make(chan struct{})
	gw := &fakeGateway{send: func(d domain.Draft) gateway.Result[domain.Message] {
		<-release
		return confirm("m1")(d)
	}}
	f, _ := newTestFacade(t, gw, nil)

	done := make(chan struct{})
	go func() {
		_, _ = f.ComposeAndSend(context.Background(), draft("hi"), nil, nil)
		close(done)
	}()
	waitFor(t, func() bool { return len(f.Messages(testKey)) == 1 })

	push, _ := json.Marshal(domain.Message{ID: "m1", SenderID: "g1", RecipientID: "s1", StudentID: "st1", Content: "hi", CreatedAt: time.Now().UTC()})
	f.bus.Publish(domain.ChannelMessage, domain.EventNewMessage, json.RawMessage(push))
	if n := len(f.Messages(testKey)); n != 2 {
		t.Fatalf("before reply: %d messages, want echo plus pushed copy", n)
	}

	close(release)
	<-done
	msgs := f.Messages(testKey)
	if len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestComposeAndSend_FailureKeepsFailedEchoForRetry(t *testing.T) {
	gw := &fakeGateway{send: func(domain.Draft) gateway.Result[domain.Message] {
		return gateway.Result[domain.Message]{Err: &domain.RequestError{Op: "send", Status: 500, Message: "boom"}}
	}}
	f, _ := newTestFacade(t, gw, nil)

	_, err := f.ComposeAndSend(context.Background(), draft("hello"), nil, nil)
	if !errors.Is(err, domain.ErrRequest) {
		t.Fatalf("err = %v", err)
	}
	msgs := f.Messages(testKey)
	if len(msgs) != 1 || !msgs[0].Failed || msgs[0].ID != "" {
		t.Fatalf("timeline = %+v", msgs)
	}
	cid := msgs[0].CorrelationID

	gw.mu.Lock()
	gw.send = confirm("m9")
	gw.mu.Unlock()

	sent, err := f.Retry(context.Background(), cid, nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	msgs = f.Messages(testKey)
	if sent.ID != "m9" || len(msgs) != 1 || msgs[0].Failed || msgs[0].ID != "m9" {
		t.Fatalf("after retry sent=%+v timeline=%+v", sent, msgs)
	}

	if _, err := f.Retry(context.Background(), cid, nil); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("second retry err = %v, want validation error", err)
	}
}

// newServiceGateway is a real client against a stub service that answers
// every request with reply.
func newServiceGateway(t *testing.T, reply string) (*gateway.Client, *atomic.Int32) {
	t.Helper()
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return gateway.New(gateway.Config{BaseURL: srv.URL, Self: self, Logger: testLogger()}), &requests
}

func TestComposeAndSend_RejectedDraftStaysFailed(t *testing.T) {
	gw, requests := newServiceGateway(t, `{"success":true,"data":{}}`)
	f, _ := newTestFacade(t, gw, nil)

	long := strings.Repeat("a", 5001)
	if _, err := f.ComposeAndSend(context.Background(), draft(long), nil, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	msgs := f.Messages(testKey)
	if len(msgs) != 1 || !msgs[0].Failed || msgs[0].Content != long {
		t.Fatalf("timeline = %d messages, want the failed draft", len(msgs))
	}
	if requests.Load() != 0 {
		t.Errorf("requests = %d, want none", requests.Load())
	}

	if _, err := f.Retry(context.Background(), msgs[0].CorrelationID, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("retry err = %v", err)
	}
	if msgs = f.Messages(testKey); len(msgs) != 1 || !msgs[0].Failed {
		t.Fatalf("after retry timeline = %+v", msgs)
	}
}

func TestComposeAndSend_IncompleteReplyKeepsFailedEcho(t *testing.T) {
	gw, requests := newServiceGateway(t, `{"success":true,"data":{"id":"srv-1","content":"hello"}}`)
	f, _ := newTestFacade(t, gw, nil)

	_, err := f.ComposeAndSend(context.Background(), draft("hello"), nil, nil)
	if !errors.Is(err, domain.ErrRequest) || errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want request error", err)
	}
	msgs := f.Messages(testKey)
	if len(msgs) != 1 || !msgs[0].Failed || msgs[0].CorrelationID == "" {
		t.Fatalf("timeline = %+v", msgs)
	}
	if requests.Load() != 1 {
		t.Errorf("requests = %d, want 1", requests.Load())
	}
	f.mu.Lock()
	_, kept := f.outbox[msgs[0].CorrelationID]
	f.mu.Unlock()
	if !kept {
		t.Error("failed send not kept for retry")
	}
}

func TestComposeAndSend_UnknownCounterpartRejectedEarly(t *testing.T) {
	gw := &fakeGateway{send: confirm("m1")}
	f, _ := newTestFacade(t, gw, nil)

	_, err := f.ComposeAndSend(context.Background(), domain.Draft{StudentID: "st1", Content: "x"}, nil, nil)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if gw.sends != 0 {
		t.Errorf("gateway called %d times", gw.sends)
	}
}

func TestComposeAndSend_AttachmentRetriedWithSameBytes(t *testing.T) {
	calls := 0
	gw := &fakeGateway{}
	gw.send = func(d domain.Draft) gateway.Result[domain.Message] {
		calls++
		if calls == 1 {
			return gateway.Result[domain.Message]{Err: domain.TransportErr("send_attachment", errors.New("reset"))}
		}
		return confirm("m2")(d)
	}
	f, _ := newTestFacade(t, gw, nil)

	up := &domain.Upload{Name: "report.pdf", MediaType: "application/pdf", SizeBytes: 7, Body: strings.NewReader("%PDF-1.")}
	if _, err := f.ComposeAndSend(context.Background(), draft("see file"), up, nil); !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("err = %v", err)
	}
	failed := f.Messages(testKey)[0]
	if len(failed.Attachments) != 1 || failed.Attachments[0].OriginalName != "report.pdf" {
		t.Fatalf("echo attachments = %+v", failed.Attachments)
	}

	var last int
	if _, err := f.Retry(context.Background(), failed.CorrelationID, func(p int) { last = p }); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(gw.uploads) != 2 || string(gw.uploads[0]) != "%PDF-1." || string(gw.uploads[1]) != "%PDF-1." {
		t.Errorf("uploads = %q", gw.uploads)
	}
	if last != 100 {
		t.Errorf("last progress = %d", last)
	}
}

func TestComposeAndSend_UnsupportedFileNeverShown(t *testing.T) {
	gw := &fakeGateway{send: confirm("m1")}
	f, _ := newTestFacade(t, gw, nil)

	up := &domain.Upload{Name: "run.exe", MediaType: "application/x-msdownload", SizeBytes: 3, Body: strings.NewReader("MZ!")}
	if _, err := f.ComposeAndSend(context.Background(), draft("x"), up, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
	if len(f.Messages(testKey)) != 0 || gw.sends != 0 {
		t.Fatalf("timeline=%d sends=%d", len(f.Messages(testKey)), gw.sends)
	}
}

func TestComposeAndSend_ArchivesConfirmedOnly(t *testing.T) {
	archive := openArchive(t)
	gw := &fakeGateway{send: confirm("m1")}
	f, _ := newTestFacade(t, gw, archive)

	if _, err := f.ComposeAndSend(context.Background(), draft("kept"), nil, nil); err != nil {
		t.Fatal(err)
	}
	gw.mu.Lock()
	gw.send = func(domain.Draft) gateway.Result[domain.Message] {
		return gateway.Result[domain.Message]{Err: &domain.RequestError{Op: "send", Status: 503}}
	}
	gw.mu.Unlock()
	_, _ = f.ComposeAndSend(context.Background(), draft("lost"), nil, nil)

	got, err := archive.ConversationMessages(context.Background(), testKey, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("archived = %+v", got)
	}
}

// --- Conversations and push ---

func TestOpenConversation_JoinsAndOrdersOldestFirst(t *testing.T) {
	now := time.Now().UTC()
	gw := &fakeGateway{page: gateway.Result[[]domain.Message]{Success: true, Data: []domain.Message{
		{ID: "m3", SenderID: "s1", CreatedAt: now},
		{ID: "m2", SenderID: "g1", CreatedAt: now.Add(-time.Minute)},
		{ID: "m1", SenderID: "s1", CreatedAt: now.Add(-2 * time.Minute)},
	}}}
	f, conn := newTestFacade(t, gw, nil)

	key, err := f.OpenConversation(context.Background(), "s1", "st1")
	if err != nil {
		t.Fatal(err)
	}
	if key.String() != testKey || len(conn.joined) != 1 || conn.joined[0] != testKey {
		t.Fatalf("key=%s joined=%v", key, conn.joined)
	}
	msgs := f.Messages(testKey)
	if len(msgs) != 3 || msgs[0].ID != "m1" || msgs[2].ID != "m3" {
		t.Fatalf("timeline = %+v", msgs)
	}
	if msgs[0].ConversationKey != testKey {
		t.Errorf("conversation key not filled: %q", msgs[0].ConversationKey)
	}

	if err := f.CloseConversation(context.Background(), testKey); err != nil {
		t.Fatal(err)
	}
	if len(conn.left) != 1 {
		t.Errorf("left = %v", conn.left)
	}
	if len(f.Messages(testKey)) != 3 {
		t.Error("timeline dropped on close")
	}
}

func TestOpenConversation_OfflineShowsArchive(t *testing.T) {
	archive := openArchive(t)
	err := archive.SaveMessages(context.Background(), []domain.Message{
		{ID: "old", ConversationKey: testKey, SenderID: "s1", Content: "from before", CreatedAt: time.Now().UTC()},
	})
	if err != nil {
		t.Fatal(err)
	}
	gw := &fakeGateway{page: gateway.Result[[]domain.Message]{Err: domain.TransportErr("get_conversation", errors.New("refused"))}}
	f, _ := newTestFacade(t, gw, archive)

	key, err := f.OpenConversation(context.Background(), "s1", "st1")
	if !errors.Is(err, domain.ErrTransport) || key.String() != testKey {
		t.Fatalf("key=%s err=%v", key, err)
	}
	msgs := f.Messages(testKey)
	if len(msgs) != 1 || msgs[0].ID != "old" {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestPush_ReadStateNeverReverts(t *testing.T) {
	f, _ := newTestFacade(t, &fakeGateway{}, nil)

	var updates int
	f.Subscribe(domain.ChannelTimeline, func(ev bus.Event) error {
		if ev.Payload == testKey {
			updates++
		}
		return nil
	})

	msg := domain.Message{ID: "m1", SenderID: "s1", RecipientID: "g1", StudentID: "st1", Content: "hi", CreatedAt: time.Now().UTC()}
	raw, _ := json.Marshal(msg)
	f.bus.Publish(domain.ChannelMessage, domain.EventNewMessage, json.RawMessage(raw))

	receipt, _ := json.Marshal(domain.ReadReceipt{MessageID: "m1"})
	f.bus.Publish(domain.ChannelMessage, domain.EventMessageRead, json.RawMessage(receipt))

	f.bus.Publish(domain.ChannelMessage, domain.EventMessageDelivered, json.RawMessage(raw))

	msgs := f.Messages(testKey)
	if len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("timeline = %+v", msgs)
	}
	if updates != 3 {
		t.Errorf("timeline updates = %d, want 3", updates)
	}
}

func TestPush_ReadReceiptByMessageID(t *testing.T) {
	f, _ := newTestFacade(t, &fakeGateway{}, nil)

	raw, _ := json.Marshal(domain.Message{ID: "m1", ConversationKey: testKey, SenderID: "g1", CreatedAt: time.Now().UTC()})
	f.bus.Publish(domain.ChannelMessage, domain.EventNewMessage, json.RawMessage(raw))
	f.bus.Publish(domain.ChannelMessage, domain.EventMessageRead, json.RawMessage(`{"id":"m1","isRead":true}`))

	if msgs := f.Messages(testKey); len(msgs) != 1 || !msgs[0].IsRead {
		t.Fatalf("timeline = %+v", msgs)
	}
}

func TestPush_MalformedPayloadCountsListenerFailure(t *testing.T) {
	f, _ := newTestFacade(t, &fakeGateway{}, nil)
	before := testutil.ToFloat64(metrics.ListenerFailures.WithLabelValues(string(domain.ChannelMessage)))

	f.bus.Publish(domain.ChannelMessage, domain.EventNewMessage, json.RawMessage(`{"id":`))

	after := testutil.ToFloat64(metrics.ListenerFailures.WithLabelValues(string(domain.ChannelMessage)))
	if after != before+1 {
		t.Errorf("listener failures %v -> %v", before, after)
	}
}

func TestMarkAsRead_UpdatesTimelineAndArchive(t *testing.T) {
	archive := openArchive(t)
	f, _ := newTestFacade(t, &fakeGateway{}, archive)

	m := domain.Message{ID: "m1", ConversationKey: testKey, SenderID: "s1", CreatedAt: time.Now().UTC()}
	raw, _ := json.Marshal(m)
	f.bus.Publish(domain.ChannelMessage, domain.EventNewMessage, json.RawMessage(raw))

	if err := f.MarkAsRead(context.Background(), "m1"); err != nil {
		t.Fatal(err)
	}
	if msgs := f.Messages(testKey); !msgs[0].IsRead {
		t.Fatal("timeline copy not read")
	}
	got, err := archive.ConversationMessages(context.Background(), testKey, 10)
	if err != nil || len(got) != 1 || !got[0].IsRead {
		t.Fatalf("archived = %+v err=%v", got, err)
	}
}

// --- Typing ---

func TestTyping_DebouncedStop(t *testing.T) {
	f, conn := newTestFacade(t, &fakeGateway{}, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := f.StartTyping(ctx, testKey); err != nil {
			t.Fatal(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := conn.events(); len(got) != 1 || got[0] != domain.EventTypingStart {
		t.Fatalf("events = %v", got)
	}

	waitFor(t, func() bool { return !f.IsTyping(testKey) })
	waitFor(t, func() bool { return len(conn.events()) == 2 })
	got := conn.events()
	if got[1] != domain.EventTypingStop {
		t.Fatalf("events = %v", got)
	}
	conn.mu.Lock()
	n := conn.emits[1].notice
	conn.mu.Unlock()
	if n.ConversationID != testKey || n.UserID != "g1" {
		t.Errorf("notice = %+v", n)
	}
}

func TestTyping_StopEarlyIsIdempotent(t *testing.T) {
	f, conn := newTestFacade(t, &fakeGateway{}, nil)
	ctx := context.Background()

	if err := f.StopTyping(ctx, testKey); err != nil {
		t.Fatal(err)
	}
	if len(conn.events()) != 0 {
		t.Fatalf("stop without start emitted %v", conn.events())
	}

	_ = f.StartTyping(ctx, testKey)
	_ = f.StopTyping(ctx, testKey)
	_ = f.StopTyping(ctx, testKey)
	time.Sleep(80 * time.Millisecond)

	got := conn.events()
	if len(got) != 2 || got[0] != domain.EventTypingStart || got[1] != domain.EventTypingStop {
		t.Fatalf("events = %v", got)
	}
}

func TestTyping_RequiresKey(t *testing.T) {
	f, _ := newTestFacade(t, &fakeGateway{}, nil)
	if err := f.StartTyping(context.Background(), ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v", err)
	}
}

// --- Templates ---

func TestTemplates_MergesLocalPack(t *testing.T) {
	gw := &fakeGateway{tpls: gateway.Result[[]domain.MessageTemplate]{Success: true, Data: []domain.MessageTemplate{
		{ID: "absence", Template: "remote"},
	}}}
	conn := &fakeConnection{}
	f, err := New(Options{
		Self: self, Gateway: gw, Connection: conn, Logger: testLogger(),
		LocalTemplates: []domain.MessageTemplate{{ID: "absence", Template: "local"}, {ID: "trip", Template: "Trip on {date}"}},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := f.Templates(context.Background())
	if !res.Success || len(res.Data) != 2 || res.Data[0].Template != "remote" || res.Data[1].ID != "trip" {
		t.Fatalf("templates = %+v", res)
	}

	gw.tpls = gateway.Result[[]domain.MessageTemplate]{Err: &domain.RequestError{Op: "templates", Status: 502}}
	res = f.Templates(context.Background())
	if !res.Success || len(res.Data) != 2 || res.Data[0].Template != "local" {
		t.Fatalf("fallback = %+v", res)
	}

	if got := f.RenderTemplate(res.Data[1].Template, map[string]string{"date": "May 3"}); got != "Trip on May 3" {
		t.Errorf("render = %q", got)
	}
}
