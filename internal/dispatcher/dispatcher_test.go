package dispatcher

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tg-selfbot-go/internal/config"
	"github.com/tg-selfbot-go/internal/i18n"
	"github.com/tg-selfbot-go/internal/middleware"
	"github.com/tg-selfbot-go/internal/models"
	cfgstore "github.com/tg-selfbot-go/internal/services/config"
	"github.com/tg-selfbot-go/internal/services/fastresponse"
	"github.com/tg-selfbot-go/internal/services/guard"
	"github.com/tg-selfbot-go/internal/services/patterns"
	"github.com/tg-selfbot-go/internal/services/storage"
	"github.com/tg-selfbot-go/internal/transport/transporttest"
)

const (
	ownerID = int64(1)
	otherID = int64(2)
	chatID  = int64(500)
)

const testPatterns = `
en:
  misc:
    ping: "^/ping$"
    fail: "^/fail$"
    panic: "^/panic$"
    slow: "^/slow$"
    orphan: "^/orphan$"
  settings:
    echo: "^/echo (.+)$"
`

type recordingConsumer struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (c *recordingConsumer) Consume(ctx context.Context, msg *models.InboundMessage, snapshot *models.ConfigurationRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, msg.Text)
	return c.err
}

func (c *recordingConsumer) texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.seen...)
}

type fixture struct {
	store      *cfgstore.Store
	recorder   *transporttest.Recorder
	localizer  *i18n.Localizer
	dispatcher *Dispatcher
	engine     *recordingConsumer
	guard      *recordingConsumer
	logger     *logrus.Logger
}

func newFixture(t *testing.T, timeout time.Duration) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := cfgstore.NewStore(storage.NewMemoryStorage(), "test", logger)
	if _, err := store.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(store.Close)

	registry, err := patterns.Parse([]byte(testPatterns), "en", logger)
	if err != nil {
		t.Fatal(err)
	}

	localizer, err := i18n.NewLocalizer(&config.I18nConfig{
		DefaultLanguage: "en",
		Languages:       []string{"en", "fa"},
		Directory:       "../../configs/i18n",
	})
	if err != nil {
		t.Fatal(err)
	}

	rec := transporttest.NewRecorder()
	d := NewDispatcher(
		&config.AgentConfig{OwnerID: ownerID, HandlerTimeout: timeout},
		store, registry, rec, localizer, middleware.NewMetrics(), logger,
	)

	f := &fixture{
		store:      store,
		recorder:   rec,
		localizer:  localizer,
		dispatcher: d,
		engine:     &recordingConsumer{},
		guard:      &recordingConsumer{},
		logger:     logger,
	}
	d.AddConsumer(f.engine)
	d.AddConsumer(f.guard)
	return f
}

func text(sender int64, body string) *models.InboundMessage {
	return &models.InboundMessage{MessageID: 9, SenderID: sender, ChatID: chatID, Text: body, Timestamp: time.Now()}
}

func TestDispatch_PingCommand(t *testing.T) {
	f := newFixture(t, time.Second)

	var calls int
	var got *Request
	f.dispatcher.Register("misc", "ping", func(ctx context.Context, req *Request) error {
		calls++
		got = req
		return nil
	})

	out := f.dispatcher.Dispatch(context.Background(), text(otherID, "/ping"))

	if out.Kind != KindCommand || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Match.Section != "misc" || out.Match.Key != "ping" || len(out.Match.Captures) != 0 {
		t.Errorf("match = %+v", out.Match)
	}
	if calls != 1 {
		t.Errorf("handler called %d times", calls)
	}
	if got.IsOwner || got.Language != "en" || got.Snapshot == nil {
		t.Errorf("request = %+v", got)
	}
	if len(f.engine.texts()) != 0 || len(f.guard.texts()) != 0 {
		t.Error("free-text consumers observed a command")
	}
}

// A message that classifies as a command never reaches a free-text consumer.
func TestDispatch_CommandsAndFreeTextAreExclusive(t *testing.T) {
	f := newFixture(t, time.Second)
	f.dispatcher.Register("misc", "ping", func(context.Context, *Request) error { return nil })
	f.dispatcher.Register("settings", "echo", func(context.Context, *Request) error { return nil })

	inputs := []struct {
		body    string
		command bool
	}{
		{"/ping", true},
		{"  /PING  ", true},
		{"/echo hi there", true},
		{"/orphan", true},
		{"hello", false},
		{"/pingpong", false},
		{"ping", false},
		{"", false},
	}

	var free []string
	for _, in := range inputs {
		out := f.dispatcher.Dispatch(context.Background(), text(otherID, in.body))
		if (out.Kind == KindCommand) != in.command {
			t.Errorf("%q classified as %s", in.body, out.Kind)
		}
		if !in.command {
			free = append(free, in.body)
		}
	}

	for name, c := range map[string]*recordingConsumer{"engine": f.engine, "guard": f.guard} {
		seen := c.texts()
		if len(seen) != len(free) {
			t.Fatalf("%s saw %v, want %v", name, seen, free)
		}
		for i := range seen {
			if seen[i] != free[i] {
				t.Errorf("%s saw %q at %d, want %q", name, seen[i], i, free[i])
			}
		}
	}
}

func TestDispatch_Captures(t *testing.T) {
	f := newFixture(t, time.Second)
	var captured string
	f.dispatcher.Register("settings", "echo", func(ctx context.Context, req *Request) error {
		captured = req.Match.Capture(0)
		return nil
	})

	f.dispatcher.Dispatch(context.Background(), text(ownerID, "/echo some words"))
	if captured != "some words" {
		t.Errorf("capture = %q", captured)
	}
}

func TestDispatch_HandlerFailureNotifiesSender(t *testing.T) {
	f := newFixture(t, time.Second)
	boom := errors.New("boom")
	f.dispatcher.Register("misc", "fail", func(context.Context, *Request) error { return boom })
	f.dispatcher.Register("misc", "panic", func(context.Context, *Request) error { panic("kaboom") })
	f.dispatcher.Register("misc", "ping", func(context.Context, *Request) error { return nil })

	out := f.dispatcher.Dispatch(context.Background(), text(otherID, "/fail"))
	if !errors.Is(out.Err, boom) {
		t.Errorf("err = %v", out.Err)
	}

	out = f.dispatcher.Dispatch(context.Background(), text(otherID, "/panic"))
	if !errors.Is(out.Err, ErrHandlerPanic) {
		t.Errorf("panic err = %v", out.Err)
	}

	notice := f.localizer.Get("en", i18n.MsgError, nil)
	sends := f.recorder.CallsOf(transporttest.OpSend)
	if len(sends) != 2 {
		t.Fatalf("sends = %+v", sends)
	}
	for _, s := range sends {
		if s.Text != notice || s.ChatID != chatID || s.Opts.ReplyTo != 9 {
			t.Errorf("failure notice = %+v", s)
		}
	}

	// Processing continues normally afterwards
	if out := f.dispatcher.Dispatch(context.Background(), text(otherID, "/ping")); out.Err != nil {
		t.Errorf("later command failed: %v", out.Err)
	}
}

func TestDispatch_UnboundCommandIsDropped(t *testing.T) {
	f := newFixture(t, time.Second)

	out := f.dispatcher.Dispatch(context.Background(), text(otherID, "/orphan"))
	if out.Kind != KindCommand || out.Err != nil {
		t.Errorf("outcome = %+v", out)
	}
	if len(f.recorder.Calls()) != 0 || len(f.engine.texts()) != 0 {
		t.Error("unbound command must not produce side effects")
	}
	if f.dispatcher.Bound("misc", "orphan") {
		t.Error("orphan should not be bound")
	}
}

func TestDispatch_ConsumerErrorDoesNotSuppressOther(t *testing.T) {
	f := newFixture(t, time.Second)
	f.engine.err = errors.New("engine down")

	out := f.dispatcher.Dispatch(context.Background(), text(otherID, "hello"))
	if out.Kind != KindFreeText || out.Err == nil {
		t.Errorf("outcome = %+v", out)
	}
	if len(f.guard.texts()) != 1 {
		t.Error("guard must still see the message")
	}
}

func TestDispatch_RecordsOwnerPresence(t *testing.T) {
	f := newFixture(t, time.Second)

	f.dispatcher.Dispatch(context.Background(), text(otherID, "hello"))
	if _, ok := f.store.Read().OwnerLastSeen[chatID]; ok {
		t.Fatal("presence recorded for a non-owner")
	}

	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	msg := text(otherID, "outgoing note")
	msg.IsOutgoing = true
	msg.Timestamp = at
	f.dispatcher.Dispatch(context.Background(), msg)

	if seen := f.store.Read().OwnerLastSeen[chatID]; !seen.Equal(at) {
		t.Errorf("owner last seen = %v, want %v", seen, at)
	}
}

func TestSubmit_TimeoutAndWait(t *testing.T) {
	f := newFixture(t, 50*time.Millisecond)

	var finished atomic.Int32
	f.dispatcher.Register("misc", "slow", func(ctx context.Context, req *Request) error {
		<-ctx.Done()
		finished.Add(1)
		return ctx.Err()
	})

	for i := 0; i < 5; i++ {
		f.dispatcher.Submit(context.Background(), text(otherID, "/slow"))
	}
	f.dispatcher.Submit(context.Background(), text(otherID, "plain"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.dispatcher.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if finished.Load() != 5 {
		t.Errorf("finished = %d, want 5", finished.Load())
	}
	if len(f.engine.texts()) != 1 {
		t.Errorf("engine saw %v", f.engine.texts())
	}
}

// End to end: a trigger configured through the store is answered by the real engine.
func TestDispatch_FreeTextReachesEngineAndGuard(t *testing.T) {
	f := newFixture(t, time.Second)
	ctx := context.Background()

	rec := transporttest.NewRecorder()
	d := NewDispatcher(&config.AgentConfig{OwnerID: ownerID, HandlerTimeout: time.Second},
		f.store, mustRegistry(t, f.logger), rec, f.localizer, middleware.NewMetrics(), f.logger)
	d.AddConsumer(fastresponse.NewEngine(ownerID, rec, middleware.NewMetrics(), f.logger))
	d.AddConsumer(guard.NewGuard(ownerID, f.store, rec, f.localizer, middleware.NewMetrics(), f.logger))

	if _, err := f.store.Mutate(ctx, func(r *models.ConfigurationRecord) error {
		r.FeatureToggles[models.ToggleFastResponse] = models.GlobalToggle(true)
		r.FeatureToggles[models.ToggleAbuseGuard] = models.GlobalToggle(true)
		r.Triggers = r.Triggers.Put(models.Trigger{Word: "hi", Scope: models.ScopeNormal, Payload: []string{"hello!"}})
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	out := d.Dispatch(ctx, text(otherID, "hi"))
	if out.Kind != KindFreeText || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}

	sends := rec.CallsOf(transporttest.OpSend)
	if len(sends) != 1 || sends[0].Text != "hello!" || sends[0].ChatID != chatID {
		t.Errorf("sends = %+v", sends)
	}
	if c := f.store.Read().AbuseCounters[otherID]; c == nil || c.MessageCount != 1 {
		t.Errorf("guard counter = %+v", c)
	}

	// The same word as a command never reaches either consumer
	d.Register("misc", "ping", func(context.Context, *Request) error { return nil })
	d.Dispatch(ctx, text(otherID, "/ping"))
	if c := f.store.Read().AbuseCounters[otherID]; c.MessageCount != 1 {
		t.Errorf("command was counted by the guard: %+v", c)
	}
}

func mustRegistry(t *testing.T, logger *logrus.Logger) *patterns.Registry {
	t.Helper()
	r, err := patterns.Parse([]byte(testPatterns), "en", logger)
	if err != nil {
		t.Fatal(err)
	}
	return r
}
