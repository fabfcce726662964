package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentarena/arena/bridge/internal/gateway"
	"github.com/agentarena/arena/bridge/internal/packages"
	"github.com/agentarena/arena/bridge/internal/store"
	"github.com/agentarena/arena/pkg/protocol"
)

// fakeLink records requests and lets tests push events at subscribers.
type fakeLink struct {
	mu       sync.Mutex
	ready    bool
	requests []fakeRequest
	reply    func(method string, params any) (json.RawMessage, error)
	handlers map[string]map[int]gateway.Handler
	nextID   int
}

type fakeRequest struct {
	Method string
	Params any
}

func newFakeLink() *fakeLink {
	return &fakeLink{ready: true, handlers: make(map[string]map[int]gateway.Handler)}
}

func (f *fakeLink) Request(_ context.Context, method string, params any, _ time.Duration) (json.RawMessage, error) {
	f.mu.Lock()
	ready := f.ready
	reply := f.reply
	if ready {
		f.requests = append(f.requests, fakeRequest{Method: method, Params: params})
	}
	f.mu.Unlock()

	if !ready {
		return nil, gateway.ErrNotReady
	}
	if reply != nil {
		return reply(method, params)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeLink) Subscribe(event string, fn gateway.Handler) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := f.nextID
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[int]gateway.Handler)
	}
	f.handlers[event][id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.handlers[event], id)
	}
}

func (f *fakeLink) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeLink) setReady(ready bool) {
	f.mu.Lock()
	f.ready = ready
	f.mu.Unlock()
}

func (f *fakeLink) emit(event string, payload any) {
	raw, _ := json.Marshal(payload)
	f.mu.Lock()
	var fns []gateway.Handler
	for _, fn := range f.handlers[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(event, raw)
	}
}

func (f *fakeLink) subscriberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeLink) sent() []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeRequest(nil), f.requests...)
}

// fakePackages serves bundles from memory.
type fakePackages map[string]*packages.Bundle

func (p fakePackages) Lookup(name string) (*packages.Bundle, error) {
	b, ok := p[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", packages.ErrNotFound, name)
	}
	return b, nil
}

func (p fakePackages) List() ([]packages.Manifest, error) {
	var out []packages.Manifest
	for _, b := range p {
		out = append(out, b.Manifest)
	}
	return out, nil
}

var testPackages = fakePackages{
	"coach-agent": {
		Manifest:  packages.Manifest{Name: "coach-agent", AgentID: "coach", DisplayName: "Coach"},
		Soul:      "You are a coach.",
		Bootstrap: "Say hi.",
	},
	"Research_Bot": {
		Manifest: packages.Manifest{Name: "Research_Bot"},
		Soul:     "You research.",
	},
}

// frameRecorder collects frames sent to the client.
type frameRecorder struct {
	mu     sync.Mutex
	frames []any
}

func (r *frameRecorder) send(frame any) {
	r.mu.Lock()
	r.frames = append(r.frames, frame)
	r.mu.Unlock()
}

func (r *frameRecorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.frames...)
}

func (r *frameRecorder) last() any {
	all := r.all()
	if len(all) == 0 {
		return nil
	}
	return all[len(all)-1]
}

func newTestSession(link *fakeLink, rec *frameRecorder, clientID string) *Session {
	s := NewSession(SessionOptions{
		Link:     link,
		Packages: testPackages,
		Send:     rec.send,
	})
	if clientID != "" {
		s.Identify(clientID)
	}
	return s
}

func TestOpenSession_KeyAndBootMessage(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")

	if err := s.OpenSession(context.Background(), "coach-agent"); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	const want = "agent:coach:arena:coach-agent-abc1"
	reqs := link.sent()
	if len(reqs) != 1 || reqs[0].Method != protocol.MethodChatSend {
		t.Fatalf("requests = %+v", reqs)
	}
	params := reqs[0].Params.(protocol.ChatSendParams)
	if params.SessionKey != want {
		t.Errorf("sessionKey = %q, want %q", params.SessionKey, want)
	}
	if !strings.Contains(params.Message, "You are a coach.") || !strings.Contains(params.Message, "FIRST BOOT INSTRUCTIONS") {
		t.Errorf("boot message = %q", params.Message)
	}
	if params.IdempotencyKey == "" {
		t.Error("missing idempotency key")
	}

	ok, isOK := rec.last().(protocol.HatchOKFrame)
	if !isOK || ok.SessionKey != want || ok.AgentPkg != "coach-agent" {
		t.Errorf("last frame = %#v", rec.last())
	}
	if key, _ := s.SessionKeyFor("coach-agent"); key != want {
		t.Errorf("tracked key = %q", key)
	}
	if n := link.subscriberCount(); n != 2 {
		t.Errorf("subscribers = %d, want 2", n)
	}
}

func TestOpenSession_NormalizesAgentID(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(link, &frameRecorder{}, "c1")
	if err := s.OpenSession(context.Background(), "Research_Bot"); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	key, _ := s.SessionKeyFor("Research_Bot")
	if key != "agent:research-bot:arena:Research_Bot-c1" {
		t.Errorf("key = %q", key)
	}
}

func TestOpenSession_PackageNotFound(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	var audited []store.AuditEvent
	s := NewSession(SessionOptions{
		Link:     link,
		Packages: testPackages,
		Send:     rec.send,
		Audit:    func(e store.AuditEvent) { audited = append(audited, e) },
	})

	err := s.OpenSession(context.Background(), "ghost")
	if !errors.Is(err, packages.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(link.sent()) != 0 {
		t.Error("gateway was called for a missing package")
	}
	if link.subscriberCount() != 0 {
		t.Error("subscriptions created for a missing package")
	}
	if f, ok := rec.last().(protocol.ErrorFrame); !ok || f.Error != "hatch failed: package not found" {
		t.Errorf("frame = %#v", rec.last())
	}
	if len(audited) != 1 || audited[0].Action != store.ActionSessionHatchFail {
		t.Errorf("audit = %+v", audited)
	}
}

func TestOpenSession_FailureReleasesSubscriptions(t *testing.T) {
	link := newFakeLink()
	link.setReady(false)
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")

	err := s.OpenSession(context.Background(), "coach-agent")
	if !errors.Is(err, gateway.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if n := link.subscriberCount(); n != 0 {
		t.Errorf("subscribers after failed hatch = %d, want 0", n)
	}
	if _, ok := s.SessionKeyFor("coach-agent"); ok {
		t.Error("failed hatch should not track a session")
	}
	if f, ok := rec.last().(protocol.ErrorFrame); !ok || !strings.HasPrefix(f.Error, "hatch failed: ") {
		t.Errorf("frame = %#v", rec.last())
	}
}

func TestOpenSession_FailedRehatchKeepsExisting(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(link, &frameRecorder{}, "abc1")
	if err := s.OpenSession(context.Background(), "coach-agent"); err != nil {
		t.Fatal(err)
	}

	link.reply = func(string, any) (json.RawMessage, error) { return nil, gateway.ErrTimeout }
	if err := s.OpenSession(context.Background(), "coach-agent"); err == nil {
		t.Fatal("expected error")
	}
	if n := link.subscriberCount(); n != 2 {
		t.Errorf("subscribers = %d, want 2", n)
	}
	if _, ok := s.SessionKeyFor("coach-agent"); !ok {
		t.Error("existing session lost after failed re-hatch")
	}
}

func TestChatEvents_Translation(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")
	if err := s.OpenSession(context.Background(), "coach-agent"); err != nil {
		t.Fatal(err)
	}
	key, _ := s.SessionKeyFor("coach-agent")
	before := len(rec.all())

	link.emit(protocol.EventChat, protocol.ChatEvent{RunID: "r1", SessionKey: key, State: "delta", Message: json.RawMessage(`"Hel"`)})
	link.emit(protocol.EventChat, protocol.ChatEvent{RunID: "r1", SessionKey: key, State: "final", Message: json.RawMessage(`"Hello"`)})
	link.emit(protocol.EventChat, protocol.ChatEvent{RunID: "r2", SessionKey: key, State: "aborted"})
	link.emit(protocol.EventChat, protocol.ChatEvent{RunID: "r3", SessionKey: key, State: "error", ErrorMessage: "boom"})
	link.emit(protocol.EventChat, protocol.ChatEvent{RunID: "r4", SessionKey: key, State: "thinking"})
	link.emit(protocol.EventAgent, map[string]any{"sessionKey": key, "stream": "tool", "data": map[string]string{"name": "search"}})

	frames := rec.all()[before:]
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5: %#v", len(frames), frames)
	}
	wantTypes := []string{protocol.TypeChatDelta, protocol.TypeChatFinal, protocol.TypeChatFinal}
	for i, want := range wantTypes {
		f, ok := frames[i].(protocol.ChatFrame)
		if !ok || f.Type != want || f.SessionKey != key || f.AgentPkg != "coach-agent" {
			t.Errorf("frame %d = %#v, want %s", i, frames[i], want)
		}
	}
	if f := frames[0].(protocol.ChatFrame); string(f.Message) != `"Hel"` || f.RunID != "r1" {
		t.Errorf("delta = %#v", f)
	}
	if f, ok := frames[3].(protocol.ErrorFrame); !ok || f.Error != "agent run failed: boom" {
		t.Errorf("error frame = %#v", frames[3])
	}
	ae, ok := frames[4].(protocol.AgentEventFrame)
	if !ok || !strings.Contains(string(ae.Payload), `"stream":"tool"`) {
		t.Errorf("agent frame = %#v", frames[4])
	}
}

func TestChatEvents_ExactKeyMatchOnly(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")
	if err := s.OpenSession(context.Background(), "coach-agent"); err != nil {
		t.Fatal(err)
	}
	key, _ := s.SessionKeyFor("coach-agent")
	before := len(rec.all())

	for _, other := range []string{key + "2", key[:len(key)-1], strings.ToUpper(key), "", "agent:coach:arena"} {
		link.emit(protocol.EventChat, protocol.ChatEvent{SessionKey: other, State: "final"})
		link.emit(protocol.EventAgent, map[string]string{"sessionKey": other})
	}
	link.emit(protocol.EventChat, json.RawMessage(`not json`))

	if n := len(rec.all()) - before; n != 0 {
		t.Errorf("%d foreign events leaked to the client", n)
	}
}

func TestTwoClients_Isolated(t *testing.T) {
	link := newFakeLink()
	recA, recB := &frameRecorder{}, &frameRecorder{}
	a := newTestSession(link, recA, "clientA")
	b := newTestSession(link, recB, "clientB")
	ctx := context.Background()
	if err := a.OpenSession(ctx, "coach-agent"); err != nil {
		t.Fatal(err)
	}
	if err := b.OpenSession(ctx, "coach-agent"); err != nil {
		t.Fatal(err)
	}

	keyA, _ := a.SessionKeyFor("coach-agent")
	keyB, _ := b.SessionKeyFor("coach-agent")
	if keyA == keyB {
		t.Fatalf("both clients got key %q", keyA)
	}

	beforeA, beforeB := len(recA.all()), len(recB.all())
	link.emit(protocol.EventChat, protocol.ChatEvent{RunID: "r", SessionKey: keyA, State: "final", Message: json.RawMessage(`"for A"`)})

	if len(recA.all()) != beforeA+1 {
		t.Error("client A did not receive its event")
	}
	if len(recB.all()) != beforeB {
		t.Error("client B received client A's event")
	}
}

func TestTeardown_ReleasesEverything(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")
	ctx := context.Background()
	if err := s.OpenSession(ctx, "coach-agent"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendMessage(ctx, "Research_Bot", "hi", ""); err != nil {
		t.Fatal(err)
	}
	key, _ := s.SessionKeyFor("coach-agent")
	if n := link.subscriberCount(); n != 4 {
		t.Fatalf("subscribers = %d, want 4", n)
	}

	s.Teardown()
	s.Teardown()

	if n := link.subscriberCount(); n != 0 {
		t.Errorf("subscribers after teardown = %d, want 0", n)
	}
	before := len(rec.all())
	link.emit(protocol.EventChat, protocol.ChatEvent{SessionKey: key, State: "final"})
	if len(rec.all()) != before {
		t.Error("event delivered after teardown")
	}

	// A torn-down session never resubscribes.
	_ = s.SendMessage(ctx, "coach-agent", "late", "")
	if n := link.subscriberCount(); n != 0 {
		t.Errorf("subscribers after late send = %d, want 0", n)
	}
}

func TestSendMessage_TrackedAndLazy(t *testing.T) {
	link := newFakeLink()
	s := newTestSession(link, &frameRecorder{}, "abc1")
	ctx := context.Background()

	// No hatch: the key is synthesized and subscriptions created lazily.
	if err := s.SendMessage(ctx, "coach-agent", "hello", ""); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	reqs := link.sent()
	p := reqs[len(reqs)-1].Params.(protocol.ChatSendParams)
	if p.SessionKey != "agent:coach:arena:coach-agent-abc1" || p.Message != "hello" {
		t.Errorf("params = %+v", p)
	}
	if link.subscriberCount() != 2 {
		t.Errorf("subscribers = %d, want 2", link.subscriberCount())
	}

	// Second send reuses the key and subscriptions, with a fresh idempotency key.
	if err := s.SendMessage(ctx, "coach-agent", "again", ""); err != nil {
		t.Fatal(err)
	}
	reqs = link.sent()
	p2 := reqs[len(reqs)-1].Params.(protocol.ChatSendParams)
	if p2.SessionKey != p.SessionKey || p2.IdempotencyKey == p.IdempotencyKey {
		t.Errorf("second send = %+v", p2)
	}
	if link.subscriberCount() != 2 {
		t.Errorf("subscribers = %d, want 2", link.subscriberCount())
	}
}

func TestSendMessage_SuppliedKey(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")
	ctx := context.Background()

	owned := "agent:coach-v1:arena:coach-agent-abc1"
	if err := s.SendMessage(ctx, "coach-agent", "resume", owned); err != nil {
		t.Fatalf("owned key rejected: %v", err)
	}
	if key, _ := s.SessionKeyFor("coach-agent"); key != owned {
		t.Errorf("tracked key = %q, want %q", key, owned)
	}

	s2 := newTestSession(link, rec, "abc2")
	err := s2.SendMessage(ctx, "coach-agent", "steal", owned)
	if !errors.Is(err, ErrKeyNotOwned) {
		t.Fatalf("err = %v, want ErrKeyNotOwned", err)
	}
	if f, ok := rec.last().(protocol.ErrorFrame); !ok || f.Error != "send failed: session key not owned by this client" {
		t.Errorf("frame = %#v", rec.last())
	}
}

func TestSendMessage_FailureKeepsPriorSessions(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "abc1")
	ctx := context.Background()
	if err := s.OpenSession(ctx, "coach-agent"); err != nil {
		t.Fatal(err)
	}

	link.reply = func(string, any) (json.RawMessage, error) { return nil, gateway.ErrLinkLost }
	if err := s.SendMessage(ctx, "coach-agent", "hi", ""); !errors.Is(err, gateway.ErrLinkLost) {
		t.Fatalf("err = %v, want ErrLinkLost", err)
	}
	if err := s.SendMessage(ctx, "Research_Bot", "hi", ""); err == nil {
		t.Fatal("expected error")
	}
	if f, ok := rec.last().(protocol.ErrorFrame); !ok || f.Error != "send failed: gateway link lost" {
		t.Errorf("frame = %#v", rec.last())
	}
	if n := link.subscriberCount(); n != 2 {
		t.Errorf("subscribers = %d, want 2 (coach-agent only)", n)
	}
	if _, ok := s.SessionKeyFor("coach-agent"); !ok {
		t.Error("prior session dropped")
	}
}

func TestFetchHistory(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := NewSession(SessionOptions{Link: link, Packages: testPackages, Send: rec.send, HistoryLimit: 50, MaxHistoryLimit: 200})
	s.Identify("abc1")
	ctx := context.Background()

	// Unknown session: empty history, no gateway call.
	if err := s.FetchHistory(ctx, "coach-agent", "", 0); err != nil {
		t.Fatal(err)
	}
	if len(link.sent()) != 0 {
		t.Error("history without a session hit the gateway")
	}
	if f, ok := rec.last().(protocol.HistoryFrame); !ok || string(f.Messages) != "[]" {
		t.Errorf("frame = %#v", rec.last())
	}

	if err := s.OpenSession(ctx, "coach-agent"); err != nil {
		t.Fatal(err)
	}
	link.reply = func(method string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"sessionKey":"x","messages":[{"role":"assistant","content":"hi"}]}`), nil
	}

	for _, tc := range []struct{ limit, want int }{{0, 50}, {10, 10}, {1000, 200}} {
		if err := s.FetchHistory(ctx, "coach-agent", "", tc.limit); err != nil {
			t.Fatal(err)
		}
		reqs := link.sent()
		p := reqs[len(reqs)-1].Params.(protocol.ChatHistoryParams)
		if p.Limit != tc.want {
			t.Errorf("limit %d sent as %d, want %d", tc.limit, p.Limit, tc.want)
		}
	}
	f, ok := rec.last().(protocol.HistoryFrame)
	if !ok || string(f.Messages) != `[{"role":"assistant","content":"hi"}]` {
		t.Errorf("history frame = %#v", rec.last())
	}

	link.reply = func(string, any) (json.RawMessage, error) { return nil, gateway.ErrTimeout }
	_ = s.FetchHistory(ctx, "coach-agent", "", 0)
	if f, ok := rec.last().(protocol.ErrorFrame); !ok || f.Error != "history failed: gateway request timed out" {
		t.Errorf("frame = %#v", rec.last())
	}
}

func TestHistoryMessages(t *testing.T) {
	for in, want := range map[string]string{
		`{"messages":[1,2]}`: `[1,2]`,
		`[1,2]`:              `[1,2]`,
		`{"items":[]}`:       `{"items":[]}`,
		``:                   `[]`,
	} {
		if got := string(historyMessages(json.RawMessage(in))); got != want {
			t.Errorf("historyMessages(%s) = %s, want %s", in, got, want)
		}
	}
}

func TestHandle_DispatchAndDrop(t *testing.T) {
	link := newFakeLink()
	rec := &frameRecorder{}
	s := newTestSession(link, rec, "")
	ctx := context.Background()

	s.Handle(ctx, []byte(`{"type":"identify","clientId":"fromBrowser"}`))
	if s.ClientID() != "fromBrowser" {
		t.Errorf("clientID = %q", s.ClientID())
	}
	s.Handle(ctx, []byte(`{"type":"identify","clientId":"bad id!"}`))
	if s.ClientID() != "fromBrowser" {
		t.Errorf("malformed id adopted: %q", s.ClientID())
	}
	if f, ok := rec.last().(protocol.ErrorFrame); !ok || !strings.HasPrefix(f.Error, "identify failed: ") {
		t.Errorf("malformed id frame = %#v", rec.last())
	}

	s.Handle(ctx, []byte(`{"type":"hatch","agentPkg":"coach-agent"}`))
	if _, ok := rec.last().(protocol.HatchOKFrame); !ok {
		t.Errorf("hatch frame = %#v", rec.last())
	}

	n := len(rec.all())
	s.Handle(ctx, []byte(`{garbage`))
	s.Handle(ctx, []byte(`{"type":"launch"}`))
	if len(rec.all()) != n {
		t.Error("invalid frames produced output")
	}
}

func TestKeys(t *testing.T) {
	if id := NewClientID(); len(id) != 16 || !ValidClientID(id) {
		t.Errorf("NewClientID = %q", id)
	}
	if NewClientID() == NewClientID() {
		t.Error("client ids repeat")
	}
	for id, want := range map[string]bool{
		"abc1": true, "A_b": true, "a-b": true, "3f2b1c4e-9a7d-4e21-8c5b-0a1d2e3f4a5b": true,
		"": false, "a b": false, "a.b": false, strings.Repeat("x", 65): false,
	} {
		if ValidClientID(id) != want {
			t.Errorf("ValidClientID(%q) = %v", id, !want)
		}
	}
	if got := NormalizeAgentID("My  Agent!!v2"); got != "my-agent-v2" {
		t.Errorf("NormalizeAgentID = %q", got)
	}
	if !OwnsKey("agent:x:arena:coach-agent-abc1", "coach-agent", "abc1") {
		t.Error("own key rejected")
	}
	if OwnsKey("agent:x:arena:coach-agent-abc1", "coach", "agent_abc1") || OwnsKey("session:coach-agent-abc1", "coach-agent", "abc1") {
		t.Error("foreign key accepted")
	}

	// Dashed client ids must not let package and client boundaries shift.
	a := SessionKey("x", "arena", "coach", "agent-abc1")
	b := SessionKey("x", "arena", "coach-agent", "abc1")
	if a == b {
		t.Errorf("keys collide: %q", a)
	}
	if a != "agent:x:arena:coach-agent.abc1" {
		t.Errorf("dashed key = %q", a)
	}
	if OwnsKey(a, "coach-agent", "abc1") || OwnsKey(b, "coach", "agent-abc1") {
		t.Error("key owned across a shifted boundary")
	}
	if !OwnsKey(a, "coach", "agent-abc1") {
		t.Error("dashed own key rejected")
	}
}

func TestIdentify_UUIDResumesAfterReconnect(t *testing.T) {
	const uuidID = "3f2b1c4e-9a7d-4e21-8c5b-0a1d2e3f4a5b"
	link := newFakeLink()
	rec := &frameRecorder{}
	ctx := context.Background()

	first := newTestSession(link, rec, "")
	if got := first.Identify(uuidID); got != uuidID {
		t.Fatalf("Identify = %q, want %q", got, uuidID)
	}
	if n := len(rec.all()); n != 0 {
		t.Errorf("identify sent %d frames", n)
	}
	if err := first.OpenSession(ctx, "coach-agent"); err != nil {
		t.Fatal(err)
	}
	key, _ := first.SessionKeyFor("coach-agent")
	if key != "agent:coach:arena:coach-agent-3f2b1c4e.9a7d.4e21.8c5b.0a1d2e3f4a5b" {
		t.Errorf("key = %q", key)
	}
	first.Teardown()

	// Same browser after a reconnect: new router, same id, old key.
	second := newTestSession(link, rec, uuidID)
	if err := second.SendMessage(ctx, "coach-agent", "back again", key); err != nil {
		t.Fatalf("resume with earlier key: %v", err)
	}
	reqs := link.sent()
	if p := reqs[len(reqs)-1].Params.(protocol.ChatSendParams); p.SessionKey != key {
		t.Errorf("resumed send used %q, want %q", p.SessionKey, key)
	}

	other := newTestSession(link, rec, "3f2b1c4e-9a7d-4e21-8c5b-ffffffffffff")
	if err := other.SendMessage(ctx, "coach-agent", "steal", key); !errors.Is(err, ErrKeyNotOwned) {
		t.Errorf("other uuid err = %v, want ErrKeyNotOwned", err)
	}
}
