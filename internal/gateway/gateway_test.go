package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/EgorLis/Koabot/internal/ratelimit"
)

// fakeGateway — сервер-заглушка: hello/identify/resume/heartbeat +
// эхо-ответы на запросы.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	hbIntervalMS int
	authFail     bool
	rejectResume bool
	sendAcks     bool

	respond func(requestData) responseData

	identifies chan identifyData
	resumes    chan resumeData

	mu   sync.Mutex
	conn *websocket.Conn
}

func newFakeGateway(t *testing.T) *fakeGateway {
	fg := &fakeGateway{
		t:            t,
		hbIntervalMS: 250,
		sendAcks:     true,
		identifies:   make(chan identifyData, 64),
		resumes:      make(chan resumeData, 64),
	}
	fg.srv = httptest.NewServer(http.HandlerFunc(fg.handle))
	t.Cleanup(fg.srv.Close)
	return fg
}

func (fg *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(fg.srv.URL, "http")
}

func (fg *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	fg.write(conn, Frame{Op: opHello, D: mustJSON(helloData{HeartbeatInterval: fg.hbIntervalMS})})

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		switch f.Op {
		case opIdentify:
			var id identifyData
			_ = json.Unmarshal(f.D, &id)
			select {
			case fg.identifies <- id:
			default:
			}
			if fg.authFail {
				msg := websocket.FormatCloseMessage(closeAuthenticationFailed, "authentication failed")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
			fg.setConn(conn)
			fg.write(conn, Frame{Op: opDispatch, T: EventReady,
				D: mustJSON(readyData{SessionID: "sess-1"})})

		case opResume:
			var rd resumeData
			_ = json.Unmarshal(f.D, &rd)
			select {
			case fg.resumes <- rd:
			default:
			}
			if fg.rejectResume {
				fg.write(conn, Frame{Op: opInvalidSession})
				continue
			}
			fg.setConn(conn)
			fg.write(conn, Frame{Op: opDispatch, T: EventResumed})

		case opHeartbeat:
			if fg.sendAcks {
				fg.write(conn, Frame{Op: opHeartbeatAck})
			}

		case opRequest:
			var rq requestData
			_ = json.Unmarshal(f.D, &rq)
			if fg.respond != nil {
				resp := fg.respond(rq)
				resp.Seq = rq.Seq
				fg.write(conn, Frame{Op: opResponse, D: mustJSON(resp)})
			}
		}
	}
}

func (fg *fakeGateway) setConn(conn *websocket.Conn) {
	fg.mu.Lock()
	fg.conn = conn
	fg.mu.Unlock()
}

func (fg *fakeGateway) write(conn *websocket.Conn, f Frame) {
	fg.mu.Lock()
	defer fg.mu.Unlock()
	_ = conn.WriteJSON(f)
}

// sendEvent шлёт dispatch-кадр в текущее соединение.
func (fg *fakeGateway) sendEvent(seq int64, typ string, payload string) {
	fg.mu.Lock()
	conn := fg.conn
	fg.mu.Unlock()
	require.NotNil(fg.t, conn, "no active connection")

	d := mustJSON(dispatchData{
		GuildID:   "g1",
		ChannelID: "c1",
		UserID:    "u1",
		Payload:   json.RawMessage(payload),
	})
	fg.write(conn, Frame{Op: opDispatch, T: typ, S: &seq, D: d})
}

// dropConn рвёт текущее соединение со стороны сервера.
func (fg *fakeGateway) dropConn() {
	fg.mu.Lock()
	conn := fg.conn
	fg.conn = nil
	fg.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func testLimiter() *ratelimit.Limiter {
	return ratelimit.New(ratelimit.Config{
		Default:         ratelimit.Class{Rate: 1000, Burst: 1000},
		CleanupInterval: time.Minute,
	})
}

func testSession(t *testing.T, fg *fakeGateway, cfg Config) *Session {
	cfg.URL = fg.url()
	if cfg.Token == "" {
		cfg.Token = "tok"
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = 5 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 20 * time.Millisecond
	}
	s := New(cfg, testLimiter())
	t.Cleanup(s.Disconnect)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectDeliversOrderedEvents(t *testing.T) {
	fg := newFakeGateway(t)
	s := testSession(t, fg, Config{})

	events := make(chan *Event, 16)
	s.OnEvent = func(ev *Event) { events <- ev }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.Equal(t, StateConnected, s.State())
	require.Equal(t, "sess-1", s.SessionID())

	fg.sendEvent(1, "message", `{"content":"hi"}`)
	fg.sendEvent(3, "message", `{"content":"there"}`)
	fg.sendEvent(2, "message", `{"content":"stale"}`)   // устаревший
	fg.sendEvent(3, "message", `{"content":"dup"}`)     // дубликат

	got := []*Event{<-events, <-events}
	assert.Equal(t, "hi", got[0].Text())
	assert.Equal(t, int64(1), got[0].Seq)
	assert.Equal(t, "there", got[1].Text())
	assert.Equal(t, "g1:c1", got[1].Origin.Key())

	select {
	case ev := <-events:
		t.Fatalf("stale frame delivered: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, int64(3), s.LastSeq())
}

func TestReconnectResumesSession(t *testing.T) {
	fg := newFakeGateway(t)
	s := testSession(t, fg, Config{})

	connected := make(chan bool, 8)
	s.OnConnected = func(resumed bool) { connected <- resumed }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	require.False(t, <-connected)
	<-fg.identifies

	fg.sendEvent(5, "message", `{"content":"x"}`)
	waitFor(t, "seq update", func() bool { return s.LastSeq() == 5 })

	fg.dropConn()

	require.True(t, <-connected, "reconnect must resume")
	rd := <-fg.resumes
	assert.Equal(t, "sess-1", rd.SessionID)
	assert.Equal(t, int64(5), rd.Seq)
	assert.Equal(t, int64(5), s.LastSeq(), "resume keeps prior sequence")
	assert.Equal(t, StateConnected, s.State())
}

func TestResumeRejectedStartsFreshSession(t *testing.T) {
	fg := newFakeGateway(t)
	fg.rejectResume = true

	invalidated := make(chan struct{}, 1)
	s := testSession(t, fg, Config{ResetStateOnResumeFailure: true})
	s.OnInvalidated = func() {
		select {
		case invalidated <- struct{}{}:
		default:
		}
	}
	connected := make(chan bool, 8)
	s.OnConnected = func(resumed bool) { connected <- resumed }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	<-connected
	<-fg.identifies

	fg.sendEvent(7, "message", `{"content":"x"}`)
	waitFor(t, "seq update", func() bool { return s.LastSeq() == 7 })

	fg.dropConn()

	// resume отклонён -> свежий identify, sequence обнулён
	<-fg.resumes
	<-fg.identifies
	require.False(t, <-connected, "fresh session is not a resume")

	select {
	case <-invalidated:
	case <-time.After(time.Second):
		t.Fatal("context invalidation policy not applied")
	}
	assert.Equal(t, int64(0), s.LastSeq())
	assert.Equal(t, StateConnected, s.State())
}

func TestHeartbeatAckTimeoutTriggersReconnect(t *testing.T) {
	fg := newFakeGateway(t)
	fg.hbIntervalMS = 20
	fg.sendAcks = false

	s := testSession(t, fg, Config{})
	connected := make(chan bool, 8)
	s.OnConnected = func(resumed bool) { connected <- resumed }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	<-connected

	// ack не приходит -> сессия сама рвёт соединение и резюмится
	select {
	case rd := <-fg.resumes:
		assert.Equal(t, "sess-1", rd.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("no resume after heartbeat ack timeout")
	}
}

func TestAuthenticationFailureIsFatal(t *testing.T) {
	fg := newFakeGateway(t)
	fg.authFail = true

	s := testSession(t, fg, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := s.Connect(ctx)
	require.ErrorIs(t, err, ErrAuthentication)
	assert.Equal(t, StateDisconnected, s.State())
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	fg := newFakeGateway(t)
	s := testSession(t, fg, Config{MaxRetries: 2})

	fatal := make(chan error, 1)
	s.OnFatal = func(err error) {
		select {
		case fatal <- err:
		default:
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	waitFor(t, "connect", func() bool { return s.State() == StateConnected })

	// сервер уходит навсегда
	fg.srv.CloseClientConnections()
	fg.srv.Close()

	select {
	case err := <-fatal:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("no fatal after exhausting retries")
	}
}

func TestCallRoundTripAndRateLimitMetadata(t *testing.T) {
	fg := newFakeGateway(t)
	fg.respond = func(rq requestData) responseData {
		return responseData{
			Bucket:  rq.Bucket,
			Payload: rq.Payload,
			RateLimit: &RateLimitInfo{
				RetryAfter: 120,
			},
		}
	}

	lim := testLimiter()
	cfg := Config{URL: fg.url(), Token: "tok", BackoffMin: 5 * time.Millisecond}
	s := New(cfg, lim)
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	cctx, ccancel := context.WithTimeout(ctx, time.Second)
	defer ccancel()
	resp, err := s.Call(cctx, "messages:c1", map[string]string{"content": "hello"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"content":"hello"}`, string(resp.Payload))

	// retry-after из ответа штрафует бакет
	start := time.Now()
	require.NoError(t, lim.Acquire(ctx, "messages:c1"))
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRequestWhenDisconnected(t *testing.T) {
	s := New(Config{URL: "ws://127.0.0.1:0", Token: "tok"}, testLimiter())
	err := s.Request(context.Background(), "messages:c1", nil, nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRateLimitTimeoutOnRequest(t *testing.T) {
	fg := newFakeGateway(t)
	lim := ratelimit.New(ratelimit.Config{
		Default:         ratelimit.Class{Rate: rate.Every(time.Hour), Burst: 1},
		CleanupInterval: time.Minute,
	})
	s := New(Config{URL: fg.url(), Token: "tok"}, lim)
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	// единственный токен бакета уходит на identify; запрос утыкается в лимит
	tctx, tcancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer tcancel()
	err := s.Request(tctx, "gateway:identify", nil, nil)
	require.ErrorIs(t, err, ratelimit.ErrRateLimitTimeout)
}
