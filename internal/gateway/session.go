package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/EgorLis/Koabot/internal/logging"
	"github.com/EgorLis/Koabot/internal/ratelimit"
)

var (
	// ErrAuthentication — токен отклонён. Фатально, сессия завершается.
	ErrAuthentication = errors.New("gateway: authentication rejected")
	// ErrNotConnected — запрос без живого соединения.
	ErrNotConnected = errors.New("gateway: not connected")

	errResumeRejected = errors.New("gateway: resume rejected")
)

// Ключ бакета для identify/resume: шлюзы лимитируют рукопожатия отдельно.
const identifyBucket = "gateway:identify"

// Config — параметры сессии.
type Config struct {
	URL   string
	Token string
	// Properties уходит в identify (os/клиент), опционально.
	Properties map[string]string

	// Реконнект: экспоненциальный backoff с джиттером.
	BackoffMin time.Duration // по умолчанию 1s
	BackoffMax time.Duration // по умолчанию 30s
	// Сколько попыток до фатала. 0 — без предела.
	MaxRetries int

	// Сколько ждём hello/ready при рукопожатии.
	HandshakeTimeout time.Duration // по умолчанию 10s

	// Политика: при отказе в resume сбрасывать ли состояние контекстов
	// (колбэк OnInvalidated). Сам sequence сбрасывается всегда.
	ResetStateOnResumeFailure bool
}

func (c Config) withDefaults() Config {
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	return c
}

// Session владеет одним логическим соединением со шлюзом.
type Session struct {
	cfg     Config
	limiter *ratelimit.Limiter
	log     zerolog.Logger

	// cmu защищает conn, hbStop и sessionID.
	cmu       sync.Mutex
	conn      *websocket.Conn
	hbStop    chan struct{}
	sessionID string

	wmu sync.Mutex // сериализует запись в websocket

	state   atomic.Int32
	reqSeq  atomic.Uint32 // seq исходящих запросов
	lastSeq atomic.Int64  // seq последнего принятого события
	lastAck atomic.Int64  // unix nanos последнего heartbeat-ack
	closed  atomic.Bool

	mu  sync.Mutex
	cbs map[uint32]func(*Response)

	// "События" (колбэки поля структуры).
	OnConnecting   func()
	OnConnected    func(resumed bool)
	OnEvent        func(*Event)
	OnDisconnected func()
	OnError        func(error)
	OnFatal        func(error)
	// OnInvalidated зовётся, когда resume отклонён и политика требует
	// сбросить состояние контекстов старой сессии.
	OnInvalidated func()
}

// New создаёт сессию. Исходящие вызовы (включая identify) гейтятся
// лимитером.
func New(cfg Config, limiter *ratelimit.Limiter) *Session {
	return &Session{
		cfg:     cfg.withDefaults(),
		limiter: limiter,
		log:     logging.WithComponent("gateway"),
		cbs:     make(map[uint32]func(*Response)),
	}
}

// SessionID — токен текущей сессии (пустой до READY).
func (s *Session) SessionID() string {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.sessionID
}

// LastSeq — sequence последнего принятого события.
func (s *Session) LastSeq() int64 {
	return s.lastSeq.Load()
}

// Connect устанавливает соединение, проходит identify и запускает
// readLoop. Отмена ctx мягко завершает readLoop. Ошибка аутентификации
// возвращается как ErrAuthentication и фатальна.
func (s *Session) Connect(ctx context.Context) error {
	if s.closed.Load() {
		return errors.New("gateway: session closed")
	}
	if _, err := s.connectOnce(ctx, false); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	if s.OnConnected != nil {
		s.OnConnected(false)
	}
	go s.readLoop(ctx)
	return nil
}

// Disconnect закрывает сессию насовсем.
func (s *Session) Disconnect() {
	s.closed.Store(true)
	s.closeConn()
}

// IsConnected — живо ли соединение.
func (s *Session) IsConnected() bool {
	return s.State() == StateConnected && !s.closed.Load()
}

// ========================= рукопожатие =========================

// connectOnce открывает сокет и проходит hello -> identify/resume ->
// ready/resumed. Возвращает resumed=true, если сессия возобновлена.
func (s *Session) connectOnce(ctx context.Context, allowResume bool) (bool, error) {
	if s.OnConnecting != nil {
		s.OnConnecting()
	}
	s.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("gateway: dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	_ = conn.SetReadDeadline(deadline)

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		_ = conn.Close()
		return false, fmt.Errorf("gateway: read hello: %w", err)
	}
	if hello.Op != opHello {
		_ = conn.Close()
		return false, fmt.Errorf("gateway: expected hello, got op %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil || hd.HeartbeatInterval <= 0 {
		_ = conn.Close()
		return false, errors.New("gateway: bad hello frame")
	}
	interval := time.Duration(hd.HeartbeatInterval) * time.Millisecond

	resume := allowResume && s.SessionID() != ""
	if resume {
		s.setState(StateResuming)
	} else {
		s.setState(StateIdentifying)
		s.lastSeq.Store(0)
	}

	// рукопожатия лимитируются отдельно от остальных вызовов
	if err := s.limiter.Acquire(ctx, identifyBucket); err != nil {
		_ = conn.Close()
		return false, err
	}

	if resume {
		err = s.writeTo(conn, opResume, "", resumeData{
			Token: s.cfg.Token, SessionID: s.SessionID(), Seq: s.lastSeq.Load(),
		})
	} else {
		err = s.writeTo(conn, opIdentify, "", identifyData{
			Token: s.cfg.Token, Properties: s.cfg.Properties,
		})
	}
	if err != nil {
		_ = conn.Close()
		return false, err
	}

	// ждём подтверждения; при resume сервер может сначала реплеить
	// пропущенные события
	for {
		_ = conn.SetReadDeadline(deadline)
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			_ = conn.Close()
			if isAuthClose(err) {
				return false, ErrAuthentication
			}
			return false, fmt.Errorf("gateway: handshake: %w", err)
		}

		switch f.Op {
		case opInvalidSession:
			_ = conn.Close()
			if !resume {
				// invalid session в ответ на identify — это отказ в авторизации
				return false, ErrAuthentication
			}
			return false, errResumeRejected

		case opHeartbeat:
			_ = s.writeTo(conn, opHeartbeat, "", s.lastSeq.Load())

		case opHeartbeatAck:
			s.lastAck.Store(time.Now().UnixNano())

		case opDispatch:
			switch f.T {
			case EventReady:
				var rd readyData
				_ = json.Unmarshal(f.D, &rd)
				s.cmu.Lock()
				s.sessionID = rd.SessionID
				s.cmu.Unlock()
				if f.S != nil {
					s.lastSeq.Store(*f.S)
				}
				s.install(conn, interval)
				return false, nil
			case EventResumed:
				s.install(conn, interval)
				return true, nil
			default:
				if err := s.handleDispatch(&f); err != nil {
					_ = conn.Close()
					return false, err
				}
			}

		default:
			framesDropped.WithLabelValues("unexpected_op").Inc()
		}
	}
}

// install переводит сессию в Connected на данном соединении.
func (s *Session) install(conn *websocket.Conn, interval time.Duration) {
	_ = conn.SetReadDeadline(time.Time{})
	s.cmu.Lock()
	s.conn = conn
	s.startHeartbeatLocked(conn, interval)
	s.cmu.Unlock()
	s.setState(StateConnected)
}

// ========================= read loop =========================

func (s *Session) readLoop(ctx context.Context) {
	defer func() {
		s.closed.Store(true)
		s.closeConn()
		s.failPending(errors.New("session closed"))
		s.setState(StateDisconnected)
		if s.OnDisconnected != nil {
			s.OnDisconnected()
		}
	}()

	// закрыть сокет по отмене контекста
	go func() {
		<-ctx.Done()
		s.closeConn()
	}()

	for {
		conn := s.currentConn()
		if conn == nil {
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			if s.closed.Load() || ctx.Err() != nil {
				return
			}
			if isAuthClose(err) {
				s.fatal(ErrAuthentication)
				return
			}
			s.emitError(err)
			if !s.reconnect(ctx) {
				return
			}
			continue
		}

		switch f.Op {
		case opDispatch:
			if err := s.handleDispatch(&f); err != nil {
				// ошибка декодирования не фатальна, но соединению не доверяем
				s.emitError(err)
				if !s.reconnect(ctx) {
					return
				}
			}

		case opHeartbeat:
			_ = s.writeTo(conn, opHeartbeat, "", s.lastSeq.Load())

		case opHeartbeatAck:
			s.lastAck.Store(time.Now().UnixNano())

		case opResponse:
			s.handleResponse(&f)

		case opReconnect:
			s.log.Info().Msg("server requested reconnect")
			if !s.reconnect(ctx) {
				return
			}

		case opInvalidSession:
			s.log.Warn().Msg("session invalidated by server")
			s.invalidateSession()
			if !s.reconnect(ctx) {
				return
			}

		default:
			framesDropped.WithLabelValues("unknown_op").Inc()
		}
	}
}

// handleDispatch проверяет sequence и отдаёт событие наружу.
// Устаревший или дублированный кадр отбрасывается, не трогая сессию.
func (s *Session) handleDispatch(f *Frame) error {
	if f.S != nil {
		seq := *f.S
		if last := s.lastSeq.Load(); seq <= last {
			framesDropped.WithLabelValues("stale_seq").Inc()
			s.log.Warn().Int64("seq", seq).Int64("last", last).
				Msg("out-of-order frame dropped")
			return nil
		}
		s.lastSeq.Store(*f.S)
	}
	ev, err := decodeEvent(f)
	if err != nil {
		framesDropped.WithLabelValues("decode").Inc()
		return err
	}
	eventsTotal.Inc()
	if s.OnEvent != nil {
		s.OnEvent(ev)
	}
	return nil
}

func (s *Session) handleResponse(f *Frame) {
	var rd responseData
	if err := json.Unmarshal(f.D, &rd); err != nil {
		framesDropped.WithLabelValues("decode").Inc()
		return
	}

	// метаданные лимитов уходят лимитеру раньше, чем проснётся вызывающий
	if rl := rd.RateLimit; rl != nil && rd.Bucket != "" {
		if rl.RetryAfter > 0 {
			s.log.Warn().Str("bucket", rd.Bucket).Int64("retry_after_ms", rl.RetryAfter).
				Msg("rate limited by remote")
			s.limiter.Penalize(rd.Bucket, time.Duration(rl.RetryAfter)*time.Millisecond)
		} else {
			s.limiter.Update(rd.Bucket, rl.Remaining, time.Duration(rl.ResetAfter)*time.Millisecond)
		}
	}

	s.mu.Lock()
	cb, ok := s.cbs[rd.Seq]
	if ok {
		delete(s.cbs, rd.Seq)
	}
	s.mu.Unlock()
	if ok && cb != nil {
		cb(&Response{Err: rd.Error, Payload: rd.Payload})
	}
}

// ========================= реконнект =========================

// reconnect крутит backoff с джиттером, пока не подключится или не
// исчерпает попытки. false — сессия мертва (фатал или закрытие).
func (s *Session) reconnect(ctx context.Context) bool {
	s.setState(StateReconnecting)
	s.closeConn()
	s.failPending(errors.New("connection lost"))

	backoff := s.cfg.BackoffMin
	for attempt := 1; ; attempt++ {
		if s.closed.Load() || ctx.Err() != nil {
			return false
		}
		if s.cfg.MaxRetries > 0 && attempt > s.cfg.MaxRetries {
			s.fatal(fmt.Errorf("gateway: reconnect attempts exhausted (%d)", s.cfg.MaxRetries))
			return false
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(withJitter(backoff)):
		}

		reconnectsTotal.Inc()
		resumed, err := s.connectOnce(ctx, true)
		if err == nil {
			if s.OnConnected != nil {
				s.OnConnected(resumed)
			}
			return true
		}

		switch {
		case errors.Is(err, ErrAuthentication):
			s.fatal(err)
			return false
		case errors.Is(err, errResumeRejected):
			// сессия протухла: новая сессия с нулевым sequence
			s.log.Warn().Msg("resume rejected, starting fresh session")
			s.invalidateSession()
		}

		s.emitError(fmt.Errorf("reconnect failed (wait %v): %w", backoff, err))
		if backoff < s.cfg.BackoffMax {
			backoff *= 2
			if backoff > s.cfg.BackoffMax {
				backoff = s.cfg.BackoffMax
			}
		}
	}
}

func (s *Session) invalidateSession() {
	s.cmu.Lock()
	s.sessionID = ""
	s.cmu.Unlock()
	s.lastSeq.Store(0)
	if s.cfg.ResetStateOnResumeFailure && s.OnInvalidated != nil {
		s.OnInvalidated()
	}
}

// ========================= исходящие запросы =========================

// Request отправляет запрос, помеченный ключом бакета. Блокируется на
// лимитере до токена или истечения ctx. Если cb != nil, он будет вызван
// по ответу с тем же seq (или с ошибкой при обрыве соединения).
func (s *Session) Request(ctx context.Context, bucket string, payload any, cb func(*Response)) error {
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := s.limiter.Acquire(ctx, bucket); err != nil {
		return err
	}
	conn := s.currentConn()
	if conn == nil {
		return ErrNotConnected
	}

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("gateway: encode request: %w", err)
		}
		raw = b
	}

	seq := s.reqSeq.Add(1)
	if cb != nil {
		s.mu.Lock()
		s.cbs[seq] = cb
		s.mu.Unlock()
	}

	if err := s.writeTo(conn, opRequest, "", requestData{Seq: seq, Bucket: bucket, Payload: raw}); err != nil {
		// сеть упала между подготовкой и записью — подчищаем cb
		s.mu.Lock()
		delete(s.cbs, seq)
		s.mu.Unlock()
		return err
	}
	return nil
}

// Call — как Request, но ждёт ответ.
func (s *Session) Call(ctx context.Context, bucket string, payload any) (*Response, error) {
	ch := make(chan *Response, 1)
	if err := s.Request(ctx, bucket, payload, func(r *Response) {
		select {
		case ch <- r:
		default:
		}
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-ch:
		if r.Err != "" {
			return nil, fmt.Errorf("gateway: request failed: %s", r.Err)
		}
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// failPending закрывает все ожидающие колбэки ошибкой при обрыве.
func (s *Session) failPending(err error) {
	s.mu.Lock()
	cbs := s.cbs
	s.cbs = make(map[uint32]func(*Response))
	s.mu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb(&Response{Err: err.Error()})
		}
	}
}

// ========================= low-level =========================

func (s *Session) currentConn() *websocket.Conn {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	return s.conn
}

// writeTo — запись строго через один мьютекс + write-deadline.
func (s *Session) writeTo(conn *websocket.Conn, op int, t string, d any) error {
	b, err := marshalFrame(op, t, d)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	werr := conn.WriteMessage(websocket.TextMessage, b)
	s.wmu.Unlock()
	return werr
}

// closeConn безопасно закрывает текущее соединение и глушит heartbeat.
func (s *Session) closeConn() {
	s.cmu.Lock()
	s.stopHeartbeatLocked()
	conn := s.conn
	s.conn = nil
	s.cmu.Unlock()

	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(500*time.Millisecond))
		_ = conn.Close()
	}
}

func (s *Session) emitError(err error) {
	if s.OnError != nil && !s.closed.Load() {
		s.OnError(err)
	}
}

func (s *Session) fatal(err error) {
	s.closed.Store(true)
	s.log.Error().Err(err).Msg("session fatal")
	if s.OnFatal != nil {
		s.OnFatal(err)
	}
}

func isAuthClose(err error) bool {
	var ce *websocket.CloseError
	return errors.As(err, &ce) && ce.Code == closeAuthenticationFailed
}

// withJitter — половина интервала фиксированная, половина случайная.
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + rand.N(half)
}
