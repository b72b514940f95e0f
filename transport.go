package convex

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// SocketState is the transport's reconnect state machine (spec.md 4.1).
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketReady        SocketState = "ready"
	SocketPaused       SocketState = "paused"
	SocketStopping     SocketState = "stopping"
	SocketTerminal     SocketState = "terminal"
)

// Socket is the narrow interface the transport drives; DefaultSocketFactory
// wraps *websocket.Conn, and tests supply a fake. Kept to read, write and
// close, narrow the way the teacher keeps its DialContextFunc capability
// (net_resilient.go), rather than an injectable subclass.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// SocketFactory is the transport's sole extension point for opening a
// connection, so tests drive a fake factory rather than a real socket
// (spec.md 4.1 "Why").
type SocketFactory interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

type gorillaSocket struct {
	conn *websocket.Conn
}

func (self *gorillaSocket) ReadMessage() (int, []byte, error) { return self.conn.ReadMessage() }
func (self *gorillaSocket) WriteMessage(t int, b []byte) error { return self.conn.WriteMessage(t, b) }
func (self *gorillaSocket) Close() error                       { return self.conn.Close() }

// DefaultSocketFactory dials with *gorilla/websocket.Dialer*, grounded on
// the teacher's use of the same library in transport.go.
type DefaultSocketFactory struct {
	Dialer *websocket.Dialer
}

func NewDefaultSocketFactory() *DefaultSocketFactory {
	return &DefaultSocketFactory{Dialer: websocket.DefaultDialer}
}

func (self *DefaultSocketFactory) Dial(ctx context.Context, url string) (Socket, error) {
	conn, _, err := self.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaSocket{conn: conn}, nil
}

// TransportSettings tunes the reconnect backoff, grounded on the teacher's
// PlatformTransportSettings / DefaultPlatformTransportSettings pattern
// (transport.go).
type TransportSettings struct {
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	StableAfter  time.Duration
	WriteTimeout time.Duration
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		BaseBackoff:  100 * time.Millisecond,
		MaxBackoff:   16 * time.Second,
		StableAfter:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// ReconnectMetadata is passed to the onOpen hook on every successful
// (re)open, before any buffered frame is flushed (spec.md 4.1).
type ReconnectMetadata struct {
	ConnectionCount int
	LastCloseReason string
	// DisconnectedFor is how long the previous connection was down before
	// this one opened; zero on the very first connect. The orchestrator
	// uses this to decide whether a long-disconnect telemetry ping is
	// warranted under ClientOptions.ReportDebugInfoToConvex (spec.md 6).
	DisconnectedFor time.Duration
}

// Transport owns one logical connection (C1).
type Transport struct {
	url     string
	factory SocketFactory
	onOpen  func(ReconnectMetadata)
	onFrame func([]byte)
	settings *TransportSettings

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           SocketState
	socket          Socket
	outbox          [][]byte
	connectionCount int
	lastCloseReason string
	failureCount    int
	pauseRequested  bool
	stopped         bool
	disconnectedAt  time.Time
	hasDisconnectedAt bool

	closeWg sync.WaitGroup
}

func NewTransport(
	ctx context.Context,
	url string,
	factory SocketFactory,
	onOpen func(ReconnectMetadata),
	onFrame func([]byte),
	settings *TransportSettings,
) *Transport {
	if settings == nil {
		settings = DefaultTransportSettings()
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	t := &Transport{
		url:      url,
		factory:  factory,
		onOpen:   onOpen,
		onFrame:  onFrame,
		settings: settings,
		ctx:      cancelCtx,
		cancel:   cancel,
		state:    SocketDisconnected,
	}
	t.closeWg.Add(1)
	go t.run()
	return t
}

func (self *Transport) SocketState() SocketState {
	self.mu.Lock()
	defer self.mu.Unlock()
	return self.state
}

// SendMessage hands a frame to the socket if open, or buffers it while
// paused. Returns true iff the frame was accepted (written directly, or
// queued for a pause that is guaranteed to flush); returns false only when
// the socket is not open and the frame was refused outright, which is the
// mightBeSent=false signal the Request Manager relies on (spec.md 3).
func (self *Transport) SendMessage(frame []byte) bool {
	self.mu.Lock()
	defer self.mu.Unlock()

	switch self.state {
	case SocketReady:
		socket := self.socket
		self.mu.Unlock()
		err := socket.WriteMessage(websocket.TextMessage, frame)
		self.mu.Lock()
		if err != nil {
			glog.V(2).Infof("[transport] write error: %s", err)
			return false
		}
		return true
	case SocketPaused:
		self.outbox = append(self.outbox, frame)
		return true
	default:
		return false
	}
}

// Pause suspends sends; outbound frames submitted while paused are buffered
// locally instead of written, and flushed in order on Resume.
func (self *Transport) Pause() {
	self.mu.Lock()
	defer self.mu.Unlock()
	if self.state == SocketReady {
		self.state = SocketPaused
	} else {
		self.pauseRequested = true
	}
}

// Resume flushes any buffered frames and returns to SocketReady.
func (self *Transport) Resume() {
	self.mu.Lock()
	self.pauseRequested = false
	if self.state != SocketPaused {
		self.mu.Unlock()
		return
	}
	self.state = SocketReady
	socket := self.socket
	pending := self.outbox
	self.outbox = nil
	self.mu.Unlock()

	for _, frame := range pending {
		if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
			glog.V(2).Infof("[transport] resume flush error: %s", err)
			return
		}
	}
}

// Stop closes the socket and prevents further reconnects.
func (self *Transport) Stop() {
	self.mu.Lock()
	if self.stopped {
		self.mu.Unlock()
		return
	}
	self.stopped = true
	self.state = SocketStopping
	socket := self.socket
	self.mu.Unlock()

	self.cancel()
	if socket != nil {
		socket.Close()
	}
	self.closeWg.Wait()

	self.mu.Lock()
	self.state = SocketTerminal
	self.mu.Unlock()
}

func (self *Transport) backoff(n int) time.Duration {
	base := float64(self.settings.BaseBackoff)
	max := float64(self.settings.MaxBackoff)
	delay := math.Min(max, base*math.Pow(2, float64(n)))
	jitter := delay * (0.5 + rand.Float64()*0.5)
	return time.Duration(jitter)
}

func (self *Transport) run() {
	defer self.closeWg.Done()

	first := true
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.mu.Lock()
		n := self.failureCount
		self.mu.Unlock()

		if !first {
			delay := self.backoff(n)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		first = false

		self.mu.Lock()
		self.state = SocketConnecting
		self.mu.Unlock()

		socket, err := self.factory.Dial(self.ctx, self.url)
		if err != nil {
			self.mu.Lock()
			self.state = SocketDisconnected
			self.failureCount += 1
			self.lastCloseReason = err.Error()
			self.mu.Unlock()
			glog.V(2).Infof("[transport] dial error: %s", err)
			continue
		}

		opened := time.Now()

		self.mu.Lock()
		self.connectionCount += 1
		var disconnectedFor time.Duration
		if self.hasDisconnectedAt {
			disconnectedFor = time.Since(self.disconnectedAt)
		}
		meta := ReconnectMetadata{
			ConnectionCount:  self.connectionCount,
			LastCloseReason:  self.lastCloseReason,
			DisconnectedFor:  disconnectedFor,
		}
		self.socket = socket
		if self.pauseRequested {
			self.state = SocketPaused
		} else {
			self.state = SocketReady
		}
		self.mu.Unlock()

		if self.onOpen != nil {
			handleError(func() { self.onOpen(meta) }, nil)
		}

		self.mu.Lock()
		pending := self.outbox
		self.outbox = nil
		readyNow := self.state == SocketReady
		self.mu.Unlock()
		if readyNow {
			for _, frame := range pending {
				if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
					break
				}
			}
		}

		closeReason := self.readLoop(socket)

		survived := time.Since(opened) > self.settings.StableAfter

		self.mu.Lock()
		if self.stopped {
			self.mu.Unlock()
			return
		}
		self.state = SocketDisconnected
		self.lastCloseReason = closeReason
		self.disconnectedAt = time.Now()
		self.hasDisconnectedAt = true
		if survived {
			self.failureCount = 0
		} else {
			self.failureCount += 1
		}
		self.socket = nil
		self.mu.Unlock()
	}
}

// readLoop reads frames until the socket errors or the transport is
// stopped, delivering each to onFrame. Returns the close reason.
func (self *Transport) readLoop(socket Socket) string {
	for {
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			return err.Error()
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			// ping: connection liveness only, no-op.
			continue
		}
		if self.onFrame != nil {
			handleError(func() { self.onFrame(data) }, nil)
		}

		select {
		case <-self.ctx.Done():
			return "stopped"
		default:
		}
	}
}
