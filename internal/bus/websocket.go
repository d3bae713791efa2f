package bus

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket is a Bus backed by a single gorilla/websocket connection that
// multiplexes subjects as length-prefixed frames: [2 bytes subject
// length][subject][payload]. Flush is realized as a PingMessage/PongMessage
// round trip with a caller-supplied timeout, directly adapted from the
// teacher's Transport.pingLoop/readLoop.
type WebSocket struct {
	conn *websocket.Conn

	mu   sync.RWMutex
	subs map[string][]chan []byte

	pongMu sync.Mutex
	pongCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DialWebSocket connects to a bus endpoint (e.g. derived from
// NATS_SURVEYOR_SERVERS) and starts its read loop.
func DialWebSocket(url string) (*WebSocket, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("bus: dialing %s: %w", url, err)
	}
	return newWebSocket(conn), nil
}

func newWebSocket(conn *websocket.Conn) *WebSocket {
	ctx, cancel := context.WithCancel(context.Background())
	w := &WebSocket{
		conn:   conn,
		subs:   make(map[string][]chan []byte),
		ctx:    ctx,
		cancel: cancel,
	}
	conn.SetPongHandler(func(string) error {
		w.pongMu.Lock()
		if w.pongCh != nil {
			close(w.pongCh)
			w.pongCh = nil
		}
		w.pongMu.Unlock()
		return nil
	})
	w.wg.Add(1)
	go w.readLoop()
	return w
}

func (w *WebSocket) readLoop() {
	defer w.wg.Done()
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < 2 {
			continue
		}
		subjLen := int(binary.BigEndian.Uint16(data[0:2]))
		if 2+subjLen > len(data) {
			continue
		}
		subject := string(data[2 : 2+subjLen])
		payload := append([]byte(nil), data[2+subjLen:]...)

		w.mu.RLock()
		chans := w.subs[subject]
		w.mu.RUnlock()
		for _, ch := range chans {
			select {
			case ch <- payload:
			default:
			}
		}
	}
}

func (w *WebSocket) Publish(subject string, data []byte) error {
	frame := make([]byte, 2+len(subject)+len(data))
	binary.BigEndian.PutUint16(frame[0:2], uint16(len(subject)))
	copy(frame[2:], subject)
	copy(frame[2+len(subject):], data)
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *WebSocket) Subscribe(subject string) (<-chan []byte, error) {
	ch := make(chan []byte, 64)
	w.mu.Lock()
	w.subs[subject] = append(w.subs[subject], ch)
	w.mu.Unlock()
	return ch, nil
}

// Flush sends a PingMessage and waits up to timeout for the paired Pong,
// surfacing ErrFlushTimeout on expiry per spec.md §4.4/§7.
func (w *WebSocket) Flush(timeout time.Duration) error {
	w.pongMu.Lock()
	done := make(chan struct{})
	w.pongCh = done
	w.pongMu.Unlock()

	if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("bus: sending flush ping: %w", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return &ErrFlushTimeout{Timeout: timeout}
	}
}

func (w *WebSocket) Close() error {
	w.cancel()
	err := w.conn.Close()
	w.wg.Wait()
	w.mu.Lock()
	for _, chs := range w.subs {
		for _, ch := range chs {
			close(ch)
		}
	}
	w.subs = nil
	w.mu.Unlock()
	return err
}
