package transport

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// State is a session's position in its connection lifecycle.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// DefaultTimeout bounds a single request/response exchange's network I/O.
const DefaultTimeout = 5 * time.Second

// Session wraps one long-lived TCP connection to a peer, tracking its
// handshake state and (when negotiated) the derived AES session key.
// Only one request/response exchange may be in flight on a Session at a
// time; Send and Receive do not lock, so callers must ensure exclusive
// use. mu guards the lifecycle state only.
type Session struct {
	mu sync.Mutex

	conn    net.Conn
	PeerID  string
	state   State
	Timeout time.Duration

	compression string      // "" or the negotiated algorithm name ("brotli")
	sessionKey  *SessionKey // nil for a plaintext session
}

// NewSession wraps conn in a fresh, unauthenticated Session.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn, state: StateNew, Timeout: DefaultTimeout}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Close closes the underlying connection. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return s.conn.Close()
}

// Fail marks the session Failed and closes the connection, so the pool
// evicts it. Idempotent.
func (s *Session) Fail() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed || s.state == StateFailed {
		return
	}
	s.state = StateFailed
	s.conn.Close()
}

// Send writes one message, transparently compressing and/or wrapping it
// in the secure envelope according to what this session negotiated.
// Callers must already hold exclusive use of the session (the
// orchestrator's pool guarantees this via CAS ownership).
func (s *Session) Send(msgType MessageType, payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(s.Timeout))

	if s.sessionKey == nil {
		return WriteFrame(s.conn, msgType, payload, s.compression != "")
	}

	flags := uint8(0)
	if s.compression != "" && len(payload) > CompressionThreshold {
		compressed, err := compressPayload(payload)
		if err == nil && len(compressed) < len(payload) {
			payload = compressed
			flags |= flagCompressed
		}
	}

	inner := make([]byte, 2+len(payload))
	inner[0] = byte(msgType)
	inner[1] = flags
	copy(inner[2:], payload)

	ciphertext, nonce, err := SealEnvelope(*s.sessionKey, inner)
	if err != nil {
		return fmt.Errorf("transport: seal message: %w", err)
	}

	envPayload, err := EncodeRecord(SecureEnv{Ciphertext: ciphertext, Nonce: nonce})
	if err != nil {
		return err
	}
	return WriteFrame(s.conn, TypeSecureEnv, envPayload, false)
}

// Receive reads one message, transparently unwrapping the secure
// envelope and decompressing if needed.
func (s *Session) Receive() (MessageType, []byte, error) {
	s.conn.SetReadDeadline(time.Now().Add(s.Timeout))

	msgType, payload, err := ReadFrame(s.conn)
	if err != nil {
		return 0, nil, err
	}

	if msgType != TypeSecureEnv {
		return msgType, payload, nil
	}

	if s.sessionKey == nil {
		return 0, nil, fmt.Errorf("transport: received secure envelope on plaintext session")
	}

	var env SecureEnv
	if err := DecodeRecord(payload, &env); err != nil {
		return 0, nil, err
	}

	inner, err := OpenEnvelope(*s.sessionKey, env.Ciphertext, env.Nonce)
	if err != nil {
		return 0, nil, err
	}
	if len(inner) < 2 {
		return 0, nil, fmt.Errorf("transport: secure envelope inner frame too short")
	}

	innerType := MessageType(inner[0])
	innerFlags := inner[1]
	innerPayload := inner[2:]

	if innerFlags&flagCompressed != 0 {
		innerPayload, err = decompressPayload(innerPayload)
		if err != nil {
			return 0, nil, fmt.Errorf("transport: decompress secure envelope payload: %w", err)
		}
	}

	return innerType, innerPayload, nil
}
