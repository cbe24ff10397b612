// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the remote event stream and inspect what the caller
// sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{Kind: s2s.EventTurnComplete})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/alicevoice/pkg/provider/s2s"
)

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect returns a fresh Session
	// for every call (retrievable via Sessions).
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Configs records the SessionConfig of every Connect call in order.
	Configs []s2s.SessionConfig

	sessions []*Session
}

var _ s2s.Provider = (*Provider)(nil)

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Configs = append(p.Configs, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	sess := p.Session
	if sess == nil {
		sess = NewSession()
	}
	p.sessions = append(p.sessions, sess)
	return sess, nil
}

// ConnectConfigs returns a copy of Configs.
func (p *Provider) ConnectConfigs() []s2s.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]s2s.SessionConfig(nil), p.Configs...)
}

// Sessions returns every session handed out by Connect, in order.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Session, len(p.sessions))
	copy(out, p.sessions)
	return out
}

// TextCall records one SendText invocation.
type TextCall struct {
	Text      string
	EndOfTurn bool
}

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu sync.Mutex

	events    chan s2s.Event
	done      chan struct{}
	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    bool
	errVal    error

	// SendAudioErr / SendTextErr, if non-nil, are returned by the send methods.
	SendAudioErr error
	SendTextErr  error

	audio [][]byte
	texts []TextCall
	sent  chan struct{}
}

var _ s2s.SessionHandle = (*Session)(nil)

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{
		events: make(chan s2s.Event, 64),
		done:   make(chan struct{}),
		sent:   make(chan struct{}, 1),
	}
}

// Emit pushes ev onto the event stream. Blocks while the buffer is full and
// returns false if the session is closed first.
func (s *Session) Emit(ev s2s.Event) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Fail closes the event stream with err as the terminal error.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.shutdown()
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.events)
		s.sendMu.Unlock()
	})
}

// SendAudio records the chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.audio = append(s.audio, chunk)
	s.notify()
	return nil
}

// SendText records the call.
func (s *Session) SendText(text string, endOfTurn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return s2s.ErrSessionClosed
	}
	if s.SendTextErr != nil {
		return s.SendTextErr
	}
	s.texts = append(s.texts, TextCall{Text: text, EndOfTurn: endOfTurn})
	s.notify()
	return nil
}

// notify must be called with mu held.
func (s *Session) notify() {
	select {
	case s.sent <- struct{}{}:
	default:
	}
}

// Sent is signalled (non-blocking, capacity 1) after every recorded send.
func (s *Session) Sent() <-chan struct{} { return s.sent }

// Audio returns a copy of every chunk passed to SendAudio.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Texts returns a copy of every SendText call.
func (s *Session) Texts() []TextCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TextCall, len(s.texts))
	copy(out, s.texts)
	return out
}

// Events implements s2s.SessionHandle.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err implements s2s.SessionHandle.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close implements s2s.SessionHandle.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.shutdown()
	return nil
}
