package client

import "github.com/liminalthread/ltp-client/internal/proto"

// Observer receives the callbacks the state machine fires per §4.G and
// §7: connection lifecycle, inbound application messages, and
// out-of-band errors. Implementations must not block for long: most
// callbacks run on the client's control goroutine, and Connected runs
// on the goroutine that completed the handshake (Connect's caller or
// the reconnect loop).
type Observer interface {
	Connected(threadID, sessionID string)
	Disconnected()
	Error(payload proto.ErrorPayload)
	StateUpdate(payload map[string]any)
	Event(payload map[string]any)
	Pong()
	Message(raw map[string]any)
}

// NoopObserver implements Observer with no-op methods so callers can
// embed it and override only the callbacks they care about.
type NoopObserver struct{}

func (NoopObserver) Connected(threadID, sessionID string) {}
func (NoopObserver) Disconnected()                        {}
func (NoopObserver) Error(payload proto.ErrorPayload)     {}
func (NoopObserver) StateUpdate(payload map[string]any)   {}
func (NoopObserver) Event(payload map[string]any)         {}
func (NoopObserver) Pong()                                {}
func (NoopObserver) Message(raw map[string]any)           {}
