package websocket

// Typing relays typing indicators between the two parties. The server keeps no
// typing state and never expires one: clients send stopped_typing after their
// own idle window or when the message is sent.
type Typing struct {
	router *Router
}

func NewTyping(router *Router) *Typing {
	return &Typing{router: router}
}

// Relay forwards the frame verbatim to its receiver. There is no ack and
// nothing is persisted.
func (t *Typing) Relay(frame *Frame, payload []byte) bool {
	return t.router.relay(*frame.ReceiverID, payload)
}
