package handlers

import (
	"context"

	"jonwillia.ms/sshmsg/pkg/message"
)

// Func handles one message inside its handling window. It may reply once;
// when it returns without replying the default reply is sent for it.
type Func func(ctx context.Context, h message.Handle)

type Handlers struct {
	Auth        Func
	ChannelOpen map[string]Func // by channel type, e.g. "session", "direct-tcpip"
	Requests    map[string]Func // channel requests by type, e.g. "exec", "pty-req"
	Global      map[string]Func // global requests by type, e.g. "tcpip-forward"
	Fallback    Func
}

// Route picks the handler for req, or nil for the default reply.
func (hs Handlers) Route(req message.Request) Func {
	var fn Func
	switch k := req.Kind(); {
	case k == message.KindAuth:
		fn = hs.Auth
	case k == message.KindChannelOpen:
		fn = hs.ChannelOpen[req.Subtype()]
	case k == message.KindGlobal:
		fn = hs.Global[req.Subtype()]
	case k >= message.KindChannel && k <= message.KindWindowChange:
		fn = hs.Requests[req.Subtype()]
	}
	if fn == nil {
		fn = hs.Fallback
	}
	return fn
}
