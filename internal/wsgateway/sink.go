package wsgateway

import (
	"encoding/json"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// wsSink adapts a wsConn to eventbus.Sink so internal/eventbus.Hub.Stream
// can fan journal events out to a WS client exactly as it does to an
// SSE client, per the single fan-out point documented in DESIGN.md.
type wsSink struct {
	conn *wsConn
}

func (s *wsSink) WriteEvent(ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.WriteFrame(data)
}

// WriteComment drops SSE-style keepalive comments: the WS protocol has
// no text-frame equivalent worth sending one of these spec's message
// types for, so nothing goes over the wire.
func (s *wsSink) WriteComment(string) error { return nil }
