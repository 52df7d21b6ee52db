package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/oldeucryptoboi/agentkernel/internal/types"
)

// sseSink adapts a Sink to a flushed text/event-stream response,
// grounded on the teacher's reach-serve streamEvents writer.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseSink) WriteEvent(ev types.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) WriteComment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeSSE writes HTTP SSE headers and streams sessionID's events
// starting after afterSeq until the request context ends. afterSeq
// comes from the Last-Event-ID header or an after_seq query param;
// callers parse that before calling ServeSSE.
func (h *Hub) ServeSSE(w http.ResponseWriter, r *http.Request, sessionID string, afterSeq int64) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("streaming not supported by response writer")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := &sseSink{w: w, flusher: flusher}
	return h.Stream(r.Context(), sessionID, afterSeq, sink)
}
