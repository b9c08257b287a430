package agent

import (
	"context"
	"io"

	"github.com/cloudwego/eino/schema"
)

// Event is one element of a turn's delta stream. Intermediate events carry a
// text delta; the final event carries the completed turn (with citations and
// tool trace) and an empty delta.
type Event struct {
	// Delta is the next fragment of answer text.
	Delta string
	// Turn is non-nil only on the final event.
	Turn *ConversationTurn
}

// AskFunc runs one turn, streaming answer deltas to w. Both SimpleAgent.Ask
// and Supervisor.Ask match this shape once the identifiers are bound.
type AskFunc func(ctx context.Context, w io.Writer) (*ConversationTurn, error)

// eventWriter forwards written text as delta events.
type eventWriter struct {
	sw *schema.StreamWriter[Event]
}

func (w *eventWriter) Write(p []byte) (int, error) {
	if closed := w.sw.Send(Event{Delta: string(p)}, nil); closed {
		return 0, io.ErrClosedPipe
	}
	return len(p), nil
}

// Stream runs ask in a goroutine and exposes its output as a lazy pull-based
// stream: callers Recv deltas as they are produced, then a final Event whose
// Turn field carries the citations, then io.EOF. Closing the reader early
// aborts the turn via the writer error path.
func Stream(ctx context.Context, ask AskFunc) *schema.StreamReader[Event] {
	sr, sw := schema.Pipe[Event](8)
	go func() {
		defer sw.Close()
		turn, err := ask(ctx, &eventWriter{sw: sw})
		if err != nil {
			sw.Send(Event{}, err)
			return
		}
		sw.Send(Event{Turn: turn}, nil)
	}()
	return sr
}
