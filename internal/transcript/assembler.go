// Package transcript assembles streamed transcript events into ordered
// partial and final segments, keeping one running buffer per speaker.
//
// The backend streams transcript text in several shapes: complete
// "transcript" events with an is_final flag, and fine-grained response
// streaming events (content-part added/done, text delta/done, output-item
// done). All of them normalize here into the same two primitives: deltas
// append to the per-source running buffer, done-variants commit the buffer
// as a final [Segment] and clear it.
package transcript

import (
	"strings"
	"sync"

	"github.com/parlancehq/parlance/pkg/client"
)

// Segment is a single transcript update surfaced to observers. A non-final
// segment carries the full accumulated text so far and replaces any earlier
// partial for the same source; a final segment commits the utterance.
type Segment struct {
	Source client.Source
	Text   string
	Final  bool
}

// Assembler folds transcript wire events into per-source running buffers.
// It is safe for concurrent use.
type Assembler struct {
	mu      sync.Mutex
	buffers map[client.Source]*strings.Builder
}

// NewAssembler returns an empty Assembler.
func NewAssembler() *Assembler {
	return &Assembler{buffers: make(map[client.Source]*strings.Builder)}
}

// Apply folds ev into the assembler state. When the event produced a
// transcript update, the resulting segment is returned with ok = true.
// Events that carry no transcript content (empty deltas, done-events for an
// already-empty buffer, unrelated event types) return ok = false.
//
// Commit is drain-once: when a server sends several done-variants for the
// same utterance (text done, content-part done, output-item done), only the
// first produces a final segment.
func (a *Assembler) Apply(ev client.ServerEvent) (Segment, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case client.TypeTranscript:
		if ev.Text != "" {
			a.appendLocked(ev.Source, ev.Text)
		}
		if ev.IsFinal {
			return a.commitLocked(ev.Source, "")
		}
		if ev.Text == "" {
			return Segment{}, false
		}
		return a.partialLocked(ev.Source), true

	case client.TypeTextDelta:
		if ev.Delta == "" {
			return Segment{}, false
		}
		a.appendLocked(ev.Source, ev.Delta)
		return a.partialLocked(ev.Source), true

	case client.TypePartAdded:
		if ev.Text == "" {
			return Segment{}, false
		}
		a.appendLocked(ev.Source, ev.Text)
		return a.partialLocked(ev.Source), true

	case client.TypeTextDone, client.TypePartDone:
		// The deltas usually arrived first; the full text on the done
		// event is only a fallback for servers that skip deltas.
		return a.commitLocked(ev.Source, ev.Text)

	case client.TypeItemDone:
		return a.commitLocked(ev.Source, "")

	default:
		return Segment{}, false
	}
}

// Partial returns the accumulated not-yet-final text for source. Empty when
// nothing is buffered.
func (a *Assembler) Partial(source client.Source) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[source]
	if !ok {
		return ""
	}
	return b.String()
}

// Reset drops all running buffers. Called when a session is torn down.
func (a *Assembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffers = make(map[client.Source]*strings.Builder)
}

func (a *Assembler) appendLocked(source client.Source, text string) {
	b, ok := a.buffers[source]
	if !ok {
		b = &strings.Builder{}
		a.buffers[source] = b
	}
	b.WriteString(text)
}

func (a *Assembler) partialLocked(source client.Source) Segment {
	return Segment{Source: source, Text: a.buffers[source].String()}
}

func (a *Assembler) commitLocked(source client.Source, fallback string) (Segment, bool) {
	text := ""
	if b, ok := a.buffers[source]; ok {
		text = b.String()
		b.Reset()
	}
	if text == "" {
		text = fallback
	}
	if text == "" {
		return Segment{}, false
	}
	return Segment{Source: source, Text: text, Final: true}, true
}
