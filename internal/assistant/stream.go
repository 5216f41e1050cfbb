package assistant

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/nugget/huddle/internal/llm"
	"github.com/nugget/huddle/internal/metrics"
	"github.com/nugget/huddle/internal/prompts"
)

// Outcome is the terminal state of one reply.
type Outcome string

// Terminal states of the stream driver.
const (
	OutcomeCompleted  Outcome = "completed"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeFailed     Outcome = "failed"
	OutcomeEmpty      Outcome = "empty"
)

// Emitter receives the normalized event stream. An error from Content
// means nobody is listening any more; the driver stops forwarding but
// still reads the provider stream to the end.
type Emitter interface {
	Content(delta string) error
	NoResponse() error
	Error(message, details string) error
	Done() error
}

// Result summarizes a finished stream.
type Result struct {
	Outcome Outcome
	// Content is the concatenation of every forwarded delta.
	Content string
	// Err is the provider error for OutcomeFailed.
	Err error
	// Detached reports that the caller went away mid-stream.
	Detached bool
	Chunks   int
	Model    string
}

type filterState int

const (
	stateAccumulating filterState = iota
	stateForwarding
	stateSuppressed
)

// sentinelFilter withholds the start of a reply until it can prove the
// reply is not the no-response sentinel. Only leading whitespace and a
// prefix of the sentinel are ever withheld, so lookahead is bounded by
// the sentinel length and each byte is examined once.
type sentinelFilter struct {
	sentinel string
	state    filterState
	pending  strings.Builder
	matched  int
	// carry holds the leading bytes of a rune cut off at a delta boundary.
	carry string
}

func newSentinelFilter(sentinel string) *sentinelFilter {
	return &sentinelFilter{sentinel: sentinel}
}

// push feeds one delta and returns what may be forwarded now.
func (f *sentinelFilter) push(delta string) string {
	switch f.state {
	case stateForwarding:
		return delta
	case stateSuppressed:
		return ""
	}

	buf := f.carry + delta
	f.carry = ""
	for i := 0; i < len(buf); {
		if f.matched == 0 {
			if !utf8.FullRuneInString(buf[i:]) {
				// A multibyte rune split across deltas; decide next time.
				f.carry = buf[i:]
				return ""
			}
			r, size := utf8.DecodeRuneInString(buf[i:])
			if unicode.IsSpace(r) {
				f.pending.WriteString(buf[i : i+size])
				i += size
				continue
			}
		}
		if buf[i] == f.sentinel[f.matched] {
			f.pending.WriteByte(buf[i])
			f.matched++
			i++
			if f.matched == len(f.sentinel) {
				f.state = stateSuppressed
				f.pending.Reset()
				return ""
			}
			continue
		}
		// Diverged: nothing withheld can become the sentinel any more.
		f.state = stateForwarding
		out := f.pending.String() + buf[i:]
		f.pending.Reset()
		return out
	}
	return ""
}

// flush releases withheld text at end of stream. A reply that stopped
// partway through the sentinel is ordinary content.
func (f *sentinelFilter) flush() string {
	if f.state != stateAccumulating {
		return ""
	}
	f.state = stateForwarding
	out := f.pending.String() + f.carry
	f.pending.Reset()
	f.carry = ""
	if strings.TrimSpace(out) == "" {
		return ""
	}
	return out
}

func (f *sentinelFilter) suppressed() bool {
	return f.state == stateSuppressed
}

// Driver consumes a provider stream and re-emits it as normalized
// events.
type Driver struct {
	sentinel string
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewDriver returns a Driver watching for [prompts.NoResponseToken].
func NewDriver(m *metrics.Metrics, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		sentinel: prompts.NoResponseToken,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Drive reads s to a terminal state, forwarding content through emit.
// It closes s before returning. It never emits Done; the caller does
// that once the reply has been stored.
func (d *Driver) Drive(s llm.Stream, emit Emitter, started time.Time) Result {
	defer s.Close()

	var (
		res      Result
		content  strings.Builder
		filter   = newSentinelFilter(d.sentinel)
		detached bool
		first    = true
	)

	forward := func(delta string) {
		if delta == "" {
			return
		}
		content.WriteString(delta)
		if first {
			first = false
			d.metrics.FirstContent(d.now().Sub(started))
		}
		if detached {
			return
		}
		if err := emit.Content(delta); err != nil {
			detached = true
			d.logger.Debug("client gone, reading reply to completion", "error", err)
		}
	}

	for {
		chunk, err := s.Recv()
		if errors.Is(err, io.EOF) {
			forward(filter.flush())
			break
		}
		if err != nil {
			forward(filter.flush())
			res.Outcome = OutcomeFailed
			res.Err = err
			if !detached {
				if emitErr := emit.Error("The assistant stopped before finishing its reply.", err.Error()); emitErr != nil {
					detached = true
				}
			}
			break
		}

		res.Chunks++
		d.metrics.Chunk()
		if chunk.Model != "" {
			res.Model = chunk.Model
		}
		if chunk.Content == "" {
			continue
		}

		forward(filter.push(chunk.Content))
		if filter.suppressed() {
			res.Outcome = OutcomeSuppressed
			if !detached {
				if err := emit.NoResponse(); err != nil {
					detached = true
				}
			}
			break
		}
	}

	res.Content = content.String()
	res.Detached = detached
	if res.Outcome == "" {
		res.Outcome = OutcomeCompleted
		if strings.TrimSpace(res.Content) == "" {
			res.Outcome = OutcomeEmpty
		}
	}
	return res
}
