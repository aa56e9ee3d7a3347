package replay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"campfire/engine/internal/logging"
	"campfire/engine/internal/tick"
)

type changeSetFrame struct {
	Tick       uint64
	CapturedAt time.Time
	Payload    []byte
}

// Recorder buffers drained inputs and published change sets until they are
// flushed to the bundle writer. Recording never blocks on disk.
type Recorder struct {
	flushMu   sync.Mutex
	mu        sync.Mutex
	writer    *Writer
	now       func() time.Time
	log       *logging.Logger
	inputs    []InputLine
	frames    []changeSetFrame
	bytes     int64
	flushes   int64
	lastFlush time.Time
	lastErr   error
}

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	Directory      string
	BufferedInputs int
	BufferedFrames int
	BufferedBytes  int64
	Flushes        int64
	LastFlushTime  time.Time
	LastError      string
}

// NewRecorder wraps writer.
func NewRecorder(writer *Writer, logger *logging.Logger) (*Recorder, error) {
	if writer == nil {
		return nil, fmt.Errorf("replay writer must be provided")
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Recorder{writer: writer, now: writer.now, log: logger}, nil
}

// RecordInputs implements tick.InputRecorder.
func (r *Recorder) RecordInputs(tickNumber uint64, inputs []tick.Input) {
	if r == nil || len(inputs) == 0 {
		return
	}
	line := InputLine{Tick: tickNumber, Inputs: append([]tick.Input(nil), inputs...)}
	r.mu.Lock()
	r.inputs = append(r.inputs, line)
	r.mu.Unlock()
}

// Publish implements tick.Emitter.
func (r *Recorder) Publish(cs tick.ChangeSet) {
	if r == nil {
		return
	}
	payload, err := json.Marshal(cs)
	if err != nil {
		r.log.Warn("replay change set encode failed", logging.Uint64("tick", cs.Tick), logging.Error(err))
		return
	}
	captured := r.now().UTC()

	r.mu.Lock()
	//1.- Track buffered frames so monitoring captures outstanding work.
	r.frames = append(r.frames, changeSetFrame{Tick: cs.Tick, CapturedAt: captured, Payload: payload})
	r.bytes += int64(len(payload))
	r.mu.Unlock()
}

// Flush writes every buffered record to the bundle and syncs the streams.
// Records the writer did not accept stay buffered for the next attempt.
func (r *Recorder) Flush() error {
	if r == nil {
		return fmt.Errorf("recorder not configured")
	}
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	r.mu.Lock()
	inputs := r.inputs[:len(r.inputs):len(r.inputs)]
	frames := r.frames[:len(r.frames):len(r.frames)]
	r.mu.Unlock()

	//1.- Write outside the buffer lock so ticks keep recording during disk I/O.
	wroteInputs, wroteFrames, err := r.write(inputs, frames)

	r.mu.Lock()
	defer r.mu.Unlock()
	//2.- Drop only the prefix the writer took; later appends stay queued behind it.
	for _, frame := range r.frames[:wroteFrames] {
		r.bytes -= int64(len(frame.Payload))
	}
	r.inputs = append([]InputLine(nil), r.inputs[wroteInputs:]...)
	r.frames = append([]changeSetFrame(nil), r.frames[wroteFrames:]...)
	r.lastErr = err
	if err != nil {
		return err
	}
	r.flushes++
	r.lastFlush = r.now().UTC()
	return nil
}

func (r *Recorder) write(inputs []InputLine, frames []changeSetFrame) (int, int, error) {
	for i, line := range inputs {
		if err := r.writer.WriteInputs(line); err != nil {
			return i, 0, fmt.Errorf("write inputs for tick %d: %w", line.Tick, err)
		}
	}
	for i, frame := range frames {
		if err := r.writer.WriteChangeSet(frame.Tick, frame.CapturedAt, frame.Payload); err != nil {
			return len(inputs), i, fmt.Errorf("write change set for tick %d: %w", frame.Tick, err)
		}
	}
	return len(inputs), len(frames), r.writer.Flush()
}

// Close flushes outstanding records and seals the bundle.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	flushErr := r.Flush()
	closeErr := r.writer.Close()
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Snapshot returns statistics describing the recorder state.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := Stats{
		Directory:      r.writer.Directory(),
		BufferedInputs: len(r.inputs),
		BufferedFrames: len(r.frames),
		BufferedBytes:  r.bytes,
		Flushes:        r.flushes,
		LastFlushTime:  r.lastFlush,
	}
	if r.lastErr != nil {
		stats.LastError = r.lastErr.Error()
	}
	return stats
}
