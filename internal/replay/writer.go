// Package replay records every run's drained inputs and published change sets
// so the run can be re-simulated and checked for determinism.
package replay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"campfire/engine/internal/tick"
)

var runIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	manifestFile   = "manifest.json"
	headerFile     = "header.json"
	inputsFile     = "inputs.jsonl.sz"
	changeSetsFile = "changesets.bin.zst"

	frameHeaderSize = 8 + 8 + 4
)

// Manifest describes the replay bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version        int    `json:"version"`
	CreatedAt      string `json:"created_at"`
	InputsPath     string `json:"inputs_path"`
	ChangeSetsPath string `json:"changesets_path"`
	HeaderPath     string `json:"header_path"`
}

// InputLine is one line of the inputs log: every command a tick drained.
type InputLine struct {
	Tick   uint64       `json:"tick"`
	Inputs []tick.Input `json:"inputs"`
}

// Writer streams a run's artefacts into a bundle directory.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	header      Header
	inputFile   *os.File
	inputStream *snappy.Writer
	csFile      *os.File
	csStream    *zstd.Encoder
	closed      bool
}

// NewWriter prepares the bundle directory and opens compressed sinks.
func NewWriter(root, runID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := runIDCleaner.ReplaceAllString(runID, "")
	if cleaned == "" {
		cleaned = "run"
	}
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z")))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	inputFile, err := os.Create(filepath.Join(path, inputsFile))
	if err != nil {
		return nil, Manifest{}, err
	}
	inputStream := snappy.NewBufferedWriter(inputFile)

	csFile, err := os.Create(filepath.Join(path, changeSetsFile))
	if err != nil {
		inputFile.Close()
		return nil, Manifest{}, err
	}
	csStream, err := zstd.NewWriter(csFile)
	if err != nil {
		inputStream.Close()
		inputFile.Close()
		csFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:        1,
		CreatedAt:      created.Format(time.RFC3339Nano),
		InputsPath:     inputsFile,
		ChangeSetsPath: changeSetsFile,
		HeaderPath:     headerFile,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestFile), data, 0o644)
	}
	if err != nil {
		csStream.Close()
		csFile.Close()
		inputStream.Close()
		inputFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         path,
		now:         clock,
		header:      Header{SchemaVersion: HeaderSchemaVersion, RunID: cleaned, FilePointer: manifestFile},
		inputFile:   inputFile,
		inputStream: inputStream,
		csFile:      csFile,
		csStream:    csStream,
	}, manifest, nil
}

// Directory exposes the directory backing the replay bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// SetHeader configures the header persisted when the writer closes.
func (w *Writer) SetHeader(header Header) {
	w.mu.Lock()
	header.SchemaVersion = HeaderSchemaVersion
	header.RunID = w.header.RunID
	header.FilePointer = manifestFile
	w.header = header
	w.mu.Unlock()
}

// WriteInputs appends one tick's drained commands to the inputs log.
func (w *Writer) WriteInputs(line InputLine) error {
	payload, err := json.Marshal(line)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	if _, err := w.inputStream.Write(append(payload, '\n')); err != nil {
		return err
	}
	return nil
}

// WriteChangeSet appends a length-prefixed change set frame.
func (w *Writer) WriteChangeSet(tickNumber uint64, capturedAt time.Time, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("writer closed")
	}
	//1.- Prefix each frame so readers can step through the stream without parsing JSON.
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], tickNumber)
	binary.LittleEndian.PutUint64(header[8:16], uint64(capturedAt.UnixNano()))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	if _, err := w.csStream.Write(header); err != nil {
		return err
	}
	_, err := w.csStream.Write(payload)
	return err
}

// Flush pushes buffered bytes to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.inputStream.Flush(); err != nil {
		return err
	}
	return w.csStream.Flush()
}

// Close writes the header, flushes every buffer and releases file handles.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	//1.- Attempt every step and surface the first failure.
	var firstErr error
	if err := WriteHeader(filepath.Join(w.dir, headerFile), w.header); err != nil {
		firstErr = err
	}
	if err := w.inputStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.inputFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.csStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.csFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
