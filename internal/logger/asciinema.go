// Package logger records terminal sessions as asciicast v2 files.
package logger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Asciicast v2 event codes.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// Header is the first line of an asciicast v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Command   string            `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one line after the header: [time, code, data].
type Event struct {
	Time float64
	Code string
	Data string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Time, e.Code, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Time); err != nil {
		return fmt.Errorf("invalid event time: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Code); err != nil {
		return fmt.Errorf("invalid event code: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Recorder writes an asciicast v2 recording. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	file   *os.File
	start  time.Time
	closed bool
}

// Create creates the recording file at path, including missing parent
// directories, and writes the header.
func Create(path string, header Header) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := newRecorder(file)
	r.file = file
	if err := r.writeHeader(header); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// New writes a recording to w.
func New(w io.Writer, header Header) (*Recorder, error) {
	r := newRecorder(w)
	if err := r.writeHeader(header); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecorder(w io.Writer) *Recorder {
	return &Recorder{
		w:     bufio.NewWriter(w),
		start: time.Now(),
	}
}

func (r *Recorder) writeHeader(header Header) error {
	header.Version = 2
	if header.Timestamp == 0 {
		header.Timestamp = r.start.Unix()
	}
	data, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return r.w.Flush()
}

// WriteOutput records terminal output.
func (r *Recorder) WriteOutput(data []byte) error {
	return r.write(EventOutput, string(data))
}

// WriteInput records client input.
func (r *Recorder) WriteInput(data []byte) error {
	return r.write(EventInput, string(data))
}

// WriteResize records a terminal size change.
func (r *Recorder) WriteResize(cols, rows uint16) error {
	return r.write(EventResize, fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) write(code, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return os.ErrClosed
	}

	line, err := json.Marshal(Event{
		Time: time.Since(r.start).Seconds(),
		Code: code,
		Data: data,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return r.w.Flush()
}

// Close flushes the recording and closes the file, if the recorder owns one.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	err := r.w.Flush()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// StartTime returns the start time of the recording.
func (r *Recorder) StartTime() time.Time {
	return r.start
}
