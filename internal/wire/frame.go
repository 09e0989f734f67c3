// Package wire implements the broker's length-prefixed framing and the
// binary protocol message encoding (spec.md §4.1/§4.2), grounded on the
// 4-byte big-endian length-prefix shape of the teacher's vsockpb codec but
// carrying a custom fixed-field message instead of protobuf.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// DefaultMaxFrameSize bounds a frame body, matching the default
// maxMessageSize of 1 MiB from spec.md §4.1/§6.
const DefaultMaxFrameSize = 1 << 20

// DefaultBatchWindow is the maximum delay the writer holds a frame hoping to
// coalesce it with a following one, per spec.md §4.1.
const DefaultBatchWindow = time.Millisecond

// ErrInvalidFrame is returned when a frame's declared length exceeds the
// configured maximum.
var ErrInvalidFrame = errors.New("wire: invalid frame: length exceeds maximum")

const frameHeaderSize = 4

// ReadFrame reads one length-prefixed frame from r. Returns io.ErrUnexpectedEOF
// if the stream ends mid-frame (including mid-header).
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, io.ErrUnexpectedEOF
	}

	length := binary.BigEndian.Uint32(header[:])
	if int(length) > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrInvalidFrame, length, maxSize)
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
	}
	return body, nil
}

// WriteFrame writes one length-prefixed frame to w as a single atomic
// write (length prefix and body are concatenated into one buffer so a
// concurrent writer can never interleave a partial frame).
func WriteFrame(w io.Writer, body []byte) error {
	buf := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(body)))
	copy(buf[frameHeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// BatchingWriter coalesces frames enqueued within BatchWindow of each other
// into a single underlying Write call, while preserving each frame's
// boundary (§4.1: "batching... provided correctness is maintained").
type BatchingWriter struct {
	w           io.Writer
	batchWindow time.Duration

	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	closed bool
	done   chan struct{}
	stopped chan struct{}
	errCh  chan error
}

// NewBatchingWriter wraps w with frame batching. A batchWindow of zero uses
// DefaultBatchWindow.
func NewBatchingWriter(w io.Writer, batchWindow time.Duration) *BatchingWriter {
	if batchWindow <= 0 {
		batchWindow = DefaultBatchWindow
	}
	bw := &BatchingWriter{
		w:           w,
		batchWindow: batchWindow,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		errCh:       make(chan error, 1),
	}
	go bw.flushLoop()
	return bw
}

// Enqueue schedules body to be written as a framed message. It never
// blocks on I/O.
func (bw *BatchingWriter) Enqueue(body []byte) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return io.ErrClosedPipe
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:frameHeaderSize], uint32(len(body)))
	copy(frame[frameHeaderSize:], body)
	bw.queue = append(bw.queue, frame)
	bw.mu.Unlock()

	select {
	case bw.notify <- struct{}{}:
	default:
	}
	return nil
}

func (bw *BatchingWriter) flushLoop() {
	defer close(bw.stopped)
	timer := time.NewTimer(bw.batchWindow)
	if !timer.Stop() {
		<-timer.C
	}
	timerArmed := false

	for {
		select {
		case <-bw.done:
			bw.flush()
			return
		case <-bw.notify:
			if !timerArmed {
				timer.Reset(bw.batchWindow)
				timerArmed = true
			}
		case <-timer.C:
			timerArmed = false
			bw.flush()
		}
	}
}

func (bw *BatchingWriter) flush() {
	bw.mu.Lock()
	if len(bw.queue) == 0 {
		bw.mu.Unlock()
		return
	}
	pending := bw.queue
	bw.queue = nil
	bw.mu.Unlock()

	total := 0
	for _, f := range pending {
		total += len(f)
	}
	buf := make([]byte, 0, total)
	for _, f := range pending {
		buf = append(buf, f...)
	}
	if _, err := bw.w.Write(buf); err != nil {
		select {
		case bw.errCh <- err:
		default:
		}
	}
}

// DecodeStream reads one length-prefixed frame from r and decodes it into a
// Message, combining ReadFrame and Decode for the common case where a
// caller has no use for the raw frame body.
func DecodeStream(r io.Reader, maxSize int) (*Message, error) {
	body, err := ReadFrame(r, maxSize)
	if err != nil {
		return nil, err
	}
	return Decode(body)
}

// EncodeStream encodes m and writes it to w as one length-prefixed frame,
// combining Encode and WriteFrame for callers that write straight to a
// net.Conn rather than through a BatchingWriter.
func EncodeStream(w io.Writer, m *Message) error {
	return WriteFrame(w, Encode(m))
}

// Err returns a channel that receives the first write error encountered by
// the flush loop.
func (bw *BatchingWriter) Err() <-chan error {
	return bw.errCh
}

// QueueLen returns the number of frames currently queued for write, used to
// detect a saturated writer (spec.md §4.6) before a delivery pass assigns
// it another message.
func (bw *BatchingWriter) QueueLen() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.queue)
}

// Close stops the flush loop after draining any queued frames, and returns
// once that final flush has been written.
func (bw *BatchingWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	<-bw.stopped
	return nil
}
