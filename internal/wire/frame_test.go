package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	bodies := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xAB}, 4096),
	}

	var buf bytes.Buffer
	for _, b := range bodies {
		if err := WriteFrame(&buf, b); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	for i, want := range bodies {
		got, err := ReadFrame(&buf, 0)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("frame %d: got %v want %v", i, got, want)
		}
	}

	if _, err := ReadFrame(&buf, 0); err != io.EOF {
		t.Fatalf("expected io.EOF after last frame, got %v", err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, 128)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadFrame(&buf, 64); !errors.Is(err, ErrInvalidFrame) {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x00})
	if _, err := ReadFrame(buf, 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	header := []byte{0x00, 0x00, 0x00, 0x10}
	buf.Write(header)
	buf.Write([]byte("short"))
	if _, err := ReadFrame(&buf, 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestEncodeDecodeStreamRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{
		SchemaVersion: CurrentSchemaVersion,
		Type:          CmdPublish,
		ID:            "m1",
		Queue:         "orders",
		Payload:       []byte("hi"),
	}
	if err := EncodeStream(&buf, msg); err != nil {
		t.Fatalf("EncodeStream: %v", err)
	}

	got, err := DecodeStream(&buf, 0)
	if err != nil {
		t.Fatalf("DecodeStream: %v", err)
	}
	if got.ID != msg.ID || got.Queue != msg.Queue || string(got.Payload) != string(msg.Payload) {
		t.Fatalf("got %+v, want %+v", got, msg)
	}
}

func TestDecodeStreamPropagatesReadFrameError(t *testing.T) {
	buf := bytes.NewReader([]byte{0x00, 0x00})
	if _, err := DecodeStream(buf, 0); err != io.ErrUnexpectedEOF {
		t.Fatalf("expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestBatchingWriterCoalescesFrames(t *testing.T) {
	var buf bytes.Buffer
	bw := NewBatchingWriter(&buf, 20*time.Millisecond)

	if err := bw.Enqueue([]byte("a")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := bw.Enqueue([]byte("b")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got1, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame 1: %v", err)
	}
	if string(got1) != "a" {
		t.Fatalf("frame 1: got %q want %q", got1, "a")
	}
	got2, err := ReadFrame(&buf, 0)
	if err != nil {
		t.Fatalf("ReadFrame 2: %v", err)
	}
	if string(got2) != "b" {
		t.Fatalf("frame 2: got %q want %q", got2, "b")
	}
}

func TestBatchingWriterEnqueueAfterCloseFails(t *testing.T) {
	var buf bytes.Buffer
	bw := NewBatchingWriter(&buf, time.Millisecond)
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bw.Enqueue([]byte("x")); !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected io.ErrClosedPipe, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("boom")
}

func TestBatchingWriterReportsWriteError(t *testing.T) {
	bw := NewBatchingWriter(failingWriter{}, 5*time.Millisecond)
	defer bw.Close()

	if err := bw.Enqueue([]byte("x")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case err := <-bw.Err():
		if err == nil {
			t.Fatal("expected non-nil write error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for write error")
	}
}
