// Package wire implements the two framing profiles the core is agnostic
// to: a null-terminated text profile (generation a) and a length-prefixed
// JSON profile (generations b/c) used for both the client and replica
// RPC surfaces.
//
// The message-serialization format itself is treated as an opaque wire
// codec by design (the specification names IDL-generated serialization
// as an out-of-scope external collaborator); JSON-over-length-prefix is
// the simplest implementation of that contract.
package wire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const maxFrameLen = 16 << 20 // 16 MiB, generous ceiling against a wedged peer

// Frame is one binary-profile request/response/stream message.
type Frame struct {
	Kind    string
	Payload []byte
}

// WriteFrame encodes kind+v as a length-prefixed JSON frame.
func WriteFrame(w io.Writer, kind string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: marshal %s: %w", kind, err)
	}

	head := make([]byte, 2)
	binary.BigEndian.PutUint16(head, uint16(len(kind)))

	var buf bytes.Buffer
	buf.Write(head)
	buf.WriteString(kind)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(payload)))
	buf.Write(lenBuf)
	buf.Write(payload)

	_, err = w.Write(buf.Bytes())
	return err
}

// ReadFrame decodes one length-prefixed JSON frame.
func ReadFrame(r io.Reader) (Frame, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(r, head); err != nil {
		return Frame{}, err
	}
	kindLen := binary.BigEndian.Uint16(head)
	kindBuf := make([]byte, kindLen)
	if _, err := io.ReadFull(r, kindBuf); err != nil {
		return Frame{}, err
	}

	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Frame{}, err
	}
	payloadLen := binary.BigEndian.Uint32(lenBuf)
	if payloadLen > maxFrameLen {
		return Frame{}, fmt.Errorf("wire: frame of %d bytes exceeds limit", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	return Frame{Kind: string(kindBuf), Payload: payload}, nil
}

// DecodeInto unmarshals a frame's payload into v.
func DecodeInto(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// EncodeFrame renders one frame as a standalone byte slice, for
// transports (such as a WebSocket binary message) that carry each frame
// as its own message. The bytes are exactly what WriteFrame writes,
// length prefixes included.
func EncodeFrame(kind string, v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, kind, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFrame parses a standalone frame previously produced by EncodeFrame.
func DecodeFrame(data []byte) (Frame, error) {
	return ReadFrame(bytes.NewReader(data))
}

// Text-profile framing (generation a): null-terminated UTF-8.

// ErrEmbeddedNull is returned when a text-profile frame would contain an
// embedded null byte, a protocol violation per the specification.
var ErrEmbeddedNull = fmt.Errorf("wire: embedded null byte in text frame")

// WriteText writes one null-terminated text frame.
func WriteText(w io.Writer, text string) error {
	if bytes.IndexByte([]byte(text), 0) >= 0 {
		return ErrEmbeddedNull
	}
	_, err := io.WriteString(w, text+"\x00")
	return err
}

// TextReader reads successive null-terminated frames off a stream.
type TextReader struct {
	r *bufio.Reader
}

func NewTextReader(r io.Reader) *TextReader {
	return &TextReader{r: bufio.NewReader(r)}
}

// ReadString reads up to the next null byte, per the specification's
// framing (§6.1). Returns io.EOF when the peer has disconnected cleanly.
func (t *TextReader) ReadString() (string, error) {
	s, err := t.r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}
