// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

const (
	// FrameHeaderSize is the length prefix written before every encoded
	// message on a stream transport.
	FrameHeaderSize = 4

	// MaxFrameSize bounds a single frame so a corrupt length prefix cannot
	// make a reader allocate without limit.
	MaxFrameSize = 16 << 20
)

// MsgpackHandle is a shared handle for encoding/decoding msgpack payloads
var MsgpackHandle = &codec.MsgpackHandle{}

// Encode is used to encode a message with a type prefix.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	var buf bytes.Buffer
	buf.WriteByte(uint8(msg.Type()))
	err := codec.NewEncoder(&buf, MsgpackHandle).Encode(msg)
	return buf.Bytes(), err
}

// Decode is used to decode a type prefixed message.
func Decode(buf []byte) (Message, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidArgument)
	}
	msg, err := newMessage(MessageType(buf[0]))
	if err != nil {
		return nil, err
	}
	if err := codec.NewDecoderBytes(buf[1:], MsgpackHandle).Decode(msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", msg.Type(), err)
	}
	return msg, nil
}

// EncodedFrameSize returns the number of bytes a frame with the given body
// occupies on the wire.
func EncodedFrameSize(body []byte) int {
	return FrameHeaderSize + len(body)
}

// PutFrame writes the length prefix and body into dst, which must hold
// EncodedFrameSize(body) bytes. It returns the number of bytes written.
func PutFrame(dst, body []byte) (int, error) {
	if len(body) > MaxFrameSize {
		return 0, ErrFrameTooLarge
	}
	n := EncodedFrameSize(body)
	if len(dst) < n {
		return 0, fmt.Errorf("%w: frame needs %d bytes, have %d", ErrInvalidArgument, n, len(dst))
	}
	binary.BigEndian.PutUint32(dst, uint32(len(body)))
	copy(dst[FrameHeaderSize:], body)
	return n, nil
}

// ReadFrame reads one length prefixed frame. The scratch slice is reused
// when large enough; the returned slice aliases it.
func ReadFrame(r io.Reader, scratch []byte) ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	if cap(scratch) < int(size) {
		scratch = make([]byte, size)
	}
	scratch = scratch[:size]
	if _, err := io.ReadFull(r, scratch); err != nil {
		return nil, err
	}
	return scratch, nil
}
