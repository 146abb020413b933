// Package linedecoder implements a minimal newline-terminated Decoder,
// grounded directly on InputDecoder.h's default end_of_msg_finder
// (memchr for '\n', returning the offset past it). It exists only to
// drive the pipe-echo end-to-end scenario; production decoders belong
// to whatever protocol is layered on top.
//
// Author: momentics <momentics@gmail.com>
package linedecoder

import (
	"bytes"

	"github.com/Community-of-Gia-Lai-Team/evio/device"
	"github.com/Community-of-Gia-Lai-Team/evio/streambuf"
)

const (
	defaultBlockSize     = 512
	defaultFullWatermark = 8 * defaultBlockSize
)

// Decoder splits a byte stream into newline-terminated lines and hands
// each one to OnLine. OnLine runs on whichever goroutine is draining
// the owning InputDevice's read events; it must not block.
type Decoder struct {
	OnLine func(line []byte)
}

// New returns a Decoder with the given line callback.
func New(onLine func(line []byte)) *Decoder {
	return &Decoder{OnLine: onLine}
}

// CreateBuffer sizes the backing StreamBuffer, falling back to the
// original's default_input_blocksize_c-derived defaults (512 bytes,
// an 8x full watermark) when the caller passes zero.
func (d *Decoder) CreateBuffer(dev *device.InputDevice, minBlockSize, fullWatermark, maxAllocated int) *streambuf.StreamBuffer {
	if minBlockSize <= 0 {
		minBlockSize = defaultBlockSize
	}
	if fullWatermark <= 0 {
		fullWatermark = defaultFullWatermark
	}
	if maxAllocated <= 0 {
		maxAllocated = 1 << 30
	}
	return streambuf.New(minBlockSize, maxAllocated, fullWatermark)
}

// EndOfMsgFinder returns the length of newData's tail up to and
// including the first newline, or 0 if there is none yet.
func (d *Decoder) EndOfMsgFinder(newData []byte, rlen int) int {
	idx := bytes.IndexByte(newData[:rlen], '\n')
	if idx < 0 {
		return 0
	}
	return idx + 1
}

// Decode copies msg's bytes out before releasing it and hands the copy
// to OnLine, since msg's backing block is reused once released.
func (d *Decoder) Decode(msg streambuf.MessageSlice) {
	line := make([]byte, msg.Len())
	copy(line, msg.Bytes())
	msg.Release()
	if d.OnLine != nil {
		d.OnLine(line)
	}
}
