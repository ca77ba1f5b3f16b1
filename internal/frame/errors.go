package frame

import (
	"encoding/hex"
	"errors"
	"fmt"
)

// Framing errors. None of them is fatal: the decoder logs and resynchronizes.
var (
	ErrBadTag           = errors.New("bad frame tag")
	ErrBadChecksum      = errors.New("bad frame checksum")
	ErrBadOpcode        = errors.New("inconsistent opcode nibbles")
	ErrUnknownOpcode    = errors.New("no handler for opcode")
	ErrOverflow         = errors.New("reassembly buffer overflow")
	ErrPayloadTooLong   = errors.New("payload too long")
	ErrOpcodeOutOfRange = errors.New("opcode out of range")
)

// FrameError describes a rejected frame: where it started in the reassembly
// window and the bytes that were examined.
//
//nolint:revive // FrameError reads better than Error at call sites (frame.FrameError)
type FrameError struct {
	Offset int
	Bytes  []byte
	Err    error
}

func (e *FrameError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%v at offset %d: %s", e.Err, e.Offset, hex.EncodeToString(e.Bytes))
}

// Unwrap allows errors.Is(err, ErrBadChecksum) and friends.
func (e *FrameError) Unwrap() error {
	return e.Err
}
