// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package protocol encodes the records exchanged with the policy process.
//
// Every record is framed as a one byte type, a little-endian uint32 body size
// and the body. Bodies are packed little-endian structs. Because the size is
// always present, a reader can skip record types it does not understand and
// stay aligned with the stream.
package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"net/netip"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/flow"
)

const (
	headerSize = 5
	// MaxBodySize bounds a single record.
	MaxBodySize = 4 << 20
)

var (
	// ErrUnknownType is returned for a record type this side does not know.
	// The record body has been consumed when it is returned.
	ErrUnknownType = errors.New(errors.KindUnsupported, "unknown record type")
	// ErrBodySize is returned when a body does not match its record layout.
	ErrBodySize = errors.New(errors.KindValidation, "record body has wrong size")
	// ErrTooLarge is returned for bodies above MaxBodySize.
	ErrTooLarge = errors.New(errors.KindValidation, "record body too large")
)

var order = binary.LittleEndian

func writeFrame(w io.Writer, typ uint8, body []byte) error {
	if len(body) > MaxBodySize {
		return ErrTooLarge
	}
	frame := make([]byte, headerSize, headerSize+len(body))
	frame[0] = typ
	order.PutUint32(frame[1:], uint32(len(body)))
	frame = append(frame, body...)
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader) (uint8, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := order.Uint32(hdr[1:])
	if size > MaxBodySize {
		return 0, nil, errors.Attr(errors.Wrap(ErrTooLarge, errors.KindValidation, "read record"), "size", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	return hdr[0], body, nil
}

func encodeFixed(v any) []byte {
	var b bytes.Buffer
	b.Grow(binary.Size(v))
	// Writing fixed-size values to a bytes.Buffer cannot fail.
	_ = binary.Write(&b, order, v)
	return b.Bytes()
}

func decodeFixed(body []byte, v any) error {
	if len(body) != binary.Size(v) {
		return errors.Attr(errors.Wrap(ErrBodySize, errors.KindValidation, "decode record"), "size", len(body))
	}
	return binary.Read(bytes.NewReader(body), order, v)
}

func addr4(a netip.Addr) [4]byte {
	return a.Unmap().As4()
}

func addr16(a netip.Addr) [16]byte {
	return a.As16()
}

func familyOf(a netip.AddrPort) flow.Family {
	return flow.FamilyOf(a.Addr())
}
