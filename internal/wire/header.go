// Package wire implements the request/reply header and typed-section body
// codec described in §6: a fixed 64-byte binary record followed by a
// concatenation of {u32 length, bytes...} sections. This is the one place
// in the module that talks about bytes-on-the-wire; everything above it
// works with Go structs.
//
// The header is a fixed-layout binary record rather than a generated
// protobuf/gRPC message: hand-authoring .pb.go glue without running protoc
// risks shipping code that cannot compile, so it's encoded directly over
// encoding/binary instead, the same way a compact on-disk record is encoded
// elsewhere in this module.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/hvfs/metadata/pkg/errors"
)

// Magic identifies a valid header; UnmarshalBinary rejects anything else as
// Corrupt.
const Magic uint32 = 0x48564653 // "HVFS"

// Version is the wire format version this package implements.
const Version uint8 = 1

// HeaderSize is the fixed on-wire size of Header, per §6.
const HeaderSize = 64

// Flag bits carried in Header.Flags. These are request-shaping flags
// independent of any particular Cmd; command-specific index flags live in
// flags.go.
const (
	FlagReply      uint8 = 1 << 0 // this record is a reply, not a request
	FlagOneWay     uint8 = 1 << 1 // no reply expected (notifications)
	FlagHasError   uint8 = 1 << 2 // reply body's first section is an error record
	FlagNoDHLookup uint8 = 1 << 3 // lookup-without-DH, see SPEC_FULL.md §5 open question
)

// Header is the fixed 64-byte request/reply record of §6.
type Header struct {
	Magic    uint32
	Version  uint8
	Flags    uint8
	Cmd      Cmd
	Len      uint32 // total body length in bytes, following the header
	Reqno    uint64 // monotonic per-connection request number
	Ssite    uint64 // source site-id
	Dsite    uint64 // destination site-id
	Arg0     uint64
	Arg1     uint64
	Reserved uint32
	Handle   uint64 // opaque token echoed on replies for demultiplexing
}

// MarshalBinary encodes h into a new HeaderSize-byte slice, little-endian,
// in declaration order.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.LittleEndian.PutUint16(buf[6:8], uint16(h.Cmd))
	binary.LittleEndian.PutUint32(buf[8:12], h.Len)
	binary.LittleEndian.PutUint64(buf[12:20], h.Reqno)
	binary.LittleEndian.PutUint64(buf[20:28], h.Ssite)
	binary.LittleEndian.PutUint64(buf[28:36], h.Dsite)
	binary.LittleEndian.PutUint64(buf[36:44], h.Arg0)
	binary.LittleEndian.PutUint64(buf[44:52], h.Arg1)
	binary.LittleEndian.PutUint32(buf[52:56], h.Reserved)
	binary.LittleEndian.PutUint64(buf[56:64], h.Handle)
	return buf, nil
}

// UnmarshalBinary decodes a HeaderSize-byte slice into h.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) != HeaderSize {
		return errors.NewWireError(nil, errors.KindCorrupt,
			fmt.Sprintf("header must be %d bytes, got %d", HeaderSize, len(buf)))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return errors.NewWireError(nil, errors.KindCorrupt, "bad header magic")
	}
	h.Version = buf[4]
	h.Flags = buf[5]
	h.Cmd = Cmd(binary.LittleEndian.Uint16(buf[6:8]))
	h.Len = binary.LittleEndian.Uint32(buf[8:12])
	h.Reqno = binary.LittleEndian.Uint64(buf[12:20])
	h.Ssite = binary.LittleEndian.Uint64(buf[20:28])
	h.Dsite = binary.LittleEndian.Uint64(buf[28:36])
	h.Arg0 = binary.LittleEndian.Uint64(buf[36:44])
	h.Arg1 = binary.LittleEndian.Uint64(buf[44:52])
	h.Reserved = binary.LittleEndian.Uint32(buf[52:56])
	h.Handle = binary.LittleEndian.Uint64(buf[56:64])
	return nil
}

// NewRequest builds a Header for a fresh outbound request.
func NewRequest(cmd Cmd, ssite, dsite, reqno, handle uint64) Header {
	return Header{Magic: Magic, Version: Version, Cmd: cmd, Reqno: reqno, Ssite: ssite, Dsite: dsite, Handle: handle}
}

// Reply builds the Header for a reply to this request, swapping source and
// destination and setting FlagReply.
func (h Header) Reply() Header {
	r := h
	r.Ssite, r.Dsite = h.Dsite, h.Ssite
	r.Flags |= FlagReply
	return r
}

// EncodeSections concatenates sections as {u32 length, bytes...} records.
func EncodeSections(sections ...[]byte) []byte {
	var buf bytes.Buffer
	var lenBuf [4]byte
	for _, s := range sections {
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
		buf.Write(lenBuf[:])
		buf.Write(s)
	}
	return buf.Bytes()
}

// DecodeSections splits a body encoded by EncodeSections back into its
// sections.
func DecodeSections(body []byte) ([][]byte, error) {
	var sections [][]byte
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, errors.NewWireError(nil, errors.KindCorrupt, "truncated section length")
		}
		n := binary.LittleEndian.Uint32(body[:4])
		body = body[4:]
		if uint32(len(body)) < n {
			return nil, errors.NewWireError(nil, errors.KindCorrupt, "truncated section body")
		}
		sections = append(sections, body[:n])
		body = body[n:]
	}
	return sections, nil
}
