package cbht

import (
	"encoding/binary"

	"github.com/hvfs/metadata/internal/wire"
	"github.com/hvfs/metadata/pkg/errors"
)

// Encode serialises i into the on-disk ITB record §3 describes: a header
// (puuid, itbid, hash, txg, state, depth) followed by its packed ITE array,
// using the same {u32 length, bytes...} section codec internal/wire uses
// for the network wire format — MDSL's on-disk records and the network
// body are the same shape by design.
func (i *ITB) Encode() []byte {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var hdr [40]byte
	binary.LittleEndian.PutUint64(hdr[0:8], i.Puuid)
	binary.LittleEndian.PutUint64(hdr[8:16], i.ITBID)
	binary.LittleEndian.PutUint64(hdr[16:24], i.Hash)
	binary.LittleEndian.PutUint64(hdr[24:32], i.txg)
	binary.LittleEndian.PutUint32(hdr[32:36], uint32(i.state))
	binary.LittleEndian.PutUint32(hdr[36:40], uint32(i.Depth))

	sections := make([][]byte, 0, len(i.entries)+1)
	sections = append(sections, hdr[:])
	for _, e := range i.entries {
		sections = append(sections, encodeITE(e))
	}
	return wire.EncodeSections(sections...)
}

// DecodeITB reverses Encode, returning a fresh ITB ready to be inserted
// into a Table (its be/next links are unset).
func DecodeITB(buf []byte) (*ITB, error) {
	sections, err := wire.DecodeSections(buf)
	if err != nil {
		return nil, errors.NewCBHTError(err, errors.KindCorrupt, "decode itb")
	}
	if len(sections) < 1 || len(sections[0]) != 40 {
		return nil, errors.NewCBHTError(nil, errors.KindCorrupt, "itb header section malformed")
	}

	hdr := sections[0]
	itb := &ITB{
		Puuid:   binary.LittleEndian.Uint64(hdr[0:8]),
		ITBID:   binary.LittleEndian.Uint64(hdr[8:16]),
		Hash:    binary.LittleEndian.Uint64(hdr[16:24]),
		txg:     binary.LittleEndian.Uint64(hdr[24:32]),
		state:   State(binary.LittleEndian.Uint32(hdr[32:36])),
		Depth:   uint(binary.LittleEndian.Uint32(hdr[36:40])),
		entries: make(map[string]*ITE, len(sections)-1),
	}
	for _, s := range sections[1:] {
		e, err := decodeITE(s)
		if err != nil {
			return nil, err
		}
		itb.entries[e.Name] = e
	}
	return itb, nil
}

// encodeITE packs one entry as {u16 nameLen, name, u64 uuid, u8 flags, u32
// mduLen, mdu, u16 linkLen, link}.
func encodeITE(e *ITE) []byte {
	name := []byte(e.Name)
	link := []byte(e.LinkSource)
	buf := make([]byte, 2+len(name)+8+1+4+len(e.MDU)+2+len(link))
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(name)))
	off += 2
	off += copy(buf[off:], name)
	binary.LittleEndian.PutUint64(buf[off:], e.UUID)
	off += 8
	if e.Symlink {
		buf[off] = 1
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.MDU)))
	off += 4
	off += copy(buf[off:], e.MDU)
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(link)))
	off += 2
	copy(buf[off:], link)
	return buf
}

func decodeITE(buf []byte) (*ITE, error) {
	if len(buf) < 2 {
		return nil, errors.NewCBHTError(nil, errors.KindCorrupt, "ite truncated: name length")
	}
	nameLen := int(binary.LittleEndian.Uint16(buf))
	off := 2
	if len(buf) < off+nameLen+8+1+4 {
		return nil, errors.NewCBHTError(nil, errors.KindCorrupt, "ite truncated: fixed fields")
	}
	name := string(buf[off : off+nameLen])
	off += nameLen
	uuid := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	symlink := buf[off] != 0
	off++
	mduLen := int(binary.LittleEndian.Uint32(buf[off:]))
	off += 4
	if len(buf) < off+mduLen+2 {
		return nil, errors.NewCBHTError(nil, errors.KindCorrupt, "ite truncated: mdu")
	}
	mdu := append([]byte(nil), buf[off:off+mduLen]...)
	off += mduLen
	linkLen := int(binary.LittleEndian.Uint16(buf[off:]))
	off += 2
	if len(buf) < off+linkLen {
		return nil, errors.NewCBHTError(nil, errors.KindCorrupt, "ite truncated: link source")
	}
	link := string(buf[off : off+linkLen])

	return &ITE{Name: name, UUID: uuid, MDU: mdu, LinkSource: link, Symlink: symlink}, nil
}
