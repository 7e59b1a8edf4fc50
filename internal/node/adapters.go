package node

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/hvfs/metadata/internal/cbht"
	"github.com/hvfs/metadata/internal/dh"
	"github.com/hvfs/metadata/internal/ring"
	"github.com/hvfs/metadata/internal/storage"
	"github.com/hvfs/metadata/internal/transport"
	"github.com/hvfs/metadata/internal/wire"
	"github.com/hvfs/metadata/pkg/errors"
)

// nameToITBID derives the itbid a name hashes to within its parent
// directory. The real implementation buckets names by a directory-local
// hash the same way cbht buckets ITBs by (puuid, itbid); fnv64a keeps this
// consistent with every other hash in the module (internal/ring, cbht's
// hashOf).
func nameToITBID(name string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return h.Sum64()
}

// storageITBBackend implements cbht.Backend against internal/storage: a
// CBHT miss loads the ITB MDSL last flushed for (puuid, itbid).
type storageITBBackend struct {
	store *storage.Storage
}

func (b *storageITBBackend) LoadITB(puuid, itbid uint64) (*cbht.ITB, error) {
	data, err := b.store.Read(puuid, itbid)
	if err != nil {
		return nil, err
	}
	return cbht.DecodeITB(data)
}

// gdtRoot is the reserved puuid under which every directory's own DHE is
// stored as an ITE in the CBHT, keyed by its uuid formatted as a name —
// the GDT, modeled as an ordinary CBHT-resident directory rather than a
// bespoke structure (§3 "GDT/SDT").
const gdtRoot uint64 = 0

// cbhtDHBackend implements dh.Backend on top of the same cbht.Table the
// node's MDS role serves directory lookups from, and internal/storage for
// bitmap slices.
type cbhtDHBackend struct {
	table *cbht.Table
	store *storage.Storage
}

func (b *cbhtDHBackend) LookupSDT(puuid uint64, name string) (uint64, error) {
	itb, err := b.table.Search(puuid, nameToITBID(name), wire.IndexFlag(0))
	if err != nil {
		return 0, err
	}
	ite, ok := itb.Search(name)
	if !ok {
		return 0, errors.NewDHError(nil, errors.KindNoEntry, "name not found in parent directory")
	}
	return ite.UUID, nil
}

func (b *cbhtDHBackend) LookupGDT(uuid uint64) (dh.DHE, error) {
	name := fmt.Sprintf("%d", uuid)
	itb, err := b.table.Search(gdtRoot, nameToITBID(name), wire.IndexFlag(0))
	if err != nil {
		return dh.DHE{}, err
	}
	ite, ok := itb.Search(name)
	if !ok {
		return dh.DHE{}, errors.NewDHError(nil, errors.KindNoEntry, "gdt entry not found")
	}
	return decodeDHEFromMDU(uuid, ite.MDU)
}

func (b *cbhtDHBackend) BCLocation(uuid uint64) (int, error) {
	return b.store.BitmapSliceCount(uuid)
}

func (b *cbhtDHBackend) LoadBitmapSlice(uuid uint64, k int) ([]byte, error) {
	return b.store.LoadBitmapSlice(uuid, k)
}

// ringOwner implements txg.RingLookup: resolve (puuid, itbid)'s owning
// site on the MDS ring group and compare against self.
type ringOwner struct {
	r    *ring.Ring
	self uint64
}

func (o *ringOwner) Owner(puuid, itbid uint64) (uint64, bool) {
	key := fmt.Sprintf("%d:%d", puuid, itbid)
	site, err := o.r.GetPoint(ringGroupMDS, key, "")
	if err != nil {
		return 0, false
	}
	return site, site != o.self
}

// ausplitSender implements txg.AusplitSender over internal/transport: it
// dials the destination site's MDS endpoint (from the address table) and
// sends a fire-and-forget CmdMDS2MDSAusplit notification.
type ausplitSender struct {
	fsid  uint64
	self  uint64
	addr  *ring.AddrTable
	trans transport.Transport
}

func (s *ausplitSender) SendAusplit(site, puuid uint64, itbs [][]byte) error {
	ep, ok := s.addr.Lookup(s.fsid, site)
	if !ok {
		return errors.NewR2Error(nil, errors.KindNoEntry, "no address for destination site")
	}
	conn, err := s.trans.Dial(ep.Addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := transport.Message{
		Header: wire.NewRequest(wire.CmdMDS2MDSAusplit, s.self, site, 0, 0),
		Body:   wire.EncodeSections(itbs...),
	}
	msg.Header.Flags |= wire.FlagOneWay
	msg.Header.Arg0 = puuid
	return conn.Send(msg)
}

// dhBitmapSink implements txg.BitmapGrewSink by forwarding into the dh
// manager's bc_delta queue — a fresh ITB growing a directory's bitmap
// needs its existence bit flipped the same way an explicit write does.
type dhBitmapSink struct {
	dh   *dh.Manager
	self uint64
}

func (s *dhBitmapSink) BitmapGrew(puuid, itbid uint64) {
	s.dh.QueueDelta(dh.Delta{SiteID: s.self, UUID: puuid, ITBID: itbid})
}

// encodeDHEToMDU and decodeDHEFromMDU pack/unpack a DHE's salt and ring
// group into the opaque MDU blob a GDT entry's ITE carries, since the GDT
// is modeled as an ordinary CBHT-resident directory rather than a bespoke
// structure.
func encodeDHEToMDU(d dh.DHE) []byte {
	buf := make([]byte, 13)
	binary.LittleEndian.PutUint64(buf[0:8], d.Salt)
	binary.LittleEndian.PutUint32(buf[8:12], d.RingGroup)
	if d.GDTBitmap {
		buf[12] = 1
	}
	return buf
}

func decodeDHEFromMDU(uuid uint64, mdu []byte) (dh.DHE, error) {
	if len(mdu) < 13 {
		return dh.DHE{}, errors.NewDHError(nil, errors.KindCorrupt, "gdt entry mdu truncated")
	}
	return dh.DHE{
		UUID:      uuid,
		Salt:      binary.LittleEndian.Uint64(mdu[0:8]),
		RingGroup: binary.LittleEndian.Uint32(mdu[8:12]),
		GDTBitmap: mdu[12] != 0,
	}, nil
}
