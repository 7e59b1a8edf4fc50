package cbht

import "hash/fnv"

// Notifier lets a Table report the two async notifications a split can
// produce (§4.5): ITBs that now belong to a different MDS per the ring
// (ausplit), and newly created itbids that grow a directory's existence
// bitmap (feeding internal/dh's bc_delta queue, aubitmap).
type Notifier interface {
	// Owner resolves which site should hold (puuid, itbid) per the
	// current ring. foreign is false when the local node is the owner,
	// in which case site is meaningless.
	Owner(puuid, itbid uint64) (site uint64, foreign bool)
	// NotifyForeignITBs hands off itbs (already unlinked from this
	// table) that belong to site, per the ring, after a split moved them
	// into the sibling bucket.
	NotifyForeignITBs(site uint64, puuid uint64, itbs []*ITB)
	// BitmapGrew reports that itbid was just created for puuid — the
	// moment its existence bit should be set.
	BitmapGrew(puuid, itbid uint64)
}

// hashOf computes H(puuid, itbid, salt) for bucket placement (§4.4 search
// pseudocode), the same fnv64a-combine-fields approach internal/ring uses
// for consistency across the metadata plane's hash functions.
func hashOf(puuid, itbid, salt uint64) uint64 {
	h := fnv.New64a()
	var b [8]byte
	for _, v := range [3]uint64{puuid, itbid, salt} {
		for i := 0; i < 8; i++ {
			b[i] = byte(v >> (8 * i))
		}
		h.Write(b[:])
	}
	return h.Sum64()
}
