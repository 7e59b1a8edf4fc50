package wire

// IndexFlag carries the CBHT search/insert request shaping described in
// §4.4: what kind of match is wanted, whether a miss should create, and
// what the reply should carry.
type IndexFlag uint32

const (
	IndexCreate  IndexFlag = 1 << iota // create on miss
	IndexSymlink                       // create-as-symlink on miss
	IndexUnlink                        // delete the matched entry
	IndexByITB                         // index by raw itb-id, not (puuid, name)
	WithMDU                            // reply carries an mdu payload
	WithLS                             // reply carries a link_source payload
	DirSDT                             // this is a sub-directory-table lookup
	Readdir                            // bulk readdir rather than single-entry
)

// Has reports whether all bits of want are set in f.
func (f IndexFlag) Has(want IndexFlag) bool {
	return f&want == want
}
