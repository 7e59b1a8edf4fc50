package wire

// Cmd is the command code carried in a Header, selecting both the target
// subsystem and the operation within it. The families mirror the table in
// §6: R2 membership, MDS-to-MDS async notifications, MDS-to-MDSL storage
// ops, and client-to-MDSL data ops (modeled here only as named constants
// since the data plane itself is out of scope).
type Cmd uint16

const (
	_ Cmd = iota

	// R2 membership & checkpoint (site -> R2).
	CmdR2Reg
	CmdR2Unreg
	CmdR2Update
	CmdR2Mkfs
	CmdR2HB
	CmdR2Bitmap  // MDS -> R2: flip gdt-bitmap bit. arg0=uuid, arg1=itbid
	CmdR2LGDT    // MDS -> R2: load GDT entry. arg0=site, arg1=fsid
	CmdR2LBGDT   // MDS -> R2: load bitmap slice. arg0=site, arg1=fsid, reserved=offset
	CmdR2Online  // site -> R2: dynamic ring membership. arg0=site, arg1=addr
	CmdR2Offline

	// MDS <-> MDS.
	CmdMDS2MDSAusplit    // migrate ITBs post-split. body=serialised ITB list
	CmdMDS2MDSAubitmap   // forward bitmap flip. arg0=uuid, arg1=itbid
	CmdMDS2MDSAubitmapR  // ack for Aubitmap
	CmdMDS2MDSLDH        // lookup directory hash entry. body=hvfs_index
	CmdMDS2MDSLB         // load bitmap slice. arg0=uuid, arg1=offset

	// MDS -> MDSL.
	CmdMDS2MDSLITB      // persist an ITB
	CmdMDS2MDSLBitmap   // persist a bitmap slice
	CmdMDS2MDSLWBTXG    // write a TXG's dirty pages
	CmdMDS2MDSLWData    // write data (out of scope payload, named only)
	CmdMDS2MDSLBTCommit // TXG fence (TXG_END)

	// Client -> MDSL (data plane, informational per §6).
	CmdCLT2MDSLRead
	CmdCLT2MDSLWrite
	CmdCLT2MDSLStatfs
)

func (c Cmd) String() string {
	switch c {
	case CmdR2Reg:
		return "R2.REG"
	case CmdR2Unreg:
		return "R2.UNREG"
	case CmdR2Update:
		return "R2.UPDATE"
	case CmdR2Mkfs:
		return "R2.MKFS"
	case CmdR2HB:
		return "R2.HB"
	case CmdR2Bitmap:
		return "R2.BITMAP"
	case CmdR2LGDT:
		return "R2.LGDT"
	case CmdR2LBGDT:
		return "R2.LBGDT"
	case CmdR2Online:
		return "R2.ONLINE"
	case CmdR2Offline:
		return "R2.OFFLINE"
	case CmdMDS2MDSAusplit:
		return "MDS2MDS.AUSPLIT"
	case CmdMDS2MDSAubitmap:
		return "MDS2MDS.AUBITMAP"
	case CmdMDS2MDSAubitmapR:
		return "MDS2MDS.AUBITMAP_R"
	case CmdMDS2MDSLDH:
		return "MDS2MDS.LDH"
	case CmdMDS2MDSLB:
		return "MDS2MDS.LB"
	case CmdMDS2MDSLITB:
		return "MDS2MDSL.ITB"
	case CmdMDS2MDSLBitmap:
		return "MDS2MDSL.BITMAP"
	case CmdMDS2MDSLWBTXG:
		return "MDS2MDSL.WBTXG"
	case CmdMDS2MDSLWData:
		return "MDS2MDSL.WDATA"
	case CmdMDS2MDSLBTCommit:
		return "MDS2MDSL.BTCOMMIT"
	case CmdCLT2MDSLRead:
		return "CLT2MDSL.READ"
	case CmdCLT2MDSLWrite:
		return "CLT2MDSL.WRITE"
	case CmdCLT2MDSLStatfs:
		return "CLT2MDSL.STATFS"
	default:
		return "UNKNOWN"
	}
}
