package storage

import "testing"

func TestMdiskEncodeDecodeRoundTrip(t *testing.T) {
	m := newMdisk()
	m.addRange(RangeRec{RangeID: 1, Begin: 0, End: 1<<20 - 1})
	m.addRange(RangeRec{RangeID: 2, Begin: 1 << 20, End: 2<<20 - 1})
	m.setMaster(3)

	decoded, err := decodeMdisk(m.encode())
	if err != nil {
		t.Fatalf("decodeMdisk: %v", err)
	}
	if decoded.master() != 3 {
		t.Fatalf("master = %d, want 3", decoded.master())
	}
	if got := decoded.rangeCount(); got != 2 {
		t.Fatalf("rangeCount = %d, want 2", got)
	}
	if rec, ok := decoded.lookup(1 << 20); !ok || rec.RangeID != 2 {
		t.Fatalf("lookup(2^20) = %+v, %v", rec, ok)
	}
}

func TestDecodeMdiskRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 12)
	if _, err := decodeMdisk(buf); err == nil {
		t.Fatal("expected error for zero magic")
	}
}

func TestDecodeMdiskRejectsTruncated(t *testing.T) {
	m := newMdisk()
	m.addRange(RangeRec{RangeID: 1, Begin: 0, End: 100})
	buf := m.encode()
	if _, err := decodeMdisk(buf[:len(buf)-5]); err == nil {
		t.Fatal("expected error for truncated range record")
	}
}
