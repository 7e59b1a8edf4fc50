package cbht

import "testing"

func TestEncodeDecodeITBRoundTrip(t *testing.T) {
	itb := NewITB(7, 99, 12345, 2)
	itb.txg = 5
	itb.state = StateDirty
	itb.Insert(&ITE{Name: "foo", UUID: 1})
	itb.Insert(&ITE{Name: "bar", UUID: 2, MDU: []byte{1, 2, 3}})
	itb.Insert(&ITE{Name: "baz", UUID: 3, Symlink: true, LinkSource: "../elsewhere"})

	buf := itb.Encode()
	got, err := DecodeITB(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Puuid != itb.Puuid || got.ITBID != itb.ITBID || got.Hash != itb.Hash || got.txg != itb.txg || got.state != itb.state || got.Depth != itb.Depth {
		t.Fatalf("header mismatch: got %+v", got)
	}
	if got.Len() != 3 {
		t.Fatalf("want 3 entries, got %d", got.Len())
	}
	for _, name := range []string{"foo", "bar", "baz"} {
		want, _ := itb.Search(name)
		e, ok := got.Search(name)
		if !ok {
			t.Fatalf("missing entry %q after round trip", name)
		}
		if e.UUID != want.UUID || e.Symlink != want.Symlink || e.LinkSource != want.LinkSource || string(e.MDU) != string(want.MDU) {
			t.Fatalf("entry %q mismatch: got %+v want %+v", name, e, want)
		}
	}
}

func TestDecodeITBRejectsCorruptHeader(t *testing.T) {
	if _, err := DecodeITB([]byte{0, 0}); err == nil {
		t.Fatalf("expected error decoding short buffer")
	}
}
