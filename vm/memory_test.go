package vm

import (
	"errors"
	"math"
	"testing"
)

func TestAddressTranslation(t *testing.T) {
	v, _ := newTestVM(t, "HALT", Events{})
	for _, r := range []int{0, 1, 100, 4095} {
		p := v.ResidentToHost(r)
		if !v.IsStackHostAddr(p) || IsHeapAddr(p) {
			t.Errorf("resident %d -> 0x%X not a stack address", r, p)
		}
		if back := v.HostToResident(p); back != r {
			t.Errorf("round trip %d -> %d", r, back)
		}
	}
	if v.IsStackHostAddr(v.ResidentToHost(4096)) {
		t.Error("address past the stack reported as stack")
	}
	if p := v.NewObject(1); v.IsStackHostAddr(p) || !IsHeapAddr(p) {
		t.Errorf("heap address 0x%X misclassified", p)
	}
}

func TestHostReadWrite(t *testing.T) {
	v, _ := newTestVM(t, "HALT", Events{})
	stack := v.ResidentToHost(64)
	heap := v.NewObject(16)

	for _, p := range []uint64{stack, heap} {
		if err := v.WriteInt64(p, math.MinInt64); err != nil {
			t.Fatal(err)
		}
		if x, _ := v.ReadInt64(p); x != math.MinInt64 {
			t.Errorf("int64 at 0x%X = %d", p, x)
		}
		if err := v.WriteInt16(p, -2); err != nil {
			t.Fatal(err)
		}
		if x, _ := v.ReadInt16(p); x != -2 {
			t.Errorf("int16 at 0x%X = %d", p, x)
		}
		if err := v.WriteFloat64(p, 2.5); err != nil {
			t.Fatal(err)
		}
		if x, _ := v.ReadFloat64(p); x != 2.5 {
			t.Errorf("float64 at 0x%X = %g", p, x)
		}
		if err := v.WriteFloat32(p+8, -0.5); err != nil {
			t.Fatal(err)
		}
		if x, _ := v.ReadFloat32(p + 8); x != -0.5 {
			t.Errorf("float32 at 0x%X = %g", p+8, x)
		}
	}

	// Little-endian layout.
	if err := v.WriteInt32(stack, 0x01020304); err != nil {
		t.Fatal(err)
	}
	b, _ := v.ReadBytes(stack, 4)
	if b[0] != 4 || b[3] != 1 {
		t.Errorf("bytes = % X, want little-endian", b)
	}
	if x, _ := v.ReadStackInt32(64); x != 0x01020304 {
		t.Errorf("resident read = %X", x)
	}
}

func TestInvalidAddresses(t *testing.T) {
	v, _ := newTestVM(t, "HALT", Events{})
	heap := v.NewObject(4)

	for name, p := range map[string]uint64{
		"null":        0,
		"past stack":  v.ResidentToHost(4094),
		"past object": heap + 2,
		"unmapped":    12345,
	} {
		if _, err := v.ReadInt32(p); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("%s: err = %v, want ErrInvalidAddress", name, err)
		}
	}

	if _, err := v.ObjectRelease(heap); err != nil {
		t.Fatal(err)
	}
	if err := v.WriteInt8(heap, 1); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("write to freed object: %v", err)
	}
	if _, err := v.ReadStackInt8(-1); !errors.Is(err, ErrInvalidAddress) {
		t.Errorf("negative resident: %v", err)
	}
}

func TestStackStrings(t *testing.T) {
	v, _ := newTestVM(t, `.string s "hello"`+"\nHALT\n", Events{})
	s, err := v.ReadString(v.ResidentToHost(0))
	if err != nil || s != "hello" {
		t.Errorf("ReadString = %q, %v", s, err)
	}
	if s, err := v.ReadString(0); s != "" || err != nil {
		t.Errorf("ReadString(null) = %q, %v", s, err)
	}
}

func TestWriteCharsTruncates(t *testing.T) {
	buf := make([]byte, 8)
	writeChars(buf, "abcdef")
	want := []byte{'a', 0, 'b', 0, 'c', 0, 0, 0}
	for i := range want {
		if buf[i] != want[i] {
			t.Fatalf("buf = % X, want % X", buf, want)
		}
	}
}
