package frame

import "testing"

func solid(w, h int, b, g, r byte) Frame {
	data := make([]byte, w*h*Channels)
	for i := 0; i < len(data); i += Channels {
		data[i], data[i+1], data[i+2] = b, g, r
	}
	return Frame{Data: data, Width: w, Height: h}
}

func TestMirror(t *testing.T) {
	f := Frame{Width: 2, Height: 1, Data: []byte{1, 2, 3, 4, 5, 6}}
	m := f.Mirror()
	want := []byte{4, 5, 6, 1, 2, 3}
	for i := range want {
		if m.Data[i] != want[i] {
			t.Fatalf("mirror = %v, want %v", m.Data, want)
		}
	}
	if f.Data[0] != 1 {
		t.Fatalf("mirror must not modify the source frame")
	}
}

func TestShiftSaturates(t *testing.T) {
	f := Frame{Width: 1, Height: 1, Data: []byte{10, 128, 250}}
	f.Shift(20)
	if f.Data[0] != 30 || f.Data[1] != 148 || f.Data[2] != 255 {
		t.Fatalf("unexpected brighten result %v", f.Data)
	}
	f.Shift(-100)
	if f.Data[0] != 0 || f.Data[1] != 48 || f.Data[2] != 155 {
		t.Fatalf("unexpected darken result %v", f.Data)
	}
}

func TestResize(t *testing.T) {
	f := solid(4, 2, 9, 8, 7)
	r := f.Resize(2, 1)
	if err := r.Validate(); err != nil {
		t.Fatalf("resized frame invalid: %v", err)
	}
	if r.Data[0] != 9 || r.Data[1] != 8 || r.Data[2] != 7 {
		t.Fatalf("unexpected pixel %v", r.Data[:3])
	}
	same := f.Resize(4, 2)
	if &same.Data[0] != &f.Data[0] {
		t.Fatalf("resize to identical size should not copy")
	}
}

func TestValidate(t *testing.T) {
	if err := (Frame{Width: 2, Height: 2, Data: make([]byte, 5)}).Validate(); err != ErrShape {
		t.Fatalf("expected ErrShape, got %v", err)
	}
}
