package frame

import "testing"

func TestNewI420_PlaneSizes(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantY, wantUV int
	}{
		{"even dimensions", 640, 480, 640 * 480, 320 * 240},
		{"odd width", 641, 480, 641 * 480, 321 * 240},
		{"odd height", 640, 481, 640 * 481, 320 * 241},
		{"tiny", 2, 2, 4, 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := NewI420(tc.width, tc.height)
			if len(f.Data) != 3 {
				t.Fatalf("plane count = %d, want 3", len(f.Data))
			}
			if len(f.Data[0]) != tc.wantY {
				t.Errorf("Y plane size = %d, want %d", len(f.Data[0]), tc.wantY)
			}
			if len(f.Data[1]) != tc.wantUV || len(f.Data[2]) != tc.wantUV {
				t.Errorf("chroma plane sizes = %d/%d, want %d", len(f.Data[1]), len(f.Data[2]), tc.wantUV)
			}
		})
	}
}

func TestNewBlack_IsBlack(t *testing.T) {
	f := NewBlack(16, 16)
	for i, b := range f.Data[0] {
		if b != 16 {
			t.Fatalf("Y[%d] = %d, want 16", i, b)
		}
	}
	for _, plane := range f.Data[1:] {
		for i, b := range plane {
			if b != 128 {
				t.Fatalf("chroma[%d] = %d, want 128", i, b)
			}
		}
	}
}

func TestVideoClone_Independent(t *testing.T) {
	f := NewI420(4, 4)
	f.Data[0][0] = 42
	c := f.Clone()
	c.Data[0][0] = 7
	if f.Data[0][0] != 42 {
		t.Error("clone shares Y plane with original")
	}
}

func TestNewSilence_Zeroed(t *testing.T) {
	f := NewSilence(48000, 2, 480)
	if f.SampleCount != 480 {
		t.Errorf("SampleCount = %d, want 480", f.SampleCount)
	}
	if len(f.Samples) != 480*2*2 {
		t.Errorf("buffer size = %d, want %d", len(f.Samples), 480*2*2)
	}
	for i, b := range f.Samples {
		if b != 0 {
			t.Fatalf("Samples[%d] = %d, want 0", i, b)
		}
	}
}

func TestAudioS16RoundTrip(t *testing.T) {
	f := NewAudioS16(48000, 1, 4)
	in := []int16{0, -1, 32767, -32768}
	f.PutS16(in)
	out := f.S16()
	if len(out) != len(in) {
		t.Fatalf("decoded %d samples, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("sample %d = %d, want %d", i, out[i], in[i])
		}
	}
}
