package audioio

import "testing"

func TestMulawRoundTrip(t *testing.T) {
	// Decoding a codeword then re-encoding its representative sample must
	// reproduce the codeword. 0x7F is the redundant "negative zero" code
	// that decodes to the same sample as 0xFF.
	for code := 0; code < 256; code++ {
		if code == 0x7F {
			continue
		}
		b := byte(code)
		got := EncodeMulawSample(DecodeMulawSample(b))
		if got != b {
			t.Errorf("round trip of %#02x = %#02x", b, got)
		}
	}
}

func TestMulawKnownValues(t *testing.T) {
	tests := []struct {
		sample int16
		code   byte
	}{
		{0, 0xFF},
		{8, 0xFE},
		{-8, 0x7E},
		{32635, 0x80},
		{-32635, 0x00},
	}

	for _, tt := range tests {
		if got := EncodeMulawSample(tt.sample); got != tt.code {
			t.Errorf("EncodeMulawSample(%d) = %#02x, want %#02x", tt.sample, got, tt.code)
		}
	}
}

func TestMulawClipping(t *testing.T) {
	// Samples beyond the clip threshold encode to the maximum magnitude code.
	if EncodeMulawSample(32767) != EncodeMulawSample(32635) {
		t.Error("positive overflow should clip")
	}
	if EncodeMulawSample(-32768) != EncodeMulawSample(-32635) {
		t.Error("negative overflow should clip")
	}
}

func TestMulawMonotonic(t *testing.T) {
	// Larger positive samples must never decode below smaller ones.
	prev := DecodeMulawSample(EncodeMulawSample(0))
	for s := int16(1); s < 32000; s += 37 {
		cur := DecodeMulawSample(EncodeMulawSample(s))
		if cur < prev {
			t.Fatalf("decode(encode(%d)) = %d < previous %d", s, cur, prev)
		}
		prev = cur
	}
}

func TestPCMToMulawResamples(t *testing.T) {
	// One second of 24kHz PCM16 becomes one second of 8kHz mulaw.
	pcm := make([]byte, 24000*2)
	out := PCMToMulaw(pcm, 24000)
	if len(out) != 8000 {
		t.Errorf("len = %d, want 8000", len(out))
	}

	// Silence stays silence.
	for i, b := range out {
		if b != 0xFF {
			t.Fatalf("byte %d = %#02x, want 0xFF (mulaw silence)", i, b)
		}
	}
}

func TestMulawToPCM(t *testing.T) {
	mulaw := make([]byte, 800)
	for i := range mulaw {
		mulaw[i] = 0xFF
	}
	pcm := MulawToPCM(mulaw, 16000)
	if len(pcm) != 800*2*2 {
		t.Errorf("len = %d, want %d", len(pcm), 800*2*2)
	}
}

func TestResampleBytes(t *testing.T) {
	data := SamplesToBytes([]int16{0, 100, 200, 300, 400, 500, 600, 700})
	out := ResampleBytes(data, 16000, 8000)
	if len(out) != len(data)/2 {
		t.Errorf("len = %d, want %d", len(out), len(data)/2)
	}
}

func TestBytesSamplesRoundTrip(t *testing.T) {
	samples := []int16{-32768, -1, 0, 1, 32767, 1234, -1234}
	got := BytesToSamples(SamplesToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("len = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}
