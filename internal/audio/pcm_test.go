package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func pcmConstant(sample int16, n int) []byte {
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(sample))
	}
	return out
}

func TestRMSEnergySilenceIsZero(t *testing.T) {
	if got := RMSEnergy(pcmConstant(0, 480)); got != 0 {
		t.Fatalf("RMSEnergy(silence) = %v, want 0", got)
	}
}

func TestRMSEnergyFullScale(t *testing.T) {
	got := RMSEnergy(pcmConstant(math.MaxInt16, 480))
	if got < 0.99 || got > 1.0 {
		t.Fatalf("RMSEnergy(full scale) = %v, want ~1.0", got)
	}
}

func TestRMSEnergyEmptyFrame(t *testing.T) {
	if got := RMSEnergy(nil); got != 0 {
		t.Fatalf("RMSEnergy(nil) = %v, want 0", got)
	}
}

func TestEncodeWAVPCM16LE(t *testing.T) {
	pcm := pcmConstant(1000, 160)
	wav, err := EncodeWAVPCM16LE(pcm, 16000)
	if err != nil {
		t.Fatalf("EncodeWAVPCM16LE() error = %v", err)
	}
	if len(wav) != 44+len(pcm) {
		t.Fatalf("wav length = %d, want %d", len(wav), 44+len(pcm))
	}
	if string(wav[:4]) != "RIFF" || string(wav[8:12]) != "WAVE" {
		t.Fatalf("missing RIFF/WAVE markers")
	}
	if rate := binary.LittleEndian.Uint32(wav[24:28]); rate != 16000 {
		t.Fatalf("sample rate = %d, want 16000", rate)
	}
}

func TestEncodeWAVRejectsBadSampleRate(t *testing.T) {
	if _, err := EncodeWAVPCM16LE(pcmConstant(0, 16), 0); err == nil {
		t.Fatalf("zero sample rate accepted")
	}
}
