package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

// RMSEnergy computes the root-mean-square energy of a PCM16LE frame,
// normalized to [0,1]. A trailing odd byte is ignored.
func RMSEnergy(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(pcm[2*i:]))
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// wavHeaderSize is the fixed RIFF/fmt/data preamble for 16-bit mono PCM.
const wavHeaderSize = 44

// EncodeWAVPCM16LE wraps raw PCM16LE mono audio bytes in a WAV container.
func EncodeWAVPCM16LE(pcm []byte, sampleRate int) ([]byte, error) {
	hdr, err := wavHeader(len(pcm), sampleRate)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, wavHeaderSize+len(pcm))
	out = append(out, hdr...)
	return append(out, pcm...), nil
}

// WriteWAVPCM16LEFile writes raw PCM16LE mono audio bytes as a WAV file.
func WriteWAVPCM16LEFile(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return WriteWAVPCM16LETo(f, pcm, sampleRate)
}

// WriteWAVPCM16LETo writes raw PCM16LE mono audio bytes to out as a WAV stream.
func WriteWAVPCM16LETo(out io.Writer, pcm []byte, sampleRate int) error {
	hdr, err := wavHeader(len(pcm), sampleRate)
	if err != nil {
		return err
	}
	if _, err := out.Write(hdr); err != nil {
		return err
	}
	_, err = out.Write(pcm)
	return err
}

// wavHeader lays out the 44-byte preamble. The format is pinned to what the
// pipeline carries: 16-bit little-endian PCM, one channel.
func wavHeader(dataLen, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("audio: wav sample rate %d", sampleRate)
	}
	const blockAlign = 2 // one 16-bit sample per frame

	hdr := make([]byte, wavHeaderSize)
	copy(hdr[0:], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(wavHeaderSize-8+dataLen))
	copy(hdr[8:], "WAVE")
	copy(hdr[12:], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(hdr[20:], 1)  // PCM
	binary.LittleEndian.PutUint16(hdr[22:], 1)  // mono
	binary.LittleEndian.PutUint32(hdr[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:], 16) // bits per sample
	copy(hdr[36:], "data")
	binary.LittleEndian.PutUint32(hdr[40:], uint32(dataLen))
	return hdr, nil
}
