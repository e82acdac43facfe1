package speech

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

const wavHeaderScan = 4096

var errNotWAV = errors.New("not a RIFF/WAVE stream")

// WAVInfo describes the fmt chunk of a WAV stream and where its samples start.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	DataOffset    int
	DataSize      int
}

// RepairHeader rewrites the RIFF size and the data chunk size of the WAV file
// at path from its actual length. Recorders that stream WAV never go back to
// fill these in.
func RepairHeader(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	head := make([]byte, wavHeaderScan)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read wav header: %w", err)
	}
	head = head[:n]

	dataChunk, err := findChunk(head, "data")
	if err != nil {
		return err
	}
	if size < int64(dataChunk+8) || size > 1<<32-1 {
		return fmt.Errorf("wav file size %d out of range", size)
	}

	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], uint32(size-8))
	if _, err := f.WriteAt(word[:], 4); err != nil {
		return fmt.Errorf("write riff size: %w", err)
	}
	binary.LittleEndian.PutUint32(word[:], uint32(size-int64(dataChunk)-8))
	if _, err := f.WriteAt(word[:], int64(dataChunk)+4); err != nil {
		return fmt.Errorf("write data size: %w", err)
	}
	return nil
}

// InspectWAV parses the header of an in-memory WAV stream.
func InspectWAV(data []byte) (WAVInfo, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return WAVInfo{}, errNotWAV
	}

	var (
		info   WAVInfo
		gotFmt bool
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if body+16 > len(data) {
				return WAVInfo{}, fmt.Errorf("truncated fmt chunk")
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4:]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14:]))
			gotFmt = true
		case "data":
			if !gotFmt {
				return WAVInfo{}, fmt.Errorf("data chunk before fmt chunk")
			}
			info.DataOffset = body
			info.DataSize = len(data) - body
			if size < info.DataSize {
				info.DataSize = size
			}
			return info, nil
		}
		off = body + size + size&1
	}
	return WAVInfo{}, fmt.Errorf("wav stream has no data chunk")
}

// EncodeWAV wraps 16-bit little-endian PCM in a canonical 44-byte header.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	const bits = 16
	blockAlign := channels * bits / 8

	out := make([]byte, 44, 44+len(pcm))
	copy(out[0:], "RIFF")
	binary.LittleEndian.PutUint32(out[4:], uint32(36+len(pcm)))
	copy(out[8:], "WAVEfmt ")
	binary.LittleEndian.PutUint32(out[16:], 16)
	binary.LittleEndian.PutUint16(out[20:], 1)
	binary.LittleEndian.PutUint16(out[22:], uint16(channels))
	binary.LittleEndian.PutUint32(out[24:], uint32(sampleRate))
	binary.LittleEndian.PutUint32(out[28:], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(out[32:], uint16(blockAlign))
	binary.LittleEndian.PutUint16(out[34:], bits)
	copy(out[36:], "data")
	binary.LittleEndian.PutUint32(out[40:], uint32(len(pcm)))
	return append(out, pcm...)
}

func findChunk(head []byte, want string) (int, error) {
	if len(head) < 12 || string(head[0:4]) != "RIFF" || string(head[8:12]) != "WAVE" {
		return 0, errNotWAV
	}
	for off := 12; off+8 <= len(head); {
		if string(head[off:off+4]) == want {
			return off, nil
		}
		size := int(binary.LittleEndian.Uint32(head[off+4 : off+8]))
		off += 8 + size + size&1
	}
	return 0, fmt.Errorf("wav header has no %q chunk", want)
}
