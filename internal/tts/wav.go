package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/loqalabs/loqa-satellite/internal/voiceerr"
)

const (
	wavHeaderLen  = 44
	wavScanLimit  = 256
	wavScanOffset = 12
)

var dataID = []byte("data")

// streamInfo is the format of the synthesized audio.
type streamInfo struct {
	Format     uint16
	Channels   int
	SampleRate int
	Bits       int
	// DataOffset is where the sample payload starts, counted from the
	// first header byte.
	DataOffset int
}

// readWAVHeader reads the canonical 44-byte header from r and locates the
// data subchunk, reading up to wavScanLimit bytes when metadata chunks push
// it further out. It returns the header info and any payload bytes read
// along with the header.
func readWAVHeader(r io.Reader, buf []byte) (streamInfo, []byte, error) {
	var info streamInfo
	if len(buf) < wavScanLimit {
		return info, nil, voiceerr.Resource("wav header", fmt.Errorf("header buffer of %d bytes", len(buf)))
	}
	n, err := io.ReadFull(r, buf[:wavHeaderLen])
	if err != nil {
		return info, nil, voiceerr.Protocol("wav header", fmt.Errorf("read %d of %d header bytes: %w", n, wavHeaderLen, err))
	}
	if !bytes.Equal(buf[:4], []byte("RIFF")) {
		return info, nil, voiceerr.Protocolf("wav header", "missing RIFF magic, got %q", buf[:4])
	}
	info.Format = binary.LittleEndian.Uint16(buf[20:])
	info.Channels = int(binary.LittleEndian.Uint16(buf[22:]))
	info.SampleRate = int(binary.LittleEndian.Uint32(buf[24:]))
	info.Bits = int(binary.LittleEndian.Uint16(buf[34:]))

	id := findData(buf[:n])
	if id < 0 {
		more, err := io.ReadFull(r, buf[n:wavScanLimit])
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return info, nil, voiceerr.Protocol("wav header", err)
		}
		n += more
		id = findData(buf[:n])
	}
	if id < 0 {
		return info, nil, voiceerr.Protocolf("wav header", "no data chunk in first %d bytes", n)
	}
	info.DataOffset = id + 8

	if info.Bits != 16 {
		return info, nil, voiceerr.Protocolf("wav header", "unsupported bit depth %d", info.Bits)
	}
	if info.Channels != 1 && info.Channels != 2 {
		return info, nil, voiceerr.Protocolf("wav header", "unsupported channel count %d", info.Channels)
	}
	if info.SampleRate <= 0 {
		return info, nil, voiceerr.Protocolf("wav header", "invalid sample rate %d", info.SampleRate)
	}

	if info.DataOffset >= n {
		if skip := int64(info.DataOffset - n); skip > 0 {
			if _, err := io.CopyN(io.Discard, r, skip); err != nil {
				return info, nil, voiceerr.Protocol("wav header", fmt.Errorf("skip to payload: %w", err))
			}
		}
		return info, nil, nil
	}
	return info, buf[info.DataOffset:n], nil
}

func findData(header []byte) int {
	if len(header) <= wavScanOffset {
		return -1
	}
	i := bytes.Index(header[wavScanOffset:], dataID)
	if i < 0 {
		return -1
	}
	return i + wavScanOffset
}
