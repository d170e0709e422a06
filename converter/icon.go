package converter

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	iconDirSize   = 6
	iconEntrySize = 16
	iconTypeIcon  = 1
)

type iconDir struct {
	Reserved uint16
	Type     uint16
	Count    uint16
}

type iconDirEntry struct {
	Width    uint8
	Height   uint8
	Colors   uint8
	Reserved uint8
	Planes   uint16
	Bits     uint16
	Size     uint32
	Offset   uint32
}

// Entry is one image declared in an ICO directory.
type Entry struct {
	Width  int
	Height int
	Bits   int
	Size   int
	Offset int
}

// Header is the parsed directory of an ICO file.
type Header struct {
	Entries []Entry
}

// Inspect parses the ICONDIR and its entries from r.
// A width or height byte of 0 means 256.
func Inspect(r io.Reader) (Header, error) {
	var dir iconDir
	if err := binary.Read(r, binary.LittleEndian, &dir); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidIcon, err)
	}
	if dir.Reserved != 0 || dir.Type != iconTypeIcon || dir.Count == 0 {
		return Header{}, fmt.Errorf("%w: bad directory (type %d, count %d)", ErrInvalidIcon, dir.Type, dir.Count)
	}

	minOffset := iconDirSize + int(dir.Count)*iconEntrySize
	h := Header{Entries: make([]Entry, 0, dir.Count)}
	for i := 0; i < int(dir.Count); i++ {
		var e iconDirEntry
		if err := binary.Read(r, binary.LittleEndian, &e); err != nil {
			return Header{}, fmt.Errorf("%w: entry %d: %v", ErrInvalidIcon, i, err)
		}
		if int(e.Offset) < minOffset || e.Size == 0 {
			return Header{}, fmt.Errorf("%w: entry %d points outside the data", ErrInvalidIcon, i)
		}
		h.Entries = append(h.Entries, Entry{
			Width:  iconEdge(e.Width),
			Height: iconEdge(e.Height),
			Bits:   int(e.Bits),
			Size:   int(e.Size),
			Offset: int(e.Offset),
		})
	}
	return h, nil
}

// Payload returns the raw image bytes of entry i within data.
func (h Header) Payload(data []byte, i int) ([]byte, error) {
	if i < 0 || i >= len(h.Entries) {
		return nil, fmt.Errorf("%w: no entry %d", ErrInvalidIcon, i)
	}
	e := h.Entries[i]
	end := e.Offset + e.Size
	if end > len(data) {
		return nil, fmt.Errorf("%w: entry %d truncated", ErrInvalidIcon, i)
	}
	return data[e.Offset:end], nil
}

func iconEdge(b uint8) int {
	if b == 0 {
		return 256
	}
	return int(b)
}
