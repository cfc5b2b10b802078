package export

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"math"
)

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

// withPNGDensity inserts a pHYs chunk right after IHDR. Input that does not
// look like a PNG is returned unchanged.
func withPNGDensity(data []byte, dpi int) []byte {
	const ihdrEnd = 8 + 4 + 4 + 13 + 4
	if len(data) < ihdrEnd || !bytes.Equal(data[:8], pngSignature) || string(data[12:16]) != "IHDR" {
		return data
	}
	ppm := uint32(math.Round(float64(dpi) / 0.0254))

	chunk := make([]byte, 0, 21)
	chunk = binary.BigEndian.AppendUint32(chunk, 9)
	chunk = append(chunk, 'p', 'H', 'Y', 's')
	chunk = binary.BigEndian.AppendUint32(chunk, ppm)
	chunk = binary.BigEndian.AppendUint32(chunk, ppm)
	chunk = append(chunk, 1) // unit: meter
	chunk = binary.BigEndian.AppendUint32(chunk, crc32.ChecksumIEEE(chunk[4:]))

	out := make([]byte, 0, len(data)+len(chunk))
	out = append(out, data[:ihdrEnd]...)
	out = append(out, chunk...)
	return append(out, data[ihdrEnd:]...)
}

// withJFIFDensity adds a JFIF APP0 segment carrying the DPI unless one is
// already present.
func withJFIFDensity(data []byte, dpi int) []byte {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return data
	}
	if data[2] == 0xFF && data[3] == 0xE0 {
		return data
	}
	d := uint16(min(dpi, math.MaxUint16))
	seg := []byte{0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x01}
	seg = binary.BigEndian.AppendUint16(seg, d)
	seg = binary.BigEndian.AppendUint16(seg, d)
	seg = append(seg, 0x00, 0x00)

	out := make([]byte, 0, len(data)+len(seg))
	out = append(out, data[:2]...)
	out = append(out, seg...)
	return append(out, data[2:]...)
}

// readPNGDensity returns the DPI stored in a pHYs chunk, or 0.
func readPNGDensity(data []byte) int {
	if len(data) < 8 || !bytes.Equal(data[:8], pngSignature) {
		return 0
	}
	for off := 8; off+12 <= len(data); {
		n := int(binary.BigEndian.Uint32(data[off:]))
		typ := string(data[off+4 : off+8])
		if typ == "pHYs" && n == 9 && off+8+9 <= len(data) {
			ppm := binary.BigEndian.Uint32(data[off+8:])
			return int(math.Round(float64(ppm) * 0.0254))
		}
		off += 12 + n
	}
	return 0
}
