package imgproc

import "encoding/binary"

// JPEGDimensions walks the marker stream of a JPEG and returns the width and
// height declared by the first SOF0/SOF1/SOF2 segment. It does not decode
// pixel data, so it is safe to run on the encoder output as a cheap sanity
// check. Returns ok=false for anything that is not a parsable JPEG.
func JPEGDimensions(data []byte) (width, height int, ok bool) {
	// SOI must open the stream.
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return 0, 0, false
	}

	i := 2
	for i+1 < len(data) {
		if data[i] != 0xFF {
			return 0, 0, false
		}
		// Fill bytes: consecutive 0xFF before a marker are legal padding.
		for i+1 < len(data) && data[i+1] == 0xFF {
			i++
		}
		if i+1 >= len(data) {
			return 0, 0, false
		}
		marker := data[i+1]
		i += 2

		switch {
		case marker == 0xD8 || marker == 0xD9 || marker == 0x01 ||
			(marker >= 0xD0 && marker <= 0xD7):
			// Standalone markers carry no length field.
			continue
		case marker == 0xC0 || marker == 0xC1 || marker == 0xC2:
			// SOF segment: length(2) precision(1) height(2) width(2),
			// all big-endian.
			if i+7 > len(data) {
				return 0, 0, false
			}
			h := int(binary.BigEndian.Uint16(data[i+3 : i+5]))
			w := int(binary.BigEndian.Uint16(data[i+5 : i+7]))
			if w == 0 || h == 0 {
				return 0, 0, false
			}
			return w, h, true
		default:
			if i+2 > len(data) {
				return 0, 0, false
			}
			segLen := int(binary.BigEndian.Uint16(data[i : i+2]))
			if segLen < 2 {
				return 0, 0, false
			}
			i += segLen
		}
	}
	return 0, 0, false
}
