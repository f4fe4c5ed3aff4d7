package kvstore

// Compressed payloads carry a two-byte marker so the reader can tell them
// from raw bytes. Absent marker means raw.
var rleMarker = [2]byte{0xAB, 0xCD}

// rleEncode produces the marked form unconditionally: marker followed by
// (count, value) pairs with runs up to 255.
func rleEncode(data []byte) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, rleMarker[0], rleMarker[1])
	for i := 0; i < len(data); {
		run := 1
		for i+run < len(data) && data[i+run] == data[i] && run < 255 {
			run++
		}
		out = append(out, byte(run), data[i])
		i += run
	}
	return out
}

// rleCompress encodes data, returning nil when the encoded form is not
// strictly smaller, in which case the writer stores raw bytes.
func rleCompress(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	out := rleEncode(data)
	if len(out) >= len(data) {
		return nil
	}
	return out
}

// rleIsCompressed reports whether a stored payload carries the marker.
func rleIsCompressed(data []byte) bool {
	return len(data) >= 2 && data[0] == rleMarker[0] && data[1] == rleMarker[1]
}

// rleDecompress inflates a marked payload.
func rleDecompress(data []byte) ([]byte, error) {
	if !rleIsCompressed(data) {
		return nil, ErrInvalidState
	}
	body := data[2:]
	if len(body)%2 != 0 {
		return nil, ErrInvalidState
	}
	var out []byte
	for i := 0; i < len(body); i += 2 {
		count := int(body[i])
		if count == 0 {
			return nil, ErrInvalidState
		}
		for j := 0; j < count; j++ {
			out = append(out, body[i+1])
		}
	}
	return out, nil
}
