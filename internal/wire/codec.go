package wire

import "bytes"

// Frames are newline-delimited: one JSON object per line. The channel may
// deliver arbitrary byte chunks, so the decoder buffers until a full line is
// available and then yields zero or more complete frames per feed, in
// arrival order.

// Decoder reassembles frames from a chunked byte stream.
type Decoder struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every complete frame now available.
// Empty lines are skipped. The returned slices are copies and remain valid
// after the next Feed.
func (d *Decoder) Feed(chunk []byte) [][]byte {
	d.buf.Write(chunk)

	var frames [][]byte
	for {
		data := d.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			return frames
		}
		line := bytes.TrimRight(data[:idx], "\r")
		if len(line) > 0 {
			frames = append(frames, append([]byte(nil), line...))
		}
		d.buf.Next(idx + 1)
	}
}

// Pending returns the number of buffered bytes not yet forming a frame.
func (d *Decoder) Pending() int {
	return d.buf.Len()
}

// EncodeFrame serializes one outbound envelope into a complete frame,
// trailing delimiter included.
func EncodeFrame(kind string, id *int64, payload any) ([]byte, error) {
	blob, err := Encode(kind, id, payload)
	if err != nil {
		return nil, err
	}
	return append(blob, '\n'), nil
}
