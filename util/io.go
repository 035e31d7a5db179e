package util

import (
	"io"

	"github.com/libp2p/go-msgio"
)

// Marshaler is implemented by the wire message types.
type Marshaler interface {
	Marshal() ([]byte, error)
}

// Unmarshaler is implemented by the wire message types.
type Unmarshaler interface {
	Unmarshal([]byte) error
}

// DelimitedReader reads varint length prefixed messages from a stream.
type DelimitedReader struct {
	r msgio.Reader
}

func NewDelimitedReader(r io.Reader, maxSize int) *DelimitedReader {
	return &DelimitedReader{r: msgio.NewVarintReaderSize(r, maxSize)}
}

func (d *DelimitedReader) ReadMsg(m Unmarshaler) error {
	buf, err := d.r.ReadMsg()
	if err != nil {
		return err
	}
	err = m.Unmarshal(buf)
	d.r.ReleaseMsg(buf)
	return err
}

// Close releases the reader's internal buffers; it does not close the
// underlying stream.
func (d *DelimitedReader) Close() {
	d.r = nil
}

// DelimitedWriter writes varint length prefixed messages to a stream.
type DelimitedWriter struct {
	w msgio.Writer
}

func NewDelimitedWriter(w io.Writer) *DelimitedWriter {
	return &DelimitedWriter{w: msgio.NewVarintWriter(w)}
}

func (d *DelimitedWriter) WriteMsg(m Marshaler) error {
	buf, err := m.Marshal()
	if err != nil {
		return err
	}
	return d.w.WriteMsg(buf)
}
