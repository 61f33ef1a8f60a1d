package compressors

import "io"

// NoneCompressor passes data through unchanged.
type NoneCompressor struct{}

func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

func (c *NoneCompressor) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

// Extension is empty, uncompressed output keeps the format extension only.
func (c *NoneCompressor) Extension() string {
	return ""
}

func (c *NoneCompressor) DefaultLevel() int {
	return 0
}
