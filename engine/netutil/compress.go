package netutil

import (
	"github.com/golang/snappy"
	"github.com/pkg/errors"
)

// Compress compresses b in snappy block format
func Compress(b []byte) []byte {
	return snappy.Encode(nil, b)
}

// Decompress decompresses snappy block format data
func Decompress(c []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(c)
	if err != nil {
		return nil, errors.Wrap(err, "snappy decoded len")
	}
	if n > MAX_PAYLOAD_LENGTH {
		return nil, errors.Errorf("decompressed payload too large: %d", n)
	}
	b, err := snappy.Decode(nil, c)
	return b, errors.Wrap(err, "snappy decode")
}
