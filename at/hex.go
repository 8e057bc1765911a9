package at

import (
	"encoding/hex"
	"errors"
)

var (
	ErrOddHexLength = errors.New("odd length hex payload")
	ErrInvalidHex   = errors.New("invalid hex payload")
)

// DecodeHexPairs decodes a hex-pair encoded HTTP content chunk and appends
// the resulting bytes to dst.
func DecodeHexPairs(dst, src []byte) ([]byte, error) {
	if len(src)%2 != 0 {
		return dst, ErrOddHexLength
	}
	start := len(dst)
	dst = append(dst, make([]byte, len(src)/2)...)
	if _, err := hex.Decode(dst[start:], src); err != nil {
		return dst[:start], ErrInvalidHex
	}
	return dst, nil
}
