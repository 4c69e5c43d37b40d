package mbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC16KnownValues(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want uint16
	}{
		{"read holding request body", []byte{0x01, 0x03, 0x12, 0x34, 0x00, 0x04}, 0xBF00},
		{"write holding request body", []byte{0x01, 0x06, 0x21, 0x43, 0x56, 0x78}, 0xA04D},
		{"read holding reply body", []byte{0x01, 0x03, 0x08, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07}, 0xA693},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, CRC16(c.data))
		})
	}
}

func TestVerifyCRC16BigEndianTrailer(t *testing.T) {
	// A full scenario-1 reply: body plus its trailer written big-endian,
	// matching what dispatchReadHolding actually produces.
	frame := []byte{0x01, 0x03, 0x08, 0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0xA6, 0x93}
	assert.True(t, VerifyCRC16(frame))

	corrupted := append([]byte{}, frame...)
	corrupted[len(corrupted)-1] ^= 0xFF
	assert.False(t, VerifyCRC16(corrupted))
}

func TestVerifyCRC16TooShort(t *testing.T) {
	assert.False(t, VerifyCRC16(nil))
	assert.False(t, VerifyCRC16([]byte{0x01}))
}
