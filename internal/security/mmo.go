// Package security holds the key material helpers of the trust center:
// the Matyas-Meyer-Oseas hash, install code handling and link key
// import/export against the NCP key table.
package security

import (
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"zigbee-ncp-host/internal/ncp"
)

var (
	ErrInstallCodeLength = errors.New("security: install code must be 6, 8, 12 or 16 bytes plus CRC")
	ErrInstallCodeCRC    = errors.New("security: install code CRC mismatch")
)

// MMOHash returns the AES-128 Matyas-Meyer-Oseas hash of data.
func MMOHash(data []byte) ncp.Key {
	if len(data) >= 1<<13 {
		panic("security: MMO input too long")
	}
	msg := make([]byte, 0, len(data)+aes.BlockSize+2)
	msg = append(msg, data...)
	msg = append(msg, 0x80)
	for len(msg)%aes.BlockSize != aes.BlockSize-2 {
		msg = append(msg, 0x00)
	}
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(data)*8))

	var h ncp.Key
	var out [aes.BlockSize]byte
	for off := 0; off < len(msg); off += aes.BlockSize {
		block, _ := aes.NewCipher(h[:]) // key length is fixed at 16
		m := msg[off : off+aes.BlockSize]
		block.Encrypt(out[:], m)
		for i := range h {
			h[i] = out[i] ^ m[i]
		}
	}
	return h
}

// InstallCodeCRC computes CRC-16/X-25 over an install code.
func InstallCodeCRC(code []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range code {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0x8408
			} else {
				crc >>= 1
			}
		}
	}
	return ^crc
}

// InstallCodeKey validates an install code (CRC appended little endian) and
// derives the link key a joining device will use.
func InstallCodeKey(code []byte) (ncp.Key, error) {
	switch len(code) - 2 {
	case 6, 8, 12, 16:
	default:
		return ncp.Key{}, fmt.Errorf("%w: got %d bytes", ErrInstallCodeLength, len(code))
	}
	body := code[:len(code)-2]
	want := binary.LittleEndian.Uint16(code[len(code)-2:])
	if got := InstallCodeCRC(body); got != want {
		return ncp.Key{}, fmt.Errorf("%w: computed 0x%04X, code carries 0x%04X", ErrInstallCodeCRC, got, want)
	}
	return MMOHash(code), nil
}

// RandomKey returns a key from crypto/rand.
func RandomKey() (ncp.Key, error) {
	var k ncp.Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("security: random key: %w", err)
	}
	return k, nil
}
