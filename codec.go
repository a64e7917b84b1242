package sealfs

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// Record layout per layer, little-endian:
//
//	IV (IVSize) ‖ ciphertext ‖ tag (TagSize)
//
// The authenticated plaintext of each layer is a frame:
//
//	payload length (uint32) ‖ payload ‖ random padding
//
// so padding can be stripped exactly on read. This is a closed-world
// protocol between this process's writer and reader: the record does not
// describe its own layer count or key, the caller already knows both.

// recordMinSize is the smallest well-formed single-layer record.
const recordMinSize = IVSize + 4 + TagSize

// Codec seals plaintext into encryption records and opens them back.
type Codec struct {
	provider CipherProvider
	padding  PaddingConfig
	logger   *zap.Logger
}

// NewCodec creates a codec using the provider's primitives.
func NewCodec(provider CipherProvider, padding PaddingConfig, logger *zap.Logger) *Codec {
	return &Codec{provider: provider, padding: padding, logger: logger}
}

// paddingAmount draws a random padding size within the configured bounds.
func (c *Codec) paddingAmount() (int, error) {
	if c.padding.MaxPadding <= 0 {
		return 0, nil
	}
	span := c.padding.MaxPadding - c.padding.MinPadding + 1
	n, err := c.randomIntn(span)
	if err != nil {
		return 0, err
	}
	return c.padding.MinPadding + n, nil
}

// randomIntn returns a uniform-enough value in [0, n) from the CSPRNG.
func (c *Codec) randomIntn(n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	raw, err := c.provider.RandomBytes(4)
	if err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(raw) % uint32(n)), nil
}

// sealLayer produces one IV‖ciphertext‖tag record over the framed payload.
func (c *Codec) sealLayer(key, payload []byte, pad int) ([]byte, error) {
	frame := make([]byte, 4+len(payload)+pad)
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if pad > 0 {
		padding, err := c.provider.RandomBytes(pad)
		if err != nil {
			c.provider.Erase(frame)
			return nil, err
		}
		copy(frame[4+len(payload):], padding)
	}

	iv, err := c.provider.RandomBytes(IVSize)
	if err != nil {
		c.provider.Erase(frame)
		return nil, err
	}

	ciphertext, err := c.provider.Seal(key, iv, frame)
	c.provider.Erase(frame)
	if err != nil {
		return nil, &CryptoError{Op: "seal", Message: err.Error(), Err: err}
	}

	record := make([]byte, 0, IVSize+len(ciphertext))
	record = append(record, iv...)
	record = append(record, ciphertext...)
	return record, nil
}

// Seal encrypts plaintext into a record of the requested layer count. The
// innermost layer uses the caller's key; every additional layer uses a
// fresh ephemeral key that is erased before Seal returns, so a multi-layer
// record is unrecoverable by construction. Callers that need to read the
// data back must pass layers == 1.
func (c *Codec) Seal(plaintext, key []byte, layers int) ([]byte, error) {
	if layers < 1 {
		return nil, &ValidationError{Field: "layers", Value: layers, Message: "at least one layer is required"}
	}

	pad, err := c.paddingAmount()
	if err != nil {
		return nil, err
	}
	record, err := c.sealLayer(key, plaintext, pad)
	if err != nil {
		return nil, err
	}

	for layer := 2; layer <= layers; layer++ {
		ephemeral, err := c.provider.RandomBytes(KeySize)
		if err != nil {
			c.provider.Erase(record)
			return nil, err
		}

		noise := 0
		if c.padding.LayerNoise {
			noise, err = c.paddingAmount()
			if err == nil && noise == 0 {
				// Noise between layers defaults to a small nonzero
				// amount when padding bounds are unset.
				noise, err = c.randomIntn(64)
			}
			if err != nil {
				c.provider.Erase(ephemeral)
				c.provider.Erase(record)
				return nil, err
			}
		}

		next, err := c.sealLayer(ephemeral, record, noise)
		c.provider.Erase(ephemeral)
		c.provider.Erase(record)
		if err != nil {
			return nil, &CryptoError{Op: "seal", Layer: layer, Message: err.Error(), Err: err}
		}
		record = next
	}

	return record, nil
}

// SealForReadBack encrypts with exactly one retained-key layer, the only
// configuration that round-trips through Open.
func (c *Codec) SealForReadBack(plaintext, key []byte) ([]byte, error) {
	return c.Seal(plaintext, key, 1)
}

// Open peels a single-layer record, authenticating before returning any
// plaintext. Truncated or tampered records fail with ErrAuthFailed or
// ErrInvalidRecord; partially decrypted data is never returned.
func (c *Codec) Open(record, key []byte) ([]byte, error) {
	if len(record) < recordMinSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidRecord, len(record))
	}

	iv := record[:IVSize]
	frame, err := c.provider.Open(key, iv, record[IVSize:])
	if err != nil {
		return nil, &CryptoError{Op: "open", Message: err.Error(), Err: err}
	}
	if len(frame) < 4 {
		c.provider.Erase(frame)
		return nil, ErrInvalidRecord
	}

	payloadLen := binary.LittleEndian.Uint32(frame)
	if int(payloadLen) > len(frame)-4 {
		c.provider.Erase(frame)
		return nil, ErrInvalidRecord
	}

	payload := make([]byte, payloadLen)
	copy(payload, frame[4:4+payloadLen])
	c.provider.Erase(frame)
	return payload, nil
}
