// Package token implements the opaque continuation tokens handed to callers
// for list pagination and multipart-upload sessions.
//
// A token is base64url (no padding) over a version byte and a payload. Plain
// tokens carry JSON followed by a CRC-32 of that JSON, which catches
// truncation and accidental edits but is not an integrity check. Sealed tokens
// (see NewCodec) are authenticated and encrypted.
package token

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrDecode is returned for any token this package did not produce.
var ErrDecode = errors.New("token: malformed continuation token")

const (
	versionPlain  byte = 1
	versionSealed byte = 2

	crcSize = 4
)

var encoding = base64.RawURLEncoding

// Codec encodes and decodes tokens. The zero value and a nil *Codec produce
// plain tokens.
type Codec struct {
	sealer *sealer
}

var plain = &Codec{}

// Encode serializes state with the plain codec.
func Encode(state map[string]any) (string, error) {
	return plain.Encode(state)
}

// Decode is the inverse of Encode.
func Decode(tok string) (map[string]any, error) {
	return plain.Decode(tok)
}

// Sealed reports whether tokens from c are encrypted and authenticated.
func (c *Codec) Sealed() bool {
	return c != nil && c.sealer != nil
}

// Encode serializes an attribute map.
func (c *Codec) Encode(state map[string]any) (string, error) {
	return c.Marshal(state)
}

// Decode deserializes a token produced by Encode.
func (c *Codec) Decode(tok string) (map[string]any, error) {
	var state map[string]any
	if err := c.Unmarshal(tok, &state); err != nil {
		return nil, err
	}
	return state, nil
}

// Marshal serializes any JSON-encodable value into a token.
func (c *Codec) Marshal(v any) (string, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("token: encoding state: %w", err)
	}

	if c.Sealed() {
		sealed, err := c.sealer.seal(versionSealed, body)
		if err != nil {
			return "", err
		}
		return encoding.EncodeToString(append([]byte{versionSealed}, sealed...)), nil
	}

	buf := make([]byte, 0, 1+len(body)+crcSize)
	buf = append(buf, versionPlain)
	buf = append(buf, body...)
	buf = binary.BigEndian.AppendUint32(buf, crc32.ChecksumIEEE(body))
	return encoding.EncodeToString(buf), nil
}

// Unmarshal decodes tok into v. Every failure wraps ErrDecode.
func (c *Codec) Unmarshal(tok string, v any) error {
	if tok == "" {
		return fmt.Errorf("%w: empty", ErrDecode)
	}
	raw, err := encoding.DecodeString(tok)
	if err != nil || len(raw) < 1 {
		return fmt.Errorf("%w: not base64url", ErrDecode)
	}

	var body []byte
	switch raw[0] {
	case versionPlain:
		if c.Sealed() {
			return fmt.Errorf("%w: unsealed token rejected", ErrDecode)
		}
		payload := raw[1:]
		if len(payload) < crcSize {
			return fmt.Errorf("%w: truncated", ErrDecode)
		}
		body = payload[:len(payload)-crcSize]
		sum := binary.BigEndian.Uint32(payload[len(payload)-crcSize:])
		if crc32.ChecksumIEEE(body) != sum {
			return fmt.Errorf("%w: checksum mismatch", ErrDecode)
		}
	case versionSealed:
		if !c.Sealed() {
			return fmt.Errorf("%w: sealed token without key", ErrDecode)
		}
		body, err = c.sealer.open(versionSealed, raw[1:])
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown version %d", ErrDecode, raw[0])
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: trailing data", ErrDecode)
	}
	return nil
}
