package payload

import (
	"crypto/aes"
	"errors"
	"fmt"

	"github.com/chmike/cmac-go"
)

// ErrTagMismatch is returned when a received payload fails authentication.
var ErrTagMismatch = errors.New("payload: authentication tag mismatch")

// Authenticator appends and checks a truncated AES-CMAC tag on payloads.
type Authenticator struct {
	key    []byte
	tagLen int
}

// NewAuthenticator accepts a 16, 24 or 32 byte AES key. tagLen is between 4 and 16.
func NewAuthenticator(key []byte, tagLen int) (*Authenticator, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("payload: AES key must be 16, 24 or 32 bytes, got %d", len(key))
	}
	if tagLen < 4 || tagLen > aes.BlockSize {
		return nil, fmt.Errorf("payload: tag length %d out of range [4,%d]", tagLen, aes.BlockSize)
	}
	return &Authenticator{key: append([]byte(nil), key...), tagLen: tagLen}, nil
}

// ParseKey decodes a hex AES key.
func ParseKey(s string) ([]byte, error) {
	key, err := ParseHex(s)
	if err != nil {
		return nil, err
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	}
	return nil, fmt.Errorf("payload: key must be 32, 48 or 64 hex characters")
}

func (a *Authenticator) TagLength() int { return a.tagLen }

// Tag returns the truncated CMAC of data.
func (a *Authenticator) Tag(data []byte) ([]byte, error) {
	cm, err := cmac.New(aes.NewCipher, a.key)
	if err != nil {
		return nil, err
	}
	cm.Write(data)
	return cm.Sum(nil)[:a.tagLen], nil
}

// Sign returns data followed by its tag.
func (a *Authenticator) Sign(data []byte) ([]byte, error) {
	tag, err := a.Tag(data)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+len(tag))
	out = append(out, data...)
	return append(out, tag...), nil
}

// Verify checks the trailing tag of signed and returns the data without it.
func (a *Authenticator) Verify(signed []byte) ([]byte, error) {
	if len(signed) < a.tagLen {
		return nil, fmt.Errorf("payload: %d bytes cannot hold a %d byte tag", len(signed), a.tagLen)
	}
	data, tag := signed[:len(signed)-a.tagLen], signed[len(signed)-a.tagLen:]
	want, err := a.Tag(data)
	if err != nil {
		return nil, err
	}
	if !cmac.Equal(tag, want) {
		return nil, ErrTagMismatch
	}
	return data, nil
}
