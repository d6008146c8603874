// Package token encodes continuation tokens for chunked delivery.
//
// A token carries everything needed to serve the next chunk of an asset,
// so the server keeps no per-delivery state. The text form is
// base64url(cbor(body) || mac) where mac is a BLAKE3 keyed hash of the
// CBOR body.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
	"lukechampine.com/uint128"

	"github.com/cbrewster/assetstore/internal/metastore"
)

const (
	// Version is the token format written by Encode.
	Version = 1
	// KeySize is the length of a MAC key in bytes.
	KeySize = 32

	macSize = 32
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("token: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 16,
		MaxMapPairs:      16,
	}.DecMode()
	if err != nil {
		panic("token: CBOR decoder initialization failed: " + err.Error())
	}
}

// Token identifies the next chunk to serve for one asset.
type Token struct {
	AssetID         metastore.ID
	NextChunkIndex  uint32
	ChunkCount      uint32
	ContentEncoding metastore.ContentEncoding
}

// Next returns the token for the chunk after t, or false when t names
// the last chunk.
func (t Token) Next() (Token, bool) {
	if t.NextChunkIndex+1 >= t.ChunkCount {
		return Token{}, false
	}
	t.NextChunkIndex++
	return t, true
}

type body struct {
	Version         uint8  `cbor:"1,keyasint"`
	AssetID         []byte `cbor:"2,keyasint"`
	NextChunkIndex  uint32 `cbor:"3,keyasint"`
	ChunkCount      uint32 `cbor:"4,keyasint"`
	ContentEncoding string `cbor:"5,keyasint"`
}

// Codec signs and verifies tokens with a fixed key.
type Codec struct {
	key [KeySize]byte
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("token key must be %d bytes, got %d", KeySize, len(key))
	}
	c := &Codec{}
	copy(c.key[:], key)
	return c, nil
}

// RandomKey returns a fresh key. Tokens signed with it do not survive a
// restart.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate token key: %w", err)
	}
	return key, nil
}

// ParseKey decodes a hex-encoded key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse token key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("parse token key: want %d hex characters, got %d", KeySize*2, len(s))
	}
	return key, nil
}

func (c *Codec) mac(data []byte) []byte {
	hasher, err := blake3.NewKeyed(c.key[:])
	if err != nil {
		panic("token: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	return hasher.Sum(nil)
}

// Encode returns the text form of t.
func (c *Codec) Encode(t Token) (string, error) {
	id := make([]byte, 16)
	t.AssetID.PutBytesBE(id)

	data, err := encMode.Marshal(body{
		Version:         Version,
		AssetID:         id,
		NextChunkIndex:  t.NextChunkIndex,
		ChunkCount:      t.ChunkCount,
		ContentEncoding: t.ContentEncoding.String(),
	})
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString(append(data, c.mac(data)...)), nil
}

// Decode verifies and parses a token produced by Encode. Every failure
// matches metastore.ErrInvalidToken.
func (c *Codec) Decode(s string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", metastore.ErrInvalidToken, err)
	}
	if len(raw) <= macSize {
		return Token{}, fmt.Errorf("%w: too short", metastore.ErrInvalidToken)
	}

	data, sum := raw[:len(raw)-macSize], raw[len(raw)-macSize:]
	if subtle.ConstantTimeCompare(sum, c.mac(data)) != 1 {
		return Token{}, fmt.Errorf("%w: bad signature", metastore.ErrInvalidToken)
	}

	var b body
	if err := decMode.Unmarshal(data, &b); err != nil {
		return Token{}, fmt.Errorf("%w: %v", metastore.ErrInvalidToken, err)
	}
	if b.Version != Version {
		return Token{}, fmt.Errorf("%w: unsupported version %d", metastore.ErrInvalidToken, b.Version)
	}
	if len(b.AssetID) != 16 {
		return Token{}, fmt.Errorf("%w: bad asset id", metastore.ErrInvalidToken)
	}
	if b.NextChunkIndex >= b.ChunkCount {
		return Token{}, fmt.Errorf("%w: chunk %d of %d", metastore.ErrInvalidToken, b.NextChunkIndex, b.ChunkCount)
	}
	encoding, err := metastore.ParseContentEncoding(b.ContentEncoding)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", metastore.ErrInvalidToken, err)
	}

	return Token{
		AssetID:         uint128.FromBytesBE(b.AssetID),
		NextChunkIndex:  b.NextChunkIndex,
		ChunkCount:      b.ChunkCount,
		ContentEncoding: encoding,
	}, nil
}
