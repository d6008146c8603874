package token_test

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/shoenig/test/must"
	"lukechampine.com/uint128"

	"github.com/cbrewster/assetstore/internal/metastore"
	"github.com/cbrewster/assetstore/internal/token"
)

func newCodec(t *testing.T, fill byte) *token.Codec {
	codec, err := token.NewCodec(bytes.Repeat([]byte{fill}, token.KeySize))
	must.NoError(t, err)
	return codec
}

func TestRoundTrip(t *testing.T) {
	codec := newCodec(t, 1)

	for _, tok := range []token.Token{{
		AssetID:        uint128.From64(1),
		NextChunkIndex: 1,
		ChunkCount:     2,
	}, {
		AssetID:         uint128.Max,
		NextChunkIndex:  41,
		ChunkCount:      42,
		ContentEncoding: metastore.GZIP,
	}} {
		text, err := codec.Encode(tok)
		must.NoError(t, err)
		must.StrNotContains(t, text, "=")
		must.StrNotContains(t, text, "/")

		decoded, err := codec.Decode(text)
		must.NoError(t, err)
		must.Eq(t, tok, decoded)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	codec := newCodec(t, 1)
	tok := token.Token{AssetID: uint128.From64(7), NextChunkIndex: 2, ChunkCount: 3}

	a, err := codec.Encode(tok)
	must.NoError(t, err)
	b, err := codec.Encode(tok)
	must.NoError(t, err)
	must.Eq(t, a, b)
}

func TestDecodeRejects(t *testing.T) {
	codec := newCodec(t, 1)

	valid, err := codec.Encode(token.Token{AssetID: uint128.From64(7), NextChunkIndex: 1, ChunkCount: 3})
	must.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(valid)
	must.NoError(t, err)

	tampered := append([]byte{}, raw...)
	tampered[3] ^= 0xff

	otherKey, err := newCodec(t, 2).Encode(token.Token{AssetID: uint128.From64(7), NextChunkIndex: 1, ChunkCount: 3})
	must.NoError(t, err)

	exhausted, err := codec.Encode(token.Token{AssetID: uint128.From64(7), NextChunkIndex: 3, ChunkCount: 3})
	must.NoError(t, err)

	for name, text := range map[string]string{
		"empty":      "",
		"not base64": "!!!",
		"too short":  base64.RawURLEncoding.EncodeToString(raw[:10]),
		"tampered":   base64.RawURLEncoding.EncodeToString(tampered),
		"other key":  otherKey,
		"exhausted":  exhausted,
		"truncated":  valid[:len(valid)-2],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := codec.Decode(text)
			must.ErrorIs(t, err, metastore.ErrInvalidToken)
		})
	}
}

func TestNext(t *testing.T) {
	tok := token.Token{AssetID: uint128.From64(1), NextChunkIndex: 0, ChunkCount: 3}

	var indexes []uint32
	for {
		indexes = append(indexes, tok.NextChunkIndex)
		next, ok := tok.Next()
		if !ok {
			break
		}
		tok = next
	}
	must.Eq(t, []uint32{0, 1, 2}, indexes)
}

func TestKeys(t *testing.T) {
	key, err := token.RandomKey()
	must.NoError(t, err)
	must.Len(t, token.KeySize, key)

	parsed, err := token.ParseKey(strings.Repeat("ab", token.KeySize))
	must.NoError(t, err)
	must.Eq(t, bytes.Repeat([]byte{0xab}, token.KeySize), parsed)

	_, err = token.ParseKey("abcd")
	must.Error(t, err)
	_, err = token.ParseKey(strings.Repeat("zz", token.KeySize))
	must.Error(t, err)

	_, err = token.NewCodec([]byte("short"))
	must.Error(t, err)
}
