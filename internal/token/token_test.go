package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStates() []map[string]any {
	return []map[string]any{
		{},
		{"upload_id": "abc-123", "provider": "aliyun"},
		{"size": float64(52428800), "chunk_size": float64(4194304), "done": false},
		{"parts": []any{map[string]any{"part_number": float64(1), "upload_url": "https://x/y?sig=a+b/c"}}},
		{"nested": map[string]any{"empty": nil, "list": []any{"a", float64(2), true}}},
		{"unicode": "文件/路径 ✓"},
	}
}

func TestRoundTrip(t *testing.T) {
	for _, s := range sampleStates() {
		tok, err := Encode(s)
		require.NoError(t, err)

		got, err := Decode(tok)
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestEncode_URLSafeAlphabet(t *testing.T) {
	for _, s := range sampleStates() {
		tok, err := Encode(s)
		require.NoError(t, err)
		assert.NotContains(t, tok, "=")
		assert.NotContains(t, tok, "+")
		assert.NotContains(t, tok, "/")
	}
}

func TestDecode_Rejects(t *testing.T) {
	good, err := Encode(map[string]any{"upload_id": "u-1", "size": float64(10)})
	require.NoError(t, err)

	cases := map[string]string{
		"empty":          "",
		"not base64":     "***",
		"truncated":      good[:len(good)-3],
		"json only":      encoding.EncodeToString([]byte(`{"a":1}`)),
		"unknown ver":    encoding.EncodeToString([]byte{9, '{', '}'}),
		"padded base64":  good + "==",
		"flipped middle": flip(good, len(good)/2),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tok)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
		})
	}
}

func TestTypedMarshal(t *testing.T) {
	type session struct {
		UploadID string `json:"upload_id"`
		Size     int64  `json:"size"`
	}
	tok, err := plain.Marshal(session{UploadID: "s1", Size: 1 << 40})
	require.NoError(t, err)

	var got session
	require.NoError(t, plain.Unmarshal(tok, &got))
	assert.Equal(t, session{UploadID: "s1", Size: 1 << 40}, got)
}

func TestSealedCodec(t *testing.T) {
	c, err := NewCodec("operator-secret")
	require.NoError(t, err)
	assert.True(t, c.Sealed())

	state := map[string]any{"upload_url": "https://upload.example/session/1"}
	tok, err := c.Encode(state)
	require.NoError(t, err)
	assert.NotContains(t, tok, "upload.example")

	got, err := c.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, state, got)

	t.Run("plain token rejected", func(t *testing.T) {
		plainTok, err := Encode(state)
		require.NoError(t, err)
		_, err = c.Decode(plainTok)
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("other secret rejected", func(t *testing.T) {
		other, err := NewCodec("different-secret")
		require.NoError(t, err)
		_, err = other.Decode(tok)
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("tampered rejected", func(t *testing.T) {
		_, err := c.Decode(flip(tok, len(tok)-2))
		assert.ErrorIs(t, err, ErrDecode)
	})

	t.Run("sealed token needs key", func(t *testing.T) {
		_, err := Decode(tok)
		assert.ErrorIs(t, err, ErrDecode)
	})
}

func TestNilCodecIsPlain(t *testing.T) {
	var c *Codec
	tok, err := c.Encode(map[string]any{"k": "v"})
	require.NoError(t, err)

	got, err := Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, "v", got["k"])
}

// flip replaces the character at i with a different base64url character.
func flip(s string, i int) string {
	repl := "A"
	if s[i] == 'A' {
		repl = "B"
	}
	return s[:i] + repl + s[i+1:]
}
