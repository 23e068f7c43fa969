package yenc

import (
	"bytes"
	"fmt"
	"hash/crc32"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// encodeLine yEnc-encodes raw into a single line, escaping bytes that would
// land on critical values (NUL, LF, CR, '=') the way a real encoder does.
func encodeLine(raw []byte) []byte {
	var out bytes.Buffer
	for _, b := range raw {
		v := b + 42
		switch v {
		case 0x00, 0x0A, 0x0D, '=':
			out.WriteByte(escapeByte)
			out.WriteByte(v + 64)
		default:
			out.WriteByte(v)
		}
	}
	return out.Bytes()
}

func buildArticle(t *testing.T, name string, payload []byte) string {
	t.Helper()
	crc := crc32.ChecksumIEEE(payload)
	var sb strings.Builder
	fmt.Fprintf(&sb, "=ybegin line=128 size=%d name=%s\r\n", len(payload), name)
	sb.Write(encodeLine(payload))
	sb.WriteString("\r\n")
	fmt.Fprintf(&sb, "=yend size=%d crc32=%08x\r\n", len(payload), crc)
	return sb.String()
}

func TestDecodeRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog 0123456789")
	article := buildArticle(t, "movie.rar", payload)

	got, err := Decode(strings.NewReader(article))
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.False(t, got.CRCMismatch)
	assert.Equal(t, "movie.rar", got.Header.Name)
}

func TestDecodeCRCMismatchStillReturnsData(t *testing.T) {
	payload := []byte("payload bytes")
	article := strings.Replace(buildArticle(t, "movie.rar", payload), fmt.Sprintf("%08x", crc32.ChecksumIEEE(payload)), "deadbeef", 1)

	got, err := Decode(strings.NewReader(article))
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.True(t, got.CRCMismatch)
}

func TestDecodeMissingHeaderFails(t *testing.T) {
	_, err := Decode(strings.NewReader("just some text\r\nwith no yenc markers\r\n"))
	assert.ErrorIs(t, err, ErrMalformedArticle)
}

func TestDecodeMultipartUsesPCRC32(t *testing.T) {
	payload := []byte("segment two payload")
	crc := crc32.ChecksumIEEE(payload)
	var sb strings.Builder
	sb.WriteString("=ybegin part=2 total=3 line=128 size=1000 name=movie.rar\r\n")
	sb.WriteString("=ypart begin=101 end=200\r\n")
	sb.Write(encodeLine(payload))
	sb.WriteString("\r\n")
	fmt.Fprintf(&sb, "=yend size=%d pcrc32=%08x\r\n", len(payload), crc)

	got, err := Decode(strings.NewReader(sb.String()))
	require.NoError(t, err)
	assert.Equal(t, payload, got.Data)
	assert.False(t, got.CRCMismatch)
	assert.Equal(t, 2, got.Header.Part)
	assert.Equal(t, 3, got.Header.Total)
}
