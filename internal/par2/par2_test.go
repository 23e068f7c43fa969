package par2

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePacket(t *testing.T, buf *bytes.Buffer, ptype [16]byte, body []byte) {
	t.Helper()
	hdr := packetHeader{
		Magic: magic,
		Type:  ptype,
	}
	hdr.Length = uint64(64 + len(body))
	require.NoError(t, binary.Write(buf, binary.LittleEndian, &hdr))
	buf.Write(body)
}

func fileDescBody(fileID, fileMD5, hash16k [16]byte, length uint64, name string) []byte {
	body := make([]byte, 56+len(name)+1)
	copy(body[0:16], fileID[:])
	copy(body[16:32], fileMD5[:])
	copy(body[32:48], hash16k[:])
	binary.LittleEndian.PutUint64(body[48:56], length)
	copy(body[56:], name)
	return body
}

func TestParseFindsFileDescPackets(t *testing.T) {
	var buf bytes.Buffer

	var unknownType [16]byte
	copy(unknownType[:], "PAR 2.0\x00Main")
	writePacket(t, &buf, unknownType, []byte("ignored body bytes"))

	var hash16k [16]byte
	hash16k[0] = 0xAB
	body := fileDescBody([16]byte{1}, [16]byte{2}, hash16k, 10000, "movie.rar")
	writePacket(t, &buf, fileDescType, body)

	fds, err := Parse(&buf)
	require.NoError(t, err)
	require.Len(t, fds, 1)
	assert.Equal(t, "movie.rar", fds[0].Name)
	assert.Equal(t, uint64(10000), fds[0].Length)
	assert.Equal(t, hash16k, fds[0].Hash16k)
}

func TestParseBadMagicFails(t *testing.T) {
	buf := bytes.NewBufferString("not a par2 file at all, just junk bytes padded out past sixty four bytes total")
	_, err := Parse(buf)
	assert.ErrorIs(t, err, ErrMalformedPar2)
}
