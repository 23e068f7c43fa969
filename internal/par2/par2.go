// Package par2 parses the subset of the PAR2 packet format needed to map a
// file's first-16KiB MD5 to its canonical, unobfuscated filename.
package par2

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedPar2 is returned when the PAR2 magic is missing or a packet
// header cannot be read.
var ErrMalformedPar2 = errors.New("par2: malformed packet stream")

var magic = [8]byte{'P', 'A', 'R', '2', 0, 'P', 'K', 'T'}

var fileDescType = [16]byte{'P', 'A', 'R', ' ', '2', '.', '0', 0, 'F', 'i', 'l', 'e', 'D', 'e', 's', 'c'}

// packetHeader is the 64-byte fixed PAR2 packet header.
type packetHeader struct {
	Magic      [8]byte
	Length     uint64
	PacketMD5  [16]byte
	RecoverySetID [16]byte
	Type       [16]byte
}

// FileDescriptor is the subset of a PAR2 FileDescription packet this system
// needs: the canonical name and the hash used to identify which fetched file
// it describes.
type FileDescriptor struct {
	FileID   [16]byte
	FileMD5  [16]byte
	Hash16k  [16]byte
	Length   uint64
	Name     string
}

// Parse reads a PAR2 file stream and returns every FileDescription packet
// found. Unknown packet types are skipped by length, not treated as errors.
func Parse(r io.Reader) ([]FileDescriptor, error) {
	var out []FileDescriptor

	for {
		var hdr packetHeader
		if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				break
			}
			return nil, fmt.Errorf("%w: read header: %v", ErrMalformedPar2, err)
		}
		if hdr.Magic != magic {
			return nil, fmt.Errorf("%w: bad magic", ErrMalformedPar2)
		}
		if hdr.Length < 64 {
			return nil, fmt.Errorf("%w: packet length %d too small", ErrMalformedPar2, hdr.Length)
		}
		bodyLen := int64(hdr.Length) - 64

		if hdr.Type != fileDescType {
			if _, err := io.CopyN(io.Discard, r, bodyLen); err != nil {
				return nil, fmt.Errorf("%w: skip packet body: %v", ErrMalformedPar2, err)
			}
			continue
		}

		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: read FileDesc body: %v", ErrMalformedPar2, err)
		}
		fd, err := parseFileDescBody(body)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}

	return out, nil
}

// parseFileDescBody decodes the fixed fields of a FileDescription packet
// body (FileID, FileMD5, Hash16k, Length) followed by a NUL-padded name.
func parseFileDescBody(body []byte) (FileDescriptor, error) {
	const fixedLen = 16 + 16 + 16 + 8
	if len(body) < fixedLen {
		return FileDescriptor{}, fmt.Errorf("%w: FileDesc body too short", ErrMalformedPar2)
	}

	var fd FileDescriptor
	copy(fd.FileID[:], body[0:16])
	copy(fd.FileMD5[:], body[16:32])
	copy(fd.Hash16k[:], body[32:48])
	fd.Length = binary.LittleEndian.Uint64(body[48:56])

	name := body[56:]
	if idx := bytes.IndexByte(name, 0); idx >= 0 {
		name = name[:idx]
	}
	fd.Name = string(name)
	return fd, nil
}
