// Package yenc decodes yEnc-encoded Usenet article bodies.
package yenc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// ErrMalformedArticle is returned when the =ybegin line or the =yend line
// cannot be found in its scanned window, or the trailer precedes the header.
var ErrMalformedArticle = errors.New("yenc: malformed article")

const (
	headerScanLines  = 40
	trailerScanLines = 10
	escapeByte       = '='
)

// Header carries the parsed =ybegin/=ypart fields.
type Header struct {
	Name  string
	Size  int64
	Part  int
	Total int
	Begin int64
	End   int64
}

// Trailer carries the parsed =yend fields.
type Trailer struct {
	Size   int64
	CRC32  uint32
	PCRC32 uint32
	HasCRC bool
}

// Article is the result of decoding one yEnc article body.
type Article struct {
	Header  Header
	Trailer Trailer
	Data    []byte
	// CRCMismatch is true when the decoded payload's CRC-32 does not match
	// the trailer's declared checksum. The payload is still returned: RAR
	// and MD5 checks downstream are the authority on real corruption.
	CRCMismatch bool
}

// Decode parses a yEnc article body read from r.
func Decode(r io.Reader) (*Article, error) {
	lines, err := readAllLines(r)
	if err != nil {
		return nil, err
	}

	headerIdx, header, err := findHeader(lines)
	if err != nil {
		return nil, err
	}
	trailerIdx, trailer, err := findTrailer(lines)
	if err != nil {
		return nil, err
	}
	if trailerIdx <= headerIdx {
		return nil, fmt.Errorf("%w: trailer precedes header", ErrMalformedArticle)
	}

	payload := decodeBody(lines[headerIdx+1 : trailerIdx])

	header.Name = normalizeFilename(header.Name)

	art := &Article{Header: header, Trailer: trailer, Data: payload}
	if trailer.HasCRC {
		want := trailer.PCRC32
		if header.Total <= 1 {
			want = trailer.CRC32
			if want == 0 {
				want = trailer.PCRC32
			}
		}
		got := crc32.ChecksumIEEE(payload)
		if want != 0 && got != want {
			art.CRCMismatch = true
		}
	}
	return art, nil
}

func readAllLines(r io.Reader) ([][]byte, error) {
	var lines [][]byte
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("yenc: read body: %w", err)
	}
	return lines, nil
}

func findHeader(lines [][]byte) (int, Header, error) {
	limit := headerScanLines
	if limit > len(lines) {
		limit = len(lines)
	}
	for i := 0; i < limit; i++ {
		if bytes.HasPrefix(lines[i], []byte("=ybegin ")) {
			h := parseKV(lines[i])
			header := Header{
				Name: h["name"],
			}
			header.Size, _ = strconv.ParseInt(h["size"], 10, 64)
			header.Part, _ = strconv.Atoi(h["part"])
			header.Total, _ = strconv.Atoi(h["total"])

			next := i + 1
			if next < len(lines) && bytes.HasPrefix(lines[next], []byte("=ypart ")) {
				p := parseKV(lines[next])
				header.Begin, _ = strconv.ParseInt(p["begin"], 10, 64)
				header.End, _ = strconv.ParseInt(p["end"], 10, 64)
				return next, header, nil
			}
			return i, header, nil
		}
	}
	return 0, Header{}, fmt.Errorf("%w: no =ybegin line found", ErrMalformedArticle)
}

func findTrailer(lines [][]byte) (int, Trailer, error) {
	start := len(lines) - trailerScanLines
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		if bytes.HasPrefix(lines[i], []byte("=yend ")) {
			kv := parseKV(lines[i])
			var t Trailer
			t.Size, _ = strconv.ParseInt(kv["size"], 10, 64)
			if v, ok := kv["crc32"]; ok {
				if n, err := strconv.ParseUint(v, 16, 32); err == nil {
					t.CRC32 = uint32(n)
					t.HasCRC = true
				}
			}
			if v, ok := kv["pcrc32"]; ok {
				if n, err := strconv.ParseUint(v, 16, 32); err == nil {
					t.PCRC32 = uint32(n)
					t.HasCRC = true
				}
			}
			return i, t, nil
		}
	}
	return 0, Trailer{}, fmt.Errorf("%w: no =yend line found", ErrMalformedArticle)
}

// parseKV parses whitespace-separated key=value tokens following a =ybegin,
// =ypart or =yend directive. "name" is special-cased: it is the remainder of
// the line after the name= token, since filenames may contain spaces.
func parseKV(line []byte) map[string]string {
	s := string(line)
	out := make(map[string]string)

	if idx := strings.Index(s, "name="); idx >= 0 {
		out["name"] = strings.TrimSpace(s[idx+len("name="):])
		s = s[:idx]
	}

	for _, tok := range strings.Fields(s) {
		kv := strings.SplitN(tok, "=", 2)
		if len(kv) != 2 {
			continue
		}
		out[kv[0]] = kv[1]
	}
	return out
}

// decodeBody concatenates payload lines and reverses yEnc byte encoding:
// subtract 42 from each byte, with escape byte '=' meaning "subtract 64 from
// the following byte after subtracting 42".
func decodeBody(lines [][]byte) []byte {
	out := make([]byte, 0, len(lines)*128)
	for _, line := range lines {
		escaped := false
		for _, b := range line {
			if !escaped && b == escapeByte {
				escaped = true
				continue
			}
			v := b - 42
			if escaped {
				v -= 64
				escaped = false
			}
			out = append(out, v)
		}
	}
	return out
}

// normalizeFilename treats yEnc header filenames as Latin-1 and re-encodes
// them as UTF-8, replacing every '?' with '_'.
func normalizeFilename(name string) string {
	decoded, err := charmap.ISO8859_1.NewDecoder().String(name)
	if err != nil {
		decoded = name
	}
	return strings.ReplaceAll(decoded, "?", "_")
}
