// Package nzb parses NZB documents into the file/segment model the rest of
// nzbstream operates on.
package nzb

import (
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
)

// Segment is one Usenet article belonging to a file, immutable once created.
type Segment struct {
	MessageID string // opaque message-id, without angle brackets
	Bytes     int64
	Index     int // 1-based sequence position within the file
}

// File is one entry of an NZB document: a subject line, a filename derived
// from it, and its ordered segments.
type File struct {
	Subject  string
	Filename string
	Segments []Segment
	Size     int64 // sum of segment byte sizes
	Keep     bool  // set true once the resolver trusts this filename (e.g. via PAR2)
}

// Document is a parsed NZB file.
type Document struct {
	Files []*File
}

type xmlNzb struct {
	XMLName xml.Name  `xml:"nzb"`
	Files   []xmlFile `xml:"file"`
}

type xmlFile struct {
	Subject  string       `xml:"subject,attr"`
	Segments []xmlSegment `xml:"segments>segment"`
}

type xmlSegment struct {
	Number int    `xml:"number,attr"`
	Bytes  int64  `xml:"bytes,attr"`
	ID     string `xml:",chardata"`
}

// subjectQuoted extracts the quoted substring from a subject line such as
// `some.poster presents "movie.rar" yEnc (1/20)`.
var subjectQuoted = regexp.MustCompile(`"([^"]+)"`)

// Parse reads an NZB document from r, which may be non-UTF-8 (posters
// frequently emit Latin-1 or Windows-1252 subjects); charset is auto-detected
// from the XML declaration or a byte-order mark.
func Parse(r io.Reader) (*Document, error) {
	decReader, err := charset.NewReader(r, "")
	if err != nil {
		return nil, fmt.Errorf("nzb: detect charset: %w", err)
	}

	dec := xml.NewDecoder(decReader)
	dec.CharsetReader = charset.NewReaderLabel

	var raw xmlNzb
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("nzb: parse xml: %w", err)
	}

	doc := &Document{Files: make([]*File, 0, len(raw.Files))}
	for _, xf := range raw.Files {
		f := &File{
			Subject:  xf.Subject,
			Filename: filenameFromSubject(xf.Subject),
		}
		segs := make([]Segment, 0, len(xf.Segments))
		for _, xs := range xf.Segments {
			segs = append(segs, Segment{
				MessageID: strings.Trim(xs.ID, "<>"),
				Bytes:     xs.Bytes,
				Index:     xs.Number,
			})
			f.Size += xs.Bytes
		}
		sort.Slice(segs, func(i, j int) bool { return segs[i].Index < segs[j].Index })
		f.Segments = segs
		doc.Files = append(doc.Files, f)
	}
	return doc, nil
}

// filenameFromSubject extracts the quoted filename from a subject line,
// falling back to the raw subject when no quoted substring is present.
func filenameFromSubject(subject string) string {
	if m := subjectQuoted.FindStringSubmatch(subject); m != nil {
		return m[1]
	}
	return strings.TrimSpace(subject)
}

// naturalKey splits a string into alternating non-digit/digit runs so that
// e.g. "file.r9" sorts before "file.r10".
func naturalKey(s string) []string {
	var parts []string
	var cur strings.Builder
	var curIsDigit bool
	for i, r := range s {
		isDigit := r >= '0' && r <= '9'
		if i > 0 && isDigit != curIsDigit {
			parts = append(parts, cur.String())
			cur.Reset()
		}
		cur.WriteRune(r)
		curIsDigit = isDigit
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// CompareNatural orders two filenames by natural-key decomposition: digit
// runs compare numerically, everything else compares lexically.
func CompareNatural(a, b string) int {
	ak, bk := naturalKey(a), naturalKey(b)
	for i := 0; i < len(ak) && i < len(bk); i++ {
		pa, pb := ak[i], bk[i]
		na, erra := strconv.Atoi(pa)
		nb, errb := strconv.Atoi(pb)
		if erra == nil && errb == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if pa != pb {
			if pa < pb {
				return -1
			}
			return 1
		}
	}
	return len(ak) - len(bk)
}

// SortNatural sorts files in place by natural-key filename order.
func SortNatural(files []*File) {
	sort.Slice(files, func(i, j int) bool {
		return CompareNatural(files[i].Filename, files[j].Filename) < 0
	})
}
