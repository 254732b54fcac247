// Package lossy renders arbitrary bytes as UTF-8 text. Every maximal invalid
// subpart, a byte that cannot start a sequence or the longest prefix of a
// sequence that cannot be completed, is replaced with a single U+FFFD.
package lossy

import (
	"io"
	"unicode/utf8"

	"golang.org/x/text/transform"
)

const replacement = "\uFFFD"

// Decode never fails. Valid input is returned unchanged.
func Decode(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	out, _, err := transform.Bytes(Replacer(), b)
	if err != nil {
		// Unreachable as transform.Bytes grows dst and the replacer always makes progress at EOF.
		return string(b)
	}
	return string(out)
}

// NewWriter returns a writer that decodes everything written to it into w.
// Input may be split at any byte boundary. Close must be called to flush a
// trailing incomplete sequence, it does not close w.
func NewWriter(w io.Writer) io.WriteCloser {
	return transform.NewWriter(w, Replacer())
}

// Replacer returns the transformer used by Decode and NewWriter.
func Replacer() transform.Transformer {
	return replacer{}
}

type replacer struct {
	transform.NopResetter
}

func (replacer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c < utf8.RuneSelf {
			if nDst >= len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			dst[nDst] = c
			nDst++
			nSrc++
			continue
		}

		size, n := validPrefix(src[nSrc:])
		if size > 0 && n == size {
			if nDst+size > len(dst) {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += copy(dst[nDst:], src[nSrc:nSrc+size])
			nSrc += size
			continue
		}
		// A valid prefix running into the end of src may still be completed.
		if size > 0 && nSrc+n == len(src) && !atEOF {
			return nDst, nSrc, transform.ErrShortSrc
		}
		if nDst+len(replacement) > len(dst) {
			return nDst, nSrc, transform.ErrShortDst
		}
		nDst += copy(dst[nDst:], replacement)
		nSrc += max(n, 1)
	}
	return nDst, nSrc, nil
}

// validPrefix returns the length of the sequence announced by the lead byte
// of p, zero when it cannot start one, and how many bytes of p are a valid
// prefix of that sequence. Ranges follow the well-formed byte sequences table
// of the Unicode standard, excluding overlongs and surrogates.
func validPrefix(p []byte) (int, int) {
	size := 0
	lo, hi := byte(0x80), byte(0xbf)
	switch c := p[0]; {
	case c >= 0xc2 && c <= 0xdf:
		size = 2
	case c == 0xe0:
		size, lo = 3, 0xa0
	case c == 0xed:
		size, hi = 3, 0x9f
	case c >= 0xe1 && c <= 0xef:
		size = 3
	case c == 0xf0:
		size, lo = 4, 0x90
	case c >= 0xf1 && c <= 0xf3:
		size = 4
	case c == 0xf4:
		size, hi = 4, 0x8f
	default:
		return 0, 0
	}
	n := 1
	for n < size && n < len(p) {
		if p[n] < lo || p[n] > hi {
			break
		}
		lo, hi = 0x80, 0xbf
		n++
	}
	return size, n
}
