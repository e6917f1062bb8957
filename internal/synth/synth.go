// Package synth builds deterministic synthetic disk images for calibration
// and tests.
package synth

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"strconv"
	"strings"
)

// Kind names a segment fill.
type Kind string

const (
	KindZero    Kind = "zero"
	KindFF      Kind = "ff"
	KindRandom  Kind = "random"
	KindText    Kind = "text"
	KindPattern Kind = "pattern"
	// KindSkewed is high-entropy data that falls short of uniform, the way
	// compressed streams do.
	KindSkewed Kind = "skewed"
)

// skewBias is the share of odd bytes folded onto their even neighbour in
// KindSkewed fills.
const skewBias = 0.12

// Segment is one run of blocks with a single fill.
type Segment struct {
	Kind   Kind
	Blocks int
	// Pattern is the repeated unit for KindPattern.
	Pattern []byte
}

var corpus = strings.Fields(`account archive backup balance budget client contract
customer deadline draft evidence export invoice ledger meeting memo minutes notes
payment pending quarterly receipt record report review schedule signed statement
summary transfer vendor approved the of and to in for with from by on`)

// Fill writes n bytes of the given kind. seed makes random and text fills reproducible.
func Fill(kind Kind, n int, seed int64, pattern []byte) ([]byte, error) {
	switch kind {
	case KindZero:
		return make([]byte, n), nil
	case KindFF:
		return bytes.Repeat([]byte{0xFF}, n), nil
	case KindRandom:
		buf := make([]byte, n)
		rand.New(rand.NewSource(seed)).Read(buf)
		return buf, nil
	case KindText:
		return text(n, seed), nil
	case KindSkewed:
		return skewed(n, seed), nil
	case KindPattern:
		if len(pattern) == 0 {
			return nil, fmt.Errorf("synth: pattern fill needs a pattern")
		}
		buf := bytes.Repeat(pattern, n/len(pattern)+1)
		return buf[:n], nil
	default:
		return nil, fmt.Errorf("synth: unknown kind %q", kind)
	}
}

func text(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	var sb strings.Builder
	sb.Grow(n + 16)
	for sb.Len() < n {
		sb.WriteString(corpus[rng.Intn(len(corpus))])
		switch rng.Intn(14) {
		case 0:
			sb.WriteString(".\n")
		case 1:
			sb.WriteString(", ")
			sb.WriteString(strconv.Itoa(rng.Intn(100000)))
			sb.WriteByte(' ')
		default:
			sb.WriteByte(' ')
		}
	}
	return []byte(sb.String()[:n])
}

func skewed(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rng.Read(buf)
	for i, b := range buf {
		if b&1 == 1 && rng.Float64() < skewBias {
			buf[i] = b &^ 1
		}
	}
	return buf
}

// Build concatenates segments of blockSize-byte blocks. Each segment draws
// its random and text content from seed plus its position, so the output is
// reproducible.
func Build(blockSize int, seed int64, segments ...Segment) ([]byte, error) {
	var buf bytes.Buffer
	for i, s := range segments {
		data, err := Fill(s.Kind, s.Blocks*blockSize, seed+int64(i), s.Pattern)
		if err != nil {
			return nil, err
		}
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Reader wraps Build for streaming consumers.
func Reader(blockSize int, seed int64, segments ...Segment) (io.Reader, error) {
	data, err := Build(blockSize, seed, segments...)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// ParseSegments reads a layout such as "zero:64,ff:64,text:128,pattern=55aa:16".
func ParseSegments(spec string) ([]Segment, error) {
	var out []Segment
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kindPart, countPart, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("synth: segment %q: want kind:blocks", part)
		}
		blocks, err := strconv.Atoi(countPart)
		if err != nil || blocks < 0 {
			return nil, fmt.Errorf("synth: segment %q: bad block count", part)
		}

		seg := Segment{Kind: Kind(kindPart), Blocks: blocks}
		if name, hexPattern, ok := strings.Cut(kindPart, "="); ok {
			seg.Kind = Kind(name)
			seg.Pattern, err = parseHex(hexPattern)
			if err != nil {
				return nil, fmt.Errorf("synth: segment %q: %w", part, err)
			}
		}
		switch seg.Kind {
		case KindZero, KindFF, KindRandom, KindText, KindPattern, KindSkewed:
		default:
			return nil, fmt.Errorf("synth: segment %q: unknown kind", part)
		}
		if seg.Kind == KindPattern && len(seg.Pattern) == 0 {
			return nil, fmt.Errorf("synth: segment %q: pattern needs hex bytes", part)
		}
		out = append(out, seg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("synth: empty layout")
	}
	return out, nil
}

func parseHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		v, err := strconv.ParseUint(s[2*i:2*i+2], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad hex %q", s)
		}
		out[i] = byte(v)
	}
	return out, nil
}
