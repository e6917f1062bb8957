package classify

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipetrace/internal/blockio"
)

const testBlockSize = 4096

func newTestClassifier(t *testing.T) *Classifier {
	t.Helper()
	c, err := New(DefaultThresholds())
	require.NoError(t, err)
	return c
}

func randomBytes(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	buf := make([]byte, n)
	rng.Read(buf)
	return buf
}

var words = strings.Fields(`evidence ledger invoice report quarterly meeting notes draft
the of and to in for with customer account balance transfer approved pending
archive backup schedule contract signed review`)

func textBytes(seed int64, n int) []byte {
	rng := rand.New(rand.NewSource(seed))
	var sb strings.Builder
	for sb.Len() < n {
		sb.WriteString(words[rng.Intn(len(words))])
		if rng.Intn(12) == 0 {
			sb.WriteString(".\n")
		} else {
			sb.WriteByte(' ')
		}
	}
	return []byte(sb.String()[:n])
}

func TestClassifyExactFills(t *testing.T) {
	c := newTestClassifier(t)

	tests := []struct {
		name string
		fill byte
		want Class
	}{
		{"zero", 0x00, ClassZero},
		{"ff", 0xFF, ClassFF},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, size := range []int{testBlockSize, 512, 1} {
				v := c.Classify(blockio.NewBlock(3, 3*uint64(size), bytes.Repeat([]byte{tt.fill}, size)))
				assert.Equal(t, tt.want, v.Class)
				assert.Equal(t, 0.0, v.Entropy)
				assert.True(t, v.HasDominant)
				assert.Equal(t, tt.fill, v.DominantByte)
				assert.Equal(t, uint32(0), v.Period)
				assert.Equal(t, uint32(size), v.Length)
				assert.Equal(t, uint64(3), v.Index)
			}
		})
	}
}

func TestClassifyRules(t *testing.T) {
	c := newTestClassifier(t)

	mixed := make([]byte, testBlockSize)
	rng := rand.New(rand.NewSource(7))
	for i := range mixed {
		if rng.Intn(10) < 6 {
			mixed[i] = 0x00
		} else {
			mixed[i] = 0xFF
		}
	}

	partial := make([]byte, testBlockSize)
	copy(partial[3900:], randomBytes(11, testBlockSize-3900))

	restricted := make([]byte, testBlockSize)
	rng = rand.New(rand.NewSource(13))
	for i := range restricted {
		restricted[i] = byte(rng.Intn(200))
	}

	tests := []struct {
		name         string
		data         []byte
		want         Class
		wantPeriod   uint32
		wantDominant bool
		dominant     byte
	}{
		{"random overwrite", randomBytes(1, testBlockSize), ClassRandom, 0, false, 0},
		{"text", textBytes(2, testBlockSize), ClassNormal, 0, false, 0},
		{"alternating passes", bytes.Repeat([]byte{0x00, 0xFF}, testBlockSize/2), ClassMulti, 2, true, 0x00},
		{"four byte pattern", bytes.Repeat([]byte{0xDE, 0xAD, 0xBE, 0xEF}, testBlockSize/4), ClassMulti, 4, true, 0xAD},
		{"constant non-fill byte", bytes.Repeat([]byte{0xAA}, testBlockSize), ClassMulti, 1, true, 0xAA},
		{"bimodal without period", mixed, ClassMulti, 0, true, 0x00},
		{"partially zeroed sector", partial, ClassNormal, 0, false, 0},
		{"high entropy but skewed", restricted, ClassNormal, 0, false, 0},
		{"empty", nil, ClassNormal, 0, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Classify(blockio.NewBlock(0, 0, tt.data))
			assert.Equal(t, tt.want, v.Class)
			assert.Equal(t, tt.wantPeriod, v.Period)
			assert.Equal(t, tt.wantDominant, v.HasDominant)
			if tt.wantDominant {
				assert.Equal(t, tt.dominant, v.DominantByte)
			}
			assert.GreaterOrEqual(t, v.Entropy, 0.0)
			assert.LessOrEqual(t, v.Entropy, 8.0)
			assert.GreaterOrEqual(t, v.Flatness, 0.0)
			assert.LessOrEqual(t, v.Flatness, 1.0)
		})
	}
}

func TestClassifyRandomVersusSkewedMetrics(t *testing.T) {
	c := newTestClassifier(t)

	v := c.Classify(blockio.NewBlock(0, 0, randomBytes(5, testBlockSize)))
	assert.Greater(t, v.Entropy, 7.9)
	assert.InDelta(t, 0.94, v.Flatness, 0.02)

	text := c.Classify(blockio.NewBlock(0, 0, textBytes(5, testBlockSize)))
	assert.Greater(t, text.Entropy, 3.0)
	assert.Less(t, text.Entropy, 5.0)
	assert.Less(t, text.Flatness, 0.5)
}

func TestClassifyDeterministicAndConcurrent(t *testing.T) {
	c := newTestClassifier(t)
	inputs := [][]byte{
		randomBytes(21, testBlockSize),
		textBytes(22, testBlockSize),
		bytes.Repeat([]byte{0x55, 0xAA}, testBlockSize/2),
	}

	want := make([]Verdict, len(inputs))
	for i, data := range inputs {
		want[i] = c.Classify(blockio.NewBlock(uint64(i), 0, data))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, data := range inputs {
				got := c.Classify(blockio.NewBlock(uint64(i), 0, data))
				assert.Equal(t, want[i], got)
			}
		}()
	}
	wg.Wait()
}

func TestThresholdsValidate(t *testing.T) {
	assert.NoError(t, DefaultThresholds().Validate())

	tests := []struct {
		name   string
		mutate func(*Thresholds)
		field  string
	}{
		{"entropy above 8", func(t *Thresholds) { t.Entropy = 8.5 }, "entropy_threshold"},
		{"negative flatness", func(t *Thresholds) { t.Flatness = -0.1 }, "flatness_threshold"},
		{"nan flatness", func(t *Thresholds) { t.Flatness = math.NaN() }, "flatness_threshold"},
		{"zero period", func(t *Thresholds) { t.MaxPeriod = 0 }, "max_period"},
		{"coverage above 1", func(t *Thresholds) { t.PeriodCoverage = 1.5 }, "period_coverage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := DefaultThresholds()
			tt.mutate(&th)

			_, err := New(th)
			require.Error(t, err)

			var rangeErr *RangeError
			require.True(t, errors.As(err, &rangeErr))
			assert.Equal(t, tt.field, rangeErr.Field)
		})
	}
}

func TestParseClass(t *testing.T) {
	for _, c := range Classes {
		got, err := ParseClass(string(c))
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
	_, err := ParseClass("UNALLOCATED")
	assert.Error(t, err)

	assert.False(t, ClassNormal.Suspicious())
	assert.True(t, ClassMulti.Suspicious())
}
