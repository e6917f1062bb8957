package aggregate

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wipetrace/internal/classify"
)

const bs = 4096

var letters = map[rune]classify.Class{
	'Z': classify.ClassZero,
	'F': classify.ClassFF,
	'R': classify.ClassRandom,
	'M': classify.ClassMulti,
	'.': classify.ClassNormal,
}

// verdicts turns a pattern such as "ZZ..F" into a verdict stream.
func verdicts(t *testing.T, pattern string) []classify.Verdict {
	t.Helper()
	out := make([]classify.Verdict, 0, len(pattern))
	for i, ch := range pattern {
		class, ok := letters[ch]
		require.True(t, ok, "bad pattern letter %q", ch)
		v := classify.Verdict{
			Index:  uint64(i),
			Offset: uint64(i) * bs,
			Length: bs,
			Class:  class,
		}
		switch class {
		case classify.ClassZero:
			v.DominantByte, v.HasDominant = 0x00, true
		case classify.ClassFF:
			v.DominantByte, v.HasDominant = 0xFF, true
		case classify.ClassRandom:
			v.Entropy, v.Flatness = 7.95, 0.94
		case classify.ClassMulti:
			v.DominantByte, v.HasDominant, v.Period = 0x00, true, 2
		}
		out = append(out, v)
	}
	return out
}

func run(t *testing.T, p Params, pattern string) ([]Region, *Aggregator) {
	t.Helper()
	a, err := New(p)
	require.NoError(t, err)
	for _, v := range verdicts(t, pattern) {
		a.Add(v)
	}
	return a.Flush(), a
}

type want struct {
	class      classify.Class
	startBlock uint64
	endBlock   uint64
	blocks     uint32
	matches    uint32
}

func TestAggregatorTransitions(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		gap     int
		min     int
		want    []want
	}{
		{"single run", "ZZZ", 2, 2, []want{{classify.ClassZero, 0, 3, 3, 3}}},
		{"gap absorbed", "ZZ.ZZ", 2, 2, []want{{classify.ClassZero, 0, 5, 5, 4}}},
		{"two gap blocks absorbed", "Z..Z", 2, 2, []want{{classify.ClassZero, 0, 4, 4, 2}}},
		{"gap exceeded", "ZZ...ZZ", 2, 2, []want{
			{classify.ClassZero, 0, 2, 2, 2},
			{classify.ClassZero, 5, 7, 2, 2},
		}},
		{"trailing gap trimmed", "..ZZ..", 2, 2, []want{{classify.ClassZero, 2, 4, 2, 2}}},
		{"class change", "ZZFF", 2, 2, []want{
			{classify.ClassZero, 0, 2, 2, 2},
			{classify.ClassFF, 2, 4, 2, 2},
		}},
		{"class change inside gap", "ZZ.FF", 2, 2, []want{
			{classify.ClassZero, 0, 2, 2, 2},
			{classify.ClassFF, 3, 5, 2, 2},
		}},
		{"isolated block discarded", "...Z...", 2, 2, nil},
		{"no suspicious blocks", ".....", 2, 2, nil},
		{"zero tolerance splits", "ZZ.ZZ", 0, 2, []want{
			{classify.ClassZero, 0, 2, 2, 2},
			{classify.ClassZero, 3, 5, 2, 2},
		}},
		{"gap counts toward minimum", "Z.Z", 2, 3, []want{{classify.ClassZero, 0, 3, 3, 2}}},
		{"minimum of one keeps singles", ".R.M", 0, 1, []want{
			{classify.ClassRandom, 1, 2, 1, 1},
			{classify.ClassMulti, 3, 4, 1, 1},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			regions, _ := run(t, Params{GapTolerance: tt.gap, MinRegionBlocks: tt.min}, tt.pattern)
			require.Len(t, regions, len(tt.want))
			for i, w := range tt.want {
				r := regions[i]
				assert.Equal(t, w.class, r.Class, "region %d class", i)
				assert.Equal(t, w.startBlock*bs, r.StartOffset, "region %d start", i)
				assert.Equal(t, w.endBlock*bs, r.EndOffset, "region %d end", i)
				assert.Equal(t, w.blocks, r.BlockCount, "region %d blocks", i)
				assert.Equal(t, w.matches, r.MatchCount, "region %d matches", i)
				assert.InDelta(t, float64(w.matches)/float64(w.blocks), r.Homogeneity, 1e-12)
			}
		})
	}
}

func TestAggregatorCountsDiscarded(t *testing.T) {
	regions, a := run(t, DefaultParams(), "Z...F...RR")
	assert.Len(t, regions, 1)
	assert.Equal(t, 2, a.Discarded())
	assert.False(t, a.InRegion())
}

func TestAggregatorRegionStatistics(t *testing.T) {
	a, err := New(DefaultParams())
	require.NoError(t, err)

	vs := verdicts(t, "MMMM")
	vs[2].Period = 4
	for _, v := range vs {
		a.Add(v)
	}
	regions := a.Flush()
	require.Len(t, regions, 1)
	assert.Equal(t, uint32(0), regions[0].Period, "mixed periods are dropped")
	assert.True(t, regions[0].HasDominant)

	regions, _ = run(t, DefaultParams(), "RR.R")
	require.Len(t, regions, 1)
	assert.InDelta(t, 7.95, regions[0].MeanEntropy, 1e-12)
	assert.InDelta(t, 0.94, regions[0].MeanFlatness, 1e-12)
	assert.False(t, regions[0].HasDominant)
	assert.Equal(t, uint64(4*bs), regions[0].Span())
}

func randomPattern(seed int64, n int) string {
	rng := rand.New(rand.NewSource(seed))
	alphabet := []rune("ZZFR..M....")
	out := make([]rune, n)
	for i := range out {
		out[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return string(out)
}

func TestAggregatorOrderingInvariant(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		regions, _ := run(t, DefaultParams(), randomPattern(seed, 500))
		for i, r := range regions {
			assert.Greater(t, r.EndOffset, r.StartOffset)
			assert.GreaterOrEqual(t, int(r.BlockCount), DefaultParams().MinRegionBlocks)
			if i > 0 {
				assert.LessOrEqual(t, regions[i-1].EndOffset, r.StartOffset)
			}
		}
	}
}

func TestAggregatorMinRegionMonotonic(t *testing.T) {
	for seed := int64(1); seed <= 10; seed++ {
		pattern := randomPattern(seed, 400)
		prev := -1
		for minBlocks := 1; minBlocks <= 12; minBlocks++ {
			regions, _ := run(t, Params{GapTolerance: 2, MinRegionBlocks: minBlocks}, pattern)
			if prev >= 0 {
				assert.LessOrEqual(t, len(regions), prev, "seed %d min %d", seed, minBlocks)
			}
			prev = len(regions)
		}
	}
}

func TestAggregatorPanicsOnDisorder(t *testing.T) {
	a, err := New(DefaultParams())
	require.NoError(t, err)

	vs := verdicts(t, "ZZZ")
	a.Add(vs[0])
	a.Add(vs[1])
	assert.Panics(t, func() { a.Add(vs[1]) })
	assert.Panics(t, func() { a.Add(vs[0]) })

	a.Flush()
	assert.Panics(t, func() { a.Add(vs[2]) })
}

func TestParamsValidate(t *testing.T) {
	assert.NoError(t, DefaultParams().Validate())
	assert.Error(t, Params{GapTolerance: -1, MinRegionBlocks: 2}.Validate())
	assert.Error(t, Params{GapTolerance: 2, MinRegionBlocks: 0}.Validate())

	_, err := New(Params{GapTolerance: 2, MinRegionBlocks: 0})
	assert.Error(t, err)
}
