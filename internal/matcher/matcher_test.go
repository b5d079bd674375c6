package matcher

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"identical", "Example.Release.Name-GRP", "Example.Release.Name-GRP", 1.0},
		{"case only", "EXAMPLE.RELEASE.NAME-GRP", "example.release.name-grp", 1.0},
		{"both empty", "", "", 1.0},
		{"one empty", "", "abc", 0.0},
		{"disjoint", "abc", "xyz", 0.0},
		{"seventeen of twenty", "abcdefghijklmnopqXYZ", "abcdefghijklmnopq123", 0.85},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Ratio(tt.a, tt.b))
		})
	}
}

func TestRatio_InRange(t *testing.T) {
	pairs := [][2]string{
		{"Some.Movie.2024.1080p.WEB.H264-GRP", "Some_Movie_2024_1080p_WEB_H264-GRP"},
		{"Artist-Album-WEB-2024-GRP", "Artist-Album-(Deluxe)-WEB-2024-GRP"},
		{"a", "b"},
		{"Ünïcødé.Title-GRP", "Unicode.Title-GRP"},
	}
	for _, p := range pairs {
		r := Ratio(p[0], p[1])
		assert.GreaterOrEqual(t, r, 0.0, "%q vs %q", p[0], p[1])
		assert.LessOrEqual(t, r, 1.0, "%q vs %q", p[0], p[1])
	}
}

func TestRatio_CaseFoldingSymmetry(t *testing.T) {
	noisy := "Example.Release.Name.PROPER-GRP"
	cand := "Example.Release.Name-GRP"

	base := Ratio(noisy, cand)
	assert.Equal(t, base, Ratio(strings.ToUpper(noisy), cand))
	assert.Equal(t, base, Ratio(noisy, strings.ToLower(cand)))
	assert.Equal(t, base, Ratio(strings.ToLower(noisy), strings.ToUpper(cand)))
}

func TestBest_Empty(t *testing.T) {
	m := New(nil)
	_, ok := m.Best("anything", nil)
	assert.False(t, ok)
	_, ok = m.Best("anything", []string{})
	assert.False(t, ok)
}

func TestBest_PicksHighestScore(t *testing.T) {
	m := New(nil)
	candidates := []string{
		"Completely.Different.Thing-XYZ",
		"Example.Release.Name-GRP",
		"Example.Release.Nam-GRP",
	}

	got, ok := m.Best("Example.Release.Name-GRP", candidates)
	require.True(t, ok)
	assert.Equal(t, "Example.Release.Name-GRP", got.Title)
	assert.Equal(t, 1.0, got.Score)
}

func TestBest_TieKeepsFirstEncountered(t *testing.T) {
	constant := func(a, b string) float64 { return 0.5 }
	m := New(constant)

	got, ok := m.Best("noisy", []string{"newest", "older", "oldest"})
	require.True(t, ok)
	assert.Equal(t, "newest", got.Title)
	assert.Equal(t, 0.5, got.Score)

	// Same ratio through the real scorer.
	byRatio := New(nil)
	got, ok = byRatio.Best("Title.C", []string{"Title.A", "Title.B"})
	require.True(t, ok)
	assert.Equal(t, "Title.A", got.Title)
}

func TestBest_Deterministic(t *testing.T) {
	m := New(nil)
	candidates := []string{
		"Show.S01E01.720p.HDTV.x264-GRP",
		"Show.S01E02.720p.HDTV.x264-GRP",
		"Show.S01E01.1080p.WEB.h264-OTHER",
	}
	first, ok := m.Best("Show.S01E01.720p.HDTV.x264-GRP-Obfuscated", candidates)
	require.True(t, ok)
	for i := 0; i < 10; i++ {
		again, _ := m.Best("Show.S01E01.720p.HDTV.x264-GRP-Obfuscated", candidates)
		assert.Equal(t, first, again)
	}
}

func TestBest_ScoresEachCandidateIndependently(t *testing.T) {
	var seen []string
	recording := func(a, b string) float64 {
		seen = append(seen, b)
		return 0
	}
	New(recording).Best("x", []string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestRank(t *testing.T) {
	scores := map[string]float64{"a": 0.2, "b": 0.9, "c": 0.9, "d": 0.5}
	m := New(func(_, b string) float64 { return scores[b] })

	ranked := m.Rank("noisy", []string{"a", "b", "c", "d"}, 3)
	require.Len(t, ranked, 3)
	assert.Equal(t, "b", ranked[0].Title)
	assert.Equal(t, "c", ranked[1].Title)
	assert.Equal(t, "d", ranked[2].Title)

	all := m.Rank("noisy", []string{"a", "b"}, 0)
	assert.Len(t, all, 2)
}
