package referralcode

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateIsDeterministic(t *testing.T) {
	c := Default()
	assert.Equal(t, c.Generate(42), c.Generate(42))
	assert.NotEqual(t, c.Generate(42), c.Generate(43))
}

func TestGeneratedCodesAreValid(t *testing.T) {
	c := Default()
	for seed := int64(0); seed < 500; seed++ {
		code := c.Generate(seed)
		require.True(t, c.IsValidFormat(code), code)
		assert.False(t, strings.ContainsAny(code, "0O1IL"), code)
		for _, r := range code {
			require.True(t, strings.ContainsRune(Alphabet, r), code)
		}
	}

	code, err := c.Random()
	require.NoError(t, err)
	assert.True(t, c.IsValidFormat(code))
	assert.Len(t, code, len(DefaultPrefix)+DefaultLength)
}

func TestIsValidFormat(t *testing.T) {
	c := Default()
	cases := map[string]bool{
		"TARABC234":  true,
		"TARABC23":   false,
		"TARABC2345": false,
		"XYZABC234":  false,
		"TARABC0Z4":  false,
		"TARABCI34":  false,
		"tarabc234":  false,
		"":           false,
	}
	for code, want := range cases {
		assert.Equal(t, want, c.IsValidFormat(code), code)
	}
	assert.True(t, c.IsValidFormat(Normalize("  tarabc234 ")))
}

func TestEstimateCollisionProbability(t *testing.T) {
	c := NewCodec("T", 2)
	total := int(c.TotalCombinations())
	assert.Equal(t, 31*31, total)

	assert.Equal(t, 0.0, c.EstimateCollisionProbability(0))
	assert.Equal(t, 1.0, c.EstimateCollisionProbability(total))
	assert.Equal(t, 1.0, c.EstimateCollisionProbability(total*2))

	prev := 0.0
	for n := 2; n < total; n += 50 {
		p := c.EstimateCollisionProbability(n)
		assert.GreaterOrEqual(t, p, prev)
		assert.LessOrEqual(t, p, 1.0)
		prev = p
	}

	d := Default()
	p := d.EstimateCollisionProbability(10000)
	want := 1 - math.Exp(-10000.0*9999.0/(2*d.TotalCombinations()))
	assert.InDelta(t, want, p, 1e-12)
}
