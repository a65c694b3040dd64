package metadata

import (
	"errors"
	"testing"

	"github.com/maxpert/marmot-sweep/encoding"
	"github.com/maxpert/marmot-sweep/sweep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderKnownStrategies(t *testing.T) {
	d, err := NewDecoder(16)
	require.NoError(t, err)

	for _, p := range []sweep.Policy{sweep.PolicyConservative, sweep.PolicyAggressive, sweep.PolicyExempt} {
		got, err := d.Decode(MustEncode(p))
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestDecoderLegacyStrategyNames(t *testing.T) {
	d, err := NewDecoder(16)
	require.NoError(t, err)

	raw, err := encoding.Marshal(&TableMetadata{SweepStrategy: "NOTHING"})
	require.NoError(t, err)
	got, err := d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, sweep.PolicyExempt, got)

	raw, err = encoding.Marshal(&TableMetadata{SweepStrategy: "THOROUGH"})
	require.NoError(t, err)
	got, err = d.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, sweep.PolicyAggressive, got)
}

func TestDecoderUndecodable(t *testing.T) {
	d, err := NewDecoder(16)
	require.NoError(t, err)

	unknown, err := encoding.Marshal(&TableMetadata{SweepStrategy: "sometimes"})
	require.NoError(t, err)
	missing, err := encoding.Marshal(&TableMetadata{Description: "no strategy"})
	require.NoError(t, err)

	for name, raw := range map[string][]byte{
		"empty":   nil,
		"garbage": {0xc1, 0x00, 0x13},
		"unknown": unknown,
		"missing": missing,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := d.Decode(raw)
			assert.True(t, errors.Is(err, ErrUndecodable), "got %v", err)
			assert.Equal(t, sweep.PolicyConservative, got)
		})
	}
	assert.Equal(t, 0, d.Len(), "failures must not be memoized")
}

func TestDecoderMemoizesByContent(t *testing.T) {
	d, err := NewDecoder(16)
	require.NoError(t, err)

	raw := MustEncode(sweep.PolicyAggressive)
	for i := 0; i < 3; i++ {
		got, err := d.Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, sweep.PolicyAggressive, got)
	}
	_, err = d.Decode(MustEncode(sweep.PolicyExempt))
	require.NoError(t, err)

	assert.Equal(t, 2, d.Len())
}
