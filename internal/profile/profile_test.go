package profile_test

import (
	"testing"

	"codeberg.org/mutker/picogov/internal/profile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowerLevelOrdering(t *testing.T) {
	assert.True(t, profile.UltraLow < profile.Powersave)
	assert.True(t, profile.Powersave < profile.Balanced)
	assert.True(t, profile.Balanced < profile.Performance)
	assert.True(t, profile.Performance < profile.Turbo)
}

func TestPowerLevelValid(t *testing.T) {
	for _, level := range profile.Levels() {
		assert.True(t, level.Valid(), "expected %v to be valid", level)
	}

	assert.False(t, profile.PowerLevel(-1).Valid())
	assert.False(t, profile.PowerLevel(5).Valid())
	assert.Equal(t, "UNKNOWN", profile.PowerLevel(7).String())
}

func TestPowerLevelNames(t *testing.T) {
	assert.Equal(t, "ULTRA_LOW", profile.UltraLow.String())
	assert.Equal(t, "POWERSAVE", profile.Powersave.String())
	assert.Equal(t, "BALANCED", profile.Balanced.String())
	assert.Equal(t, "PERFORMANCE", profile.Performance.String())
	assert.Equal(t, "TURBO", profile.Turbo.String())
}

func TestTableFor(t *testing.T) {
	t.Run("rp2040 operating points", func(t *testing.T) {
		table, err := profile.TableFor(profile.RP2040)
		require.NoError(t, err)

		point, err := table.Lookup(profile.Balanced)
		require.NoError(t, err)
		assert.Equal(t, profile.Frequency(133_000), point.Frequency)
		assert.Equal(t, profile.Voltage(1050), point.Voltage)

		point, err = table.Lookup(profile.Turbo)
		require.NoError(t, err)
		assert.Equal(t, profile.Frequency(250_000), point.Frequency)
		assert.Equal(t, profile.Voltage(1150), point.Voltage)
	})

	t.Run("rp2350 operating points", func(t *testing.T) {
		table, err := profile.TableFor(profile.RP2350)
		require.NoError(t, err)

		point, err := table.Lookup(profile.Balanced)
		require.NoError(t, err)
		assert.Equal(t, profile.Frequency(150_000), point.Frequency)

		point, err = table.Lookup(profile.Turbo)
		require.NoError(t, err)
		assert.Equal(t, profile.Frequency(300_000), point.Frequency)
		assert.Equal(t, profile.Voltage(1250), point.Voltage)
	})

	t.Run("unknown chip rejected", func(t *testing.T) {
		_, err := profile.TableFor(profile.Chip(9))
		require.Error(t, err)
	})
}

func TestTableMonotonic(t *testing.T) {
	// Frequency and voltage must never decrease with the level
	for _, chip := range []profile.Chip{profile.RP2040, profile.RP2350} {
		table, err := profile.TableFor(chip)
		require.NoError(t, err)

		prev, err := table.Lookup(profile.UltraLow)
		require.NoError(t, err)
		for _, level := range profile.Levels()[1:] {
			point, err := table.Lookup(level)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, point.Frequency, prev.Frequency, "%s frequency at %s", chip, level)
			assert.GreaterOrEqual(t, point.Voltage, prev.Voltage, "%s voltage at %s", chip, level)
			prev = point
		}
	}
}

func TestLookupInvalidLevel(t *testing.T) {
	table, err := profile.TableFor(profile.RP2040)
	require.NoError(t, err)

	_, err = table.Lookup(profile.PowerLevel(-1))
	assert.Error(t, err)

	_, err = table.Lookup(profile.PowerLevel(5))
	assert.Error(t, err)
}

func TestParseChip(t *testing.T) {
	chip, err := profile.ParseChip("rp2040")
	require.NoError(t, err)
	assert.Equal(t, profile.RP2040, chip)

	chip, err = profile.ParseChip(" RP2350 ")
	require.NoError(t, err)
	assert.Equal(t, profile.RP2350, chip)

	_, err = profile.ParseChip("rp9999")
	assert.Error(t, err)
}

func TestLowPowerWaitCapability(t *testing.T) {
	assert.False(t, profile.RP2040.HasLowPowerWait())
	assert.True(t, profile.RP2350.HasLowPowerWait())
}

func TestFrequencyMHz(t *testing.T) {
	assert.Equal(t, 133, profile.Frequency(133_000).MHz())
	assert.Equal(t, 250, profile.Frequency(250_000).MHz())
}
