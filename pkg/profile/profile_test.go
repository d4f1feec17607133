package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveModeCoversEveryProfile(t *testing.T) {
	for _, p := range All() {
		mode, err := ResolveMode(p.ID)
		require.NoError(t, err, p.ID)
		assert.Contains(t, []Mode{ModeBrowser, ModeTTSSTT, ModeS2S}, mode, p.ID)
	}
}

func TestResolveModeUnknownProfile(t *testing.T) {
	_, err := ResolveMode("nonexistent")
	var unknownErr *UnknownProfileError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "nonexistent", unknownErr.ID)
}

func TestCatalogueOrderedByCost(t *testing.T) {
	profiles := All()
	require.NotEmpty(t, profiles)
	for i := 1; i < len(profiles); i++ {
		assert.GreaterOrEqual(t, profiles[i].CostPerHour, profiles[i-1].CostPerHour,
			"profiles must be ordered non-decreasingly by cost: %s before %s",
			profiles[i-1].ID, profiles[i].ID)
	}
}

func TestResolveProviders(t *testing.T) {
	tts, err := ResolveTTSProvider("elevenlabs-direct")
	require.NoError(t, err)
	assert.Equal(t, ProviderElevenLabs, tts)

	stt, err := ResolveSTTProvider("elevenlabs-direct")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAI, stt)

	s2s, err := ResolveS2SProvider("elevenlabs-direct")
	require.NoError(t, err)
	assert.Equal(t, "", s2s, "non-duplex profiles have no s2s provider")

	s2s, err = ResolveS2SProvider("openai-realtime")
	require.NoError(t, err)
	assert.Equal(t, ProviderOpenAIRealtime, s2s)
}

func TestCanDirectConnect(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"browser-native", true},
		{"openai", true},
		{"elevenlabs-direct", true},
		{"azure-voice", false}, // request signing is server-side only
		{"openai-realtime", true},
	}
	for _, tt := range tests {
		got, err := CanDirectConnect(tt.id)
		require.NoError(t, err, tt.id)
		assert.Equal(t, tt.want, got, tt.id)
	}
}

func TestEstimateCost(t *testing.T) {
	p, err := Lookup("openai")
	require.NoError(t, err)

	assert.Zero(t, EstimateCost(p, 0, 0))
	assert.InDelta(t, 0.36*(100+50)/3600, EstimateCost(p, 100, 50), 1e-12)

	free, err := Lookup("browser-native")
	require.NoError(t, err)
	assert.Zero(t, EstimateCost(free, 3600, 3600), "zero-cost profiles always yield 0")
}
