package gateway

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestInitialShardsRequired(t *testing.T) {
	logger := zap.NewNop()

	tests := []struct {
		value    string
		replicas int
		required int
	}{
		{"quorum", 2, 2},
		{"quorum", 1, 1},
		{"quorum", 0, 1},
		{"quorum", 4, 3},
		{"quorum-1", 4, 2},
		{"quorum-1", 2, 1},
		{"half", 4, 2},
		{"half", 1, 1},
		{"one", 5, 1},
		{"full", 2, 3},
		{"all", 0, 1},
		{"full-1", 3, 3},
		{"full-1", 1, 1},
		{"all-1", 2, 2},
		{"3", 0, 3},
		{"1", 5, 1},
	}

	for _, tt := range tests {
		is := parseInitialShards(tt.value, logger)
		assert.Equal(t, tt.required, is.required(tt.replicas),
			"value=%q replicas=%d", tt.value, tt.replicas)
	}
}

func TestInitialShardsUnparseableDefaultsToOne(t *testing.T) {
	logger := zap.NewNop()
	is := parseInitialShards("three-ish", logger)
	assert.Equal(t, 1, is.required(0))
	assert.Equal(t, 1, is.required(9))
}

func TestInitialShardsCaseInsensitive(t *testing.T) {
	logger := zap.NewNop()
	assert.Equal(t, 4, parseInitialShards("FULL", logger).required(3))
	assert.Equal(t, 1, parseInitialShards(" One ", logger).required(3))
}

func TestSettingsFromViperDefaults(t *testing.T) {
	s := SettingsFromViper(viper.New())
	assert.Equal(t, 30*time.Second, s.ListTimeout)
	assert.Equal(t, "quorum", s.InitialShards)
}

func TestSettingsFromViperPrimaryKeyWins(t *testing.T) {
	v := viper.New()
	v.Set(SettingListTimeout, "10s")
	v.Set(SettingListTimeoutLegacy, "50s")
	v.Set(SettingInitialShards, "full")
	v.Set(SettingInitialShardsLegacy, "one")

	s := SettingsFromViper(v)
	assert.Equal(t, 10*time.Second, s.ListTimeout)
	assert.Equal(t, "full", s.InitialShards)
}

func TestSettingsFromViperLegacyAlias(t *testing.T) {
	v := viper.New()
	v.Set(SettingListTimeoutLegacy, "45s")
	v.Set(SettingInitialShardsLegacy, "all-1")

	s := SettingsFromViper(v)
	assert.Equal(t, 45*time.Second, s.ListTimeout)
	assert.Equal(t, "all-1", s.InitialShards)
}

func TestResolveInitialShardsIndexOverride(t *testing.T) {
	logger := zap.NewNop()
	allocator := NewAllocator(Settings{ListTimeout: DefaultListTimeout, InitialShards: "full"}, nil, nil, nil, logger)

	withOverride := testIndices(2, map[string]string{IndexSettingInitialShards: "one"})["idx"]
	assert.Equal(t, 1, allocator.resolveInitialShards(withOverride).required(2))

	withoutOverride := testIndices(2, nil)["idx"]
	assert.Equal(t, 3, allocator.resolveInitialShards(withoutOverride).required(2))
}
