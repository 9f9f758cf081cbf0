package gateway

import (
	"strconv"
	"strings"
	"time"

	"github.com/pensieve/pensieve/pkg/cluster"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Node-level settings, with their legacy aliases. First found wins.
const (
	SettingListTimeout         = "gateway.list_timeout"
	SettingListTimeoutLegacy   = "gateway.local.list_timeout"
	SettingInitialShards       = "gateway.initial_shards"
	SettingInitialShardsLegacy = "gateway.local.initial_shards"
)

// Index-level settings.
const (
	IndexSettingInitialShards    = "index.recovery.initial_shards"
	IndexSettingSharedFS         = "index.shared_filesystem"
	IndexSettingRecoverOnAnyNode = "index.shared_filesystem.recover_on_any_node"
)

const (
	DefaultListTimeout   = 30 * time.Second
	DefaultInitialShards = "quorum"
)

// Settings holds the node-level configuration of the gateway allocator.
type Settings struct {
	// ListTimeout bounds every list fan-out to data nodes.
	ListTimeout time.Duration
	// InitialShards is the default quorum mode, overridable per index via
	// index.recovery.initial_shards.
	InitialShards string
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		ListTimeout:   DefaultListTimeout,
		InitialShards: DefaultInitialShards,
	}
}

// SettingsFromViper resolves the gateway settings from configuration,
// honoring the legacy gateway.local.* aliases.
func SettingsFromViper(v *viper.Viper) Settings {
	s := DefaultSettings()
	for _, key := range []string{SettingListTimeout, SettingListTimeoutLegacy} {
		if v.IsSet(key) {
			s.ListTimeout = v.GetDuration(key)
			break
		}
	}
	for _, key := range []string{SettingInitialShards, SettingInitialShardsLegacy} {
		if v.IsSet(key) {
			s.InitialShards = v.GetString(key)
			break
		}
	}
	return s
}

type initialShardsKind int

const (
	initialShardsQuorum initialShardsKind = iota
	initialShardsQuorumMinusOne
	initialShardsOne
	initialShardsFull
	initialShardsFullMinusOne
	initialShardsExact
)

// initialShards is the resolved quorum mode for one index.
type initialShards struct {
	kind  initialShardsKind
	exact int
}

// parseInitialShards maps a setting value to a quorum mode. Unparseable
// values fall back to a single required copy.
func parseInitialShards(value string, logger *zap.Logger) initialShards {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "quorum":
		return initialShards{kind: initialShardsQuorum}
	case "quorum-1", "half":
		return initialShards{kind: initialShardsQuorumMinusOne}
	case "one":
		return initialShards{kind: initialShardsOne}
	case "full", "all":
		return initialShards{kind: initialShardsFull}
	case "full-1", "all-1":
		return initialShards{kind: initialShardsFullMinusOne}
	default:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			logger.Warn("Unparseable initial_shards value, defaulting to 1",
				zap.String("value", value))
			return initialShards{kind: initialShardsExact, exact: 1}
		}
		return initialShards{kind: initialShardsExact, exact: n}
	}
}

// required returns how many discoverable on-disk copies a primary needs
// before it may be allocated, given the index's replica count.
func (is initialShards) required(replicas int) int {
	switch is.kind {
	case initialShardsQuorum:
		if replicas+1 >= 3 {
			return (1+replicas)/2 + 1
		}
		return 1
	case initialShardsQuorumMinusOne:
		if replicas >= 3 {
			return (1 + replicas) / 2
		}
		return 1
	case initialShardsOne:
		return 1
	case initialShardsFull:
		return replicas + 1
	case initialShardsFullMinusOne:
		if replicas >= 2 {
			return replicas
		}
		return 1
	default:
		return is.exact
	}
}

// resolveInitialShards picks the quorum mode for an index: the index-level
// setting wins over the node-level default.
func (a *Allocator) resolveInitialShards(im *cluster.IndexMeta) initialShards {
	if v, ok := im.Setting(IndexSettingInitialShards); ok {
		return parseInitialShards(v, a.logger)
	}
	return parseInitialShards(a.settings.InitialShards, a.logger)
}
