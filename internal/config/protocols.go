package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/viper"

	"lpwatch/internal/model"
)

// ProtocolConfig describes one exchange deployment.
type ProtocolConfig struct {
	Name             model.Protocol
	RPCURL           string
	PositionManager  common.Address
	ChainID          uint64
	PoolInitCodeHash common.Hash
	Factory          common.Address
	RewardToken      string
	PairsAPI         string
}

// Protocols is an immutable protocol table keyed by name.
type Protocols struct {
	byName map[model.Protocol]ProtocolConfig
	names  []model.Protocol
}

// NewProtocols builds a table; names are lowercased and must be unique.
func NewProtocols(list []ProtocolConfig) (Protocols, error) {
	byName := make(map[model.Protocol]ProtocolConfig, len(list))
	names := make([]model.Protocol, 0, len(list))
	for _, p := range list {
		p.Name = model.Protocol(strings.ToLower(strings.TrimSpace(string(p.Name))))
		if p.Name == "" {
			return Protocols{}, fmt.Errorf("protocol name is required")
		}
		if _, ok := byName[p.Name]; ok {
			return Protocols{}, fmt.Errorf("duplicate protocol: %s", p.Name)
		}
		byName[p.Name] = p
		names = append(names, p.Name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return Protocols{byName: byName, names: names}, nil
}

// Get returns the configuration for a protocol.
func (p Protocols) Get(name model.Protocol) (ProtocolConfig, bool) {
	cfg, ok := p.byName[name]
	return cfg, ok
}

// Lookup resolves user input such as "Nile" to a configured protocol.
func (p Protocols) Lookup(input string) (model.Protocol, bool) {
	name := model.Protocol(strings.ToLower(strings.TrimSpace(input)))
	_, ok := p.byName[name]
	return name, ok
}

// Names returns protocol names in sorted order.
func (p Protocols) Names() []model.Protocol {
	out := make([]model.Protocol, len(p.names))
	copy(out, p.names)
	return out
}

// Len returns the number of protocols.
func (p Protocols) Len() int {
	return len(p.names)
}

// DefaultProtocols is the built-in deployment table.
var DefaultProtocols = []ProtocolConfig{
	{
		Name:             "nile",
		RPCURL:           "https://rpc.linea.build",
		PositionManager:  common.HexToAddress("0xAAA78E8C4241990B4ce159E105dA08129345946A"),
		ChainID:          59144,
		PoolInitCodeHash: common.HexToHash("0x1565b129f2d1790f12d45301b9b084335626f0c92410bc43130763b69971135d"),
		Factory:          common.HexToAddress("0xAAA32926fcE6bE95ea2c51cB4Fcb60836D320C42"),
		RewardToken:      "NILE",
		PairsAPI:         "https://nile-api-production.up.railway.app/mixed-pairs",
	},
	{
		Name:             "pharaoh",
		RPCURL:           "https://avalanche.drpc.org",
		PositionManager:  common.HexToAddress("0xAAA78E8C4241990B4ce159E105dA08129345946A"),
		ChainID:          43114,
		PoolInitCodeHash: common.HexToHash("0x1565b129f2d1790f12d45301b9b084335626f0c92410bc43130763b69971135d"),
		Factory:          common.HexToAddress("0xAAA32926fcE6bE95ea2c51cB4Fcb60836D320C42"),
		RewardToken:      "PHAR",
		PairsAPI:         "https://pharaoh-api-production.up.railway.app/mixed-pairs",
	},
	{
		Name:             "nuri",
		RPCURL:           "https://scroll.drpc.org",
		PositionManager:  common.HexToAddress("0xAAA78E8C4241990B4ce159E105dA08129345946A"),
		ChainID:          534352,
		PoolInitCodeHash: common.HexToHash("0x1565b129f2d1790f12d45301b9b084335626f0c92410bc43130763b69971135d"),
		Factory:          common.HexToAddress("0xAAA32926fcE6bE95ea2c51cB4Fcb60836D320C42"),
		RewardToken:      "NURI",
		PairsAPI:         "https://nuri-api-production.up.railway.app/mixed-pairs",
	},
	{
		Name:             "ra",
		RPCURL:           "https://rpc.frax.com",
		PositionManager:  common.HexToAddress("0xAAA78E8C4241990B4ce159E105dA08129345946A"),
		ChainID:          252,
		PoolInitCodeHash: common.HexToHash("0x1565b129f2d1790f12d45301b9b084335626f0c92410bc43130763b69971135d"),
		Factory:          common.HexToAddress("0xAAA32926fcE6bE95ea2c51cB4Fcb60836D320C42"),
		RewardToken:      "",
		PairsAPI:         "https://ra-api-production.up.railway.app/mixed-pairs",
	},
	{
		Name:             "cleo",
		RPCURL:           "https://mantle.drpc.org",
		PositionManager:  common.HexToAddress("0xAAA78E8C4241990B4ce159E105dA08129345946A"),
		ChainID:          5000,
		PoolInitCodeHash: common.HexToHash("0x1565b129f2d1790f12d45301b9b084335626f0c92410bc43130763b69971135d"),
		Factory:          common.HexToAddress("0xAAA32926fcE6bE95ea2c51cB4Fcb60836D320C42"),
		RewardToken:      "CLEO",
		PairsAPI:         "https://cleopatra-api-production.up.railway.app/mixed-pairs",
	},
	{
		Name:             "ramses",
		RPCURL:           "https://arbitrum.drpc.org",
		PositionManager:  common.HexToAddress("0xAA277CB7914b7e5514946Da92cb9De332Ce610EF"),
		ChainID:          42161,
		PoolInitCodeHash: common.HexToHash("0x1565b129f2d1790f12d45301b9b084335626f0c92410bc43130763b69971135d"),
		Factory:          common.HexToAddress("0xAA2cd7477c451E703f3B9Ba5663334914763edF8"),
		RewardToken:      "RAM",
		PairsAPI:         "https://api-v2-production-a6e6.up.railway.app/mixed-pairs",
	},
}

// Legacy per-chain RPC variables still honored for the built-in protocols.
var legacyRPCEnv = map[model.Protocol]string{
	"nile":    "LINEA_RPC",
	"pharaoh": "AVALANCHE_RPC",
	"nuri":    "SCROLL_RPC",
	"ra":      "FRAX_RPC",
	"cleo":    "MANTLE_RPC",
	"ramses":  "ARBITRUM_RPC",
}

func setProtocolDefaults(v *viper.Viper) error {
	for _, p := range DefaultProtocols {
		prefix := "protocols." + string(p.Name) + "."
		v.SetDefault(prefix+"rpc", p.RPCURL)
		v.SetDefault(prefix+"position-manager", p.PositionManager.Hex())
		v.SetDefault(prefix+"chain-id", p.ChainID)
		v.SetDefault(prefix+"pool-init-code-hash", p.PoolInitCodeHash.Hex())
		v.SetDefault(prefix+"factory", p.Factory.Hex())
		v.SetDefault(prefix+"reward-token", p.RewardToken)
		v.SetDefault(prefix+"pairs-api", p.PairsAPI)

		envs := []string{protocolEnvName(p.Name, "rpc")}
		if legacy, ok := legacyRPCEnv[p.Name]; ok {
			envs = append(envs, legacy)
		}
		if err := v.BindEnv(append([]string{prefix + "rpc"}, envs...)...); err != nil {
			return fmt.Errorf("bind protocol env: %w", err)
		}
	}
	return nil
}

func protocolEnvName(name model.Protocol, field string) string {
	key := strings.ToUpper(string(name) + "_" + field)
	key = strings.NewReplacer("-", "_", ".", "_").Replace(key)
	return envPrefix + "_PROTOCOLS_" + key
}

func loadProtocols(v *viper.Viper, enabled []string) (Protocols, error) {
	names := make(map[string]struct{})
	for _, p := range DefaultProtocols {
		names[string(p.Name)] = struct{}{}
	}
	for name := range v.GetStringMap("protocols") {
		names[strings.ToLower(name)] = struct{}{}
	}

	if len(enabled) > 0 {
		filtered := make(map[string]struct{}, len(enabled))
		for _, name := range enabled {
			name = strings.ToLower(name)
			if _, ok := names[name]; !ok {
				return Protocols{}, fmt.Errorf("enabled protocol %q is not configured", name)
			}
			filtered[name] = struct{}{}
		}
		names = filtered
	}

	list := make([]ProtocolConfig, 0, len(names))
	for name := range names {
		prefix := "protocols." + name + "."
		cfg, err := parseProtocol(model.Protocol(name), protocolValues{
			RPCURL:           v.GetString(prefix + "rpc"),
			PositionManager:  v.GetString(prefix + "position-manager"),
			ChainID:          v.GetUint64(prefix + "chain-id"),
			PoolInitCodeHash: v.GetString(prefix + "pool-init-code-hash"),
			Factory:          v.GetString(prefix + "factory"),
			RewardToken:      v.GetString(prefix + "reward-token"),
			PairsAPI:         v.GetString(prefix + "pairs-api"),
		})
		if err != nil {
			return Protocols{}, err
		}
		list = append(list, cfg)
	}
	return NewProtocols(list)
}

type protocolValues struct {
	RPCURL           string
	PositionManager  string
	ChainID          uint64
	PoolInitCodeHash string
	Factory          string
	RewardToken      string
	PairsAPI         string
}

func parseProtocol(name model.Protocol, values protocolValues) (ProtocolConfig, error) {
	if strings.TrimSpace(values.RPCURL) == "" {
		return ProtocolConfig{}, fmt.Errorf("protocol %s: rpc url is required", name)
	}
	if !common.IsHexAddress(values.PositionManager) {
		return ProtocolConfig{}, fmt.Errorf("protocol %s: invalid position manager: %q", name, values.PositionManager)
	}
	if !common.IsHexAddress(values.Factory) {
		return ProtocolConfig{}, fmt.Errorf("protocol %s: invalid factory: %q", name, values.Factory)
	}
	hash, err := hexutil.Decode(values.PoolInitCodeHash)
	if err != nil || len(hash) != common.HashLength {
		return ProtocolConfig{}, fmt.Errorf("protocol %s: invalid pool init code hash: %q", name, values.PoolInitCodeHash)
	}
	if values.ChainID == 0 {
		return ProtocolConfig{}, fmt.Errorf("protocol %s: chain id is required", name)
	}

	return ProtocolConfig{
		Name:             name,
		RPCURL:           strings.TrimSpace(values.RPCURL),
		PositionManager:  common.HexToAddress(values.PositionManager),
		ChainID:          values.ChainID,
		PoolInitCodeHash: common.BytesToHash(hash),
		Factory:          common.HexToAddress(values.Factory),
		RewardToken:      strings.TrimSpace(values.RewardToken),
		PairsAPI:         values.PairsAPI,
	}, nil
}
