package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the assets the
// fleet tracks on it.
type ChainDefinition struct {
	Type         string                     `yaml:"type"`
	RPCURL       string                     `yaml:"rpc_url"`
	ChainID      int64                      `yaml:"chain_id"`
	NativeSymbol string                     `yaml:"native_symbol"`
	Tokens       map[string]TokenDefinition `yaml:"tokens"`
	Description  string                     `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if def.NativeSymbol == "" {
			def.NativeSymbol = "ETH"
		}
		defs.Chains[name] = def
	}
	return defs, nil
}
