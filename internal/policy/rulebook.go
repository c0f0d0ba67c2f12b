package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Fleet/internal/errors"
)

// RuleBook 是从 YAML 加载的默认规则与按智能体的覆盖项。
type RuleBook struct {
	Default Rules                 `yaml:"default"`
	Agents  map[string]RulesPatch `yaml:"agents"`
}

// DefaultRuleBook 返回只包含默认规则的规则集。
func DefaultRuleBook() *RuleBook {
	return &RuleBook{Default: DefaultRules(), Agents: map[string]RulesPatch{}}
}

// LoadRuleBook 读取规则文件。路径为空时返回默认规则；任何非法规则都会返回 ConfigError。
func LoadRuleBook(path string) (*RuleBook, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultRuleBook(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取规则文件失败: %w", err)
	}
	book := &RuleBook{Default: DefaultRules()}
	if err := yaml.Unmarshal(content, book); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析规则文件失败")
	}
	if book.Agents == nil {
		book.Agents = map[string]RulesPatch{}
	}
	if err := book.Default.Validate(); err != nil {
		return nil, fmt.Errorf("默认规则: %w", err)
	}
	for id := range book.Agents {
		if _, err := book.For(id); err != nil {
			return nil, fmt.Errorf("智能体 %s 的规则: %w", id, err)
		}
	}
	return book, nil
}

// For 返回智能体的有效规则：默认规则叠加该智能体的覆盖项。
func (b *RuleBook) For(agentID string) (Rules, error) {
	rules := b.Default.Merge(b.Agents[agentID])
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules, nil
}
