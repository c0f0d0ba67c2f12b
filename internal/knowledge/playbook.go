package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	xerrors "OpenMCP-Fleet/internal/errors"
)

const defaultMaxResults = 3

// Provider 定义操作手册检索的通用接口。
type Provider interface {
	Query(mission, role string) []Snippet
}

// Snippet 描述可供大模型引用的一条操作经验。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Roles    []string `json:"roles"`
}

// Playbook 从 JSON 文件加载的静态操作手册。
type Playbook struct {
	items      []Snippet
	maxResults int
}

// NewPlaybook 创建操作手册实例。
func NewPlaybook(items []Snippet, maxResults int) *Playbook {
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &Playbook{items: items, maxResults: maxResults}
}

// LoadPlaybook 从 JSON 文件加载手册条目，格式错误时返回 ConfigError。
func LoadPlaybook(path string, maxResults int) (*Playbook, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.ConfigError("操作手册路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.ConfigError("解析操作手册路径失败: %v", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "读取操作手册失败")
	}

	var entries []Snippet
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeConfig, err, "解析操作手册失败")
	}
	for i, entry := range entries {
		if strings.TrimSpace(entry.Content) == "" {
			return nil, xerrors.ConfigError("操作手册第 %d 条内容为空", i+1)
		}
	}
	return NewPlaybook(entries, maxResults), nil
}

// Query 返回适用于该角色、且关键词出现在任务描述中的条目，按文件顺序截取。
func (p *Playbook) Query(mission, role string) []Snippet {
	if p == nil {
		return nil
	}
	mission = strings.ToLower(strings.TrimSpace(mission))
	role = strings.ToLower(strings.TrimSpace(role))

	results := make([]Snippet, 0, p.maxResults)
	for _, item := range p.items {
		if !forRole(item, role) || !mentioned(item, mission) {
			continue
		}
		results = append(results, item)
		if len(results) >= p.maxResults {
			break
		}
	}
	return results
}

// Len 返回手册条目数量。
func (p *Playbook) Len() int {
	if p == nil {
		return 0
	}
	return len(p.items)
}

func forRole(snippet Snippet, role string) bool {
	if len(snippet.Roles) == 0 {
		return true
	}
	for _, r := range snippet.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

func mentioned(snippet Snippet, mission string) bool {
	if len(snippet.Keywords) == 0 {
		return true
	}
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized != "" && strings.Contains(mission, normalized) {
			return true
		}
	}
	return false
}

var _ Provider = (*Playbook)(nil)
