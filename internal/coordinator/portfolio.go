package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"OpenMCP-Fleet/internal/web3"
)

const portfolioConcurrency = 8

// Holding 是单个钱包在读取时刻的余额。
type Holding struct {
	AgentID string             `json:"agent_id"`
	Address string             `json:"address"`
	Native  float64            `json:"native"`
	Assets  map[string]float64 `json:"assets,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// Portfolio 是金库与各智能体余额的近似快照，各钱包的读取时刻并不一致。
type Portfolio struct {
	Vault   Holding   `json:"vault"`
	Agents  []Holding `json:"agents"`
	Total   float64   `json:"total"`
	TakenAt time.Time `json:"taken_at"`
}

// Portfolio 并发读取金库与所有智能体的余额。单个智能体失败只记录在对应条目中。
func (c *Coordinator) Portfolio(ctx context.Context) (Portfolio, error) {
	type target struct {
		id     string
		wallet web3.Wallet
		assets []string
	}
	c.mu.RLock()
	targets := make([]target, 0, len(c.agents))
	for id, e := range c.agents {
		targets = append(targets, target{id: id, wallet: e.wallet, assets: e.assets})
	}
	c.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })

	out := Portfolio{
		Vault:   Holding{AgentID: c.cfg.VaultID, Address: c.deps.Vault.Address()},
		Agents:  make([]Holding, len(targets)),
		TakenAt: c.clock.Now(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(portfolioConcurrency)
	g.Go(func() error {
		balance, err := c.deps.Vault.Balance(gctx)
		if err != nil {
			return err
		}
		out.Vault.Native = balance
		return nil
	})

	var mu sync.Mutex
	for i, t := range targets {
		g.Go(func() error {
			h := Holding{AgentID: t.id, Address: t.wallet.Address()}
			balance, err := t.wallet.Balance(gctx)
			if err != nil {
				h.Error = err.Error()
			} else {
				h.Native = balance
				for _, asset := range t.assets {
					amount, err := t.wallet.AssetBalance(gctx, asset)
					if err != nil {
						h.Error = err.Error()
						break
					}
					if h.Assets == nil {
						h.Assets = map[string]float64{}
					}
					h.Assets[asset] = amount
				}
			}
			mu.Lock()
			out.Agents[i] = h
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Portfolio{}, err
	}

	out.Total = out.Vault.Native
	for _, h := range out.Agents {
		out.Total += h.Native
	}
	return out, nil
}
