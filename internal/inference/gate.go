// Package inference 提供进程级的推理资源闸门。
//
// 语音识别、语音合成等模型常驻在同一块加速卡上，不能被多个会话同时调用。
// Gate 用加权信号量把调用串行化（或限制到固定槽位数），等待者按先来先服务获得槽位。
package inference

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Gate 限制某类推理调用的并发度。nil Gate 不做任何限制。
type Gate struct {
	name    string
	slots   int64
	sem     *semaphore.Weighted
	inUse   atomic.Int64
	waiting atomic.Int64
	served  atomic.Int64
}

// Stats 是闸门的运行时快照。
type Stats struct {
	Name    string `json:"name"`
	Slots   int64  `json:"slots"`
	InUse   int64  `json:"inUse"`
	Waiting int64  `json:"waiting"`
	Served  int64  `json:"served"`
}

// NewGate 创建一个拥有 slots 个槽位的闸门，slots 小于 1 时按 1 处理。
func NewGate(name string, slots int) *Gate {
	if slots < 1 {
		slots = 1
	}
	return &Gate{
		name:  name,
		slots: int64(slots),
		sem:   semaphore.NewWeighted(int64(slots)),
	}
}

// Do 在持有槽位期间执行 fn。ctx 取消时放弃排队并返回 ctx 的错误。
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if g == nil {
		return fn(ctx)
	}

	g.waiting.Add(1)
	start := time.Now()
	err := g.sem.Acquire(ctx, 1)
	g.waiting.Add(-1)
	if err != nil {
		return fmt.Errorf("%s gate: %w", g.name, err)
	}
	if wait := time.Since(start); wait > time.Second {
		log.Printf("[gate] %s waited %s for a slot", g.name, wait.Round(time.Millisecond))
	}

	g.inUse.Add(1)
	defer func() {
		g.inUse.Add(-1)
		g.served.Add(1)
		g.sem.Release(1)
	}()

	return fn(ctx)
}

// Stats 返回当前占用情况。
func (g *Gate) Stats() Stats {
	if g == nil {
		return Stats{}
	}
	return Stats{
		Name:    g.name,
		Slots:   g.slots,
		InUse:   g.inUse.Load(),
		Waiting: g.waiting.Load(),
		Served:  g.served.Load(),
	}
}

// Name 返回闸门名称。
func (g *Gate) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}
