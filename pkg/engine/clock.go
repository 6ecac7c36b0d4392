package engine

import (
	"sync"
	"time"
)

var unixEpoch = time.Unix(0, 0).UTC()

// BlockClock derives block height from wall-clock time since a genesis
// instant at a fixed block interval.
type BlockClock struct {
	Genesis   time.Time
	BlockTime time.Duration

	now func() time.Time
}

// NewBlockClock creates a clock producing one block every blockTime since
// genesis.
func NewBlockClock(genesis time.Time, blockTime time.Duration) *BlockClock {
	if blockTime <= 0 {
		blockTime = time.Second
	}
	return &BlockClock{Genesis: genesis, BlockTime: blockTime, now: time.Now}
}

// Now implements Clock.
func (c *BlockClock) Now() BlockInfo {
	t := c.now().UTC()
	var height uint64
	if elapsed := t.Sub(c.Genesis); elapsed > 0 {
		height = uint64(elapsed / c.BlockTime)
	}
	return BlockInfo{Height: height, Time: t}
}

// ManualClock is a Clock that only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	cur BlockInfo
}

// NewManualClock creates a manual clock starting at the given point.
func NewManualClock(height uint64, t time.Time) *ManualClock {
	return &ManualClock{cur: BlockInfo{Height: height, Time: t}}
}

// Now implements Clock.
func (c *ManualClock) Now() BlockInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Advance moves the clock forward by the given number of blocks and duration.
func (c *ManualClock) Advance(blocks uint64, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.Height += blocks
	c.cur.Time = c.cur.Time.Add(d)
}
