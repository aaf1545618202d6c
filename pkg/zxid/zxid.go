package zxid

import (
	"sync"
)

/*
The ZXID has two parts: the epoch and a counter. In our implementation the zxid is a 64-bit number.
We use the high order 32-bits for the epoch and the low order 32-bits for the counter.
Because it has two parts represent the zxid both as a number and as a pair of integers, (epoch, count).
The epoch number represents a change in leadership. Each time a new leader comes into power it will have its
own epoch number.
We have a simple algorithm to assign a unique zxid to a proposal:
- the leader simply increments the zxid to obtain a unique zxid for each proposal.
A new leader establishes a zxid to start using for new proposals by getting the epoch,
e, of the highest zxid it has seen and setting the next zxid to use to be (e+1, 0)
Taken from the official Zookeeper documentation: https://zookeeper.apache.org/doc/r3.4.13/zookeeperInternals.html#sc_guaranteesPropertiesDefinitions
*/
type ZXID int64

func NewZXID(epoch int32, counter int32) ZXID {
	return ZXID(int64(epoch)<<32 | int64(uint32(counter)))
}

func (z ZXID) GetEpoch() int32 {
	return int32(z >> 32)
}

func (z ZXID) GetCounter() int32 {
	return int32(z & 0xFFFFFFFF)
}

// Generator hands out strictly increasing zxids for committed transactions.
type Generator struct {
	mu   sync.Mutex
	last ZXID
}

// NewGenerator continues after last. When last belongs to an older epoch the generator starts
// the new epoch at counter zero, the way a newly elected leader does.
func NewGenerator(epoch int32, last ZXID) *Generator {
	if last.GetEpoch() < epoch {
		last = NewZXID(epoch, 0)
	}
	return &Generator{last: last}
}

func (g *Generator) Next() ZXID {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last++
	return g.last
}

func (g *Generator) Last() ZXID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
