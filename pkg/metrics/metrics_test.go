package metrics

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersSnapshot(t *testing.T) {
	var c Counters
	c.IncEventsIngested()
	c.AddEventsPersisted(3)
	c.IncBatchesProcessed()
	c.IncEventsDeduped()
	c.AddEventsDLQed(2)
	c.IncSessionsStarted()
	c.IncSessionsEnded()

	snap := c.Snapshot()
	assert.Equal(t, Snapshot{
		EventsIngested:   1,
		EventsPersisted:  3,
		BatchesProcessed: 1,
		EventsDeduped:    1,
		EventsDLQed:      2,
		SessionsStarted:  1,
		SessionsEnded:    1,
	}, snap)
}

func TestCountersConcurrentIncrement(t *testing.T) {
	var c Counters
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.IncEventsIngested()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(100), c.Snapshot().EventsIngested)
}
