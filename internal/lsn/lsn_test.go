package lsn

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTripleAdvanceMovesForwardOnly(t *testing.T) {
	var tr Triple

	tr.AdvanceReceived(100)
	assert.EqualValues(t, 100, tr.Received())

	tr.AdvanceReceived(50)
	assert.EqualValues(t, 100, tr.Received(), "lower value must not move the watermark backwards")

	tr.AdvanceReceived(150)
	assert.EqualValues(t, 150, tr.Received())
}

func TestTripleIndependentWatermarks(t *testing.T) {
	var tr Triple

	tr.AdvanceReceived(300)
	tr.AdvanceApplied(200)
	tr.AdvanceConfirmed(100)

	assert.EqualValues(t, 300, tr.Received())
	assert.EqualValues(t, 200, tr.Applied())
	assert.EqualValues(t, 100, tr.Confirmed())
}

func TestTripleConcurrentAdvanceIsMonotonic(t *testing.T) {
	var tr Triple
	var wg sync.WaitGroup

	for i := uint64(1); i <= 1000; i++ {
		wg.Add(1)
		go func(v uint64) {
			defer wg.Done()
			tr.AdvanceReceived(LSN(v))
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1000, tr.Received())
}

func TestAdvanceEqualValueIsNoop(t *testing.T) {
	var tr Triple
	tr.AdvanceReceived(42)
	tr.AdvanceReceived(42)
	assert.EqualValues(t, 42, tr.Received())
}
