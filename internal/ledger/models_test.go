package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckTZ(t *testing.T) {
	assert.ErrorIs(t, CheckTZ(time.Time{}), ErrNaiveTimestamp)
	assert.NoError(t, CheckTZ(time.Now()))
	assert.NoError(t, CheckTZ(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestUsagePointSegmentIsLinky(t *testing.T) {
	assert.True(t, SegmentC5.IsLinky())
	assert.True(t, SegmentP4.IsLinky())
	assert.False(t, SegmentC1.IsLinky())
	assert.False(t, SegmentP1.IsLinky())
}
