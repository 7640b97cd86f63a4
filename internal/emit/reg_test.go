package emit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPickScratchRegAvoidsGiven(t *testing.T) {
	r := PickScratchReg(RCX, RDX)
	assert.NotEqual(t, RCX, r)
	assert.NotEqual(t, RDX, r)
}

func TestPickScratchRegDeterministic(t *testing.T) {
	assert.Equal(t, RCX, PickScratchReg())
	assert.Equal(t, RDX, PickScratchReg(RCX))
}

func TestPickScratchRegFallsBackWhenEverythingAvoided(t *testing.T) {
	r := PickScratchReg(scratchOrder...)
	assert.Equal(t, RCX, r)
}
