package gwutils

import (
	"fmt"
	"testing"

	"github.com/bmizerany/assert"
)

func TestRunPanicless(t *testing.T) {
	assert.T(t, RunPanicless(func() {
		panic(1)
	}))
	assert.T(t, RunPanicless(func() {
		panic(fmt.Errorf("bad"))
	}))
	assert.T(t, !RunPanicless(func() {}))
}

func TestCatchPanic(t *testing.T) {
	assert.Equal(t, nil, CatchPanic(func() {}))
	err := CatchPanic(func() {
		panic("short packet")
	})
	assert.NotEqual(t, nil, err)
	assert.Equal(t, "panic: short packet", err.Error())
}
