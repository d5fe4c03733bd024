package gwutils

import (
	"github.com/pkg/errors"
	"github.com/xiaonanln/cellworld/engine/gwlog"
)

// RunPanicless calls a function panic-freely
func RunPanicless(f func()) (paniced bool) {
	defer func() {
		err := recover()
		if err != nil {
			gwlog.TraceError("%p panic: %v", f, err)
			paniced = true
		}
	}()

	f()
	return
}

// CatchPanic runs f and converts a panic into an error
func CatchPanic(f func()) (err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if e, ok := r.(error); ok {
			err = errors.Wrap(e, "panic")
		} else {
			err = errors.Errorf("panic: %v", r)
		}
	}()

	f()
	return
}
