package security

import (
	"fmt"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler provides consistent panic recovery across goroutines
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{logger: logger}
}

// Recover recovers from panics and logs them
func (ph *PanicHandler) Recover(context string) {
	if r := recover(); r != nil {
		stack := debug.Stack()

		ph.logger.WithFields(logrus.Fields{
			"panic":   fmt.Sprintf("%v", r),
			"context": context,
			"stack":   string(stack),
		}).Error("Recovered from panic")
	}
}

// RecoverWithCallback recovers from panics, logs them, and hands the
// panic value to the callback
func (ph *PanicHandler) RecoverWithCallback(context string, callback func(interface{})) {
	if r := recover(); r != nil {
		stack := debug.Stack()

		ph.logger.WithFields(logrus.Fields{
			"panic":   fmt.Sprintf("%v", r),
			"context": context,
			"stack":   string(stack),
		}).Error("Recovered from panic")

		if callback != nil {
			callback(r)
		}
	}
}

// SafeGo runs a function in a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(fn func(), context string) {
	go func() {
		defer ph.Recover(context)
		fn()
	}()
}
