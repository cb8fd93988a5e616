package util

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Debug is the highest DPrintf level that is emitted.
var Debug uint64 = 1

// PanicOnDefect turns contract violations reported through Defect into
// panics. Tests and debug builds set it.
var PanicOnDefect = false

var logger logrus.FieldLogger = logrus.StandardLogger()

// SetLogger replaces the logger used by DPrintf, Warnf and Defect.
func SetLogger(l logrus.FieldLogger) {
	logger = l
}

func Logger() logrus.FieldLogger {
	return logger
}

func DPrintf(level uint64, format string, a ...interface{}) {
	if level <= Debug {
		logger.WithField("dlevel", level).Infof(format, a...)
	}
}

// Warnf reports a recoverable condition, such as a dropped log registration.
func Warnf(format string, a ...interface{}) {
	logger.Warnf(format, a...)
}

// Defect reports a bookkeeping bug in a caller, such as releasing a buffer
// that is not pinned.
func Defect(format string, a ...interface{}) {
	msg := fmt.Sprintf(format, a...)
	logger.WithField("defect", true).Error(msg)
	if PanicOnDefect {
		panic(msg)
	}
}

func RoundUp(n uint64, sz uint64) uint64 {
	return (n + sz - 1) / sz
}

func Min(n uint64, m uint64) uint64 {
	if n < m {
		return n
	} else {
		return m
	}
}

// SumOverflows reports whether a+b does not fit in a uint64.
func SumOverflows(n uint64, m uint64) bool {
	return n+m < n
}

// SumOverflows32 reports whether a+b does not fit in a uint32.
func SumOverflows32(n uint32, m uint32) bool {
	return n+m < n
}

// NextPow2 returns the smallest power of two >= n (and 1 for n == 0).
func NextPow2(n uint64) uint64 {
	var p uint64 = 1
	for p < n {
		p <<= 1
	}
	return p
}

func CloneByteSlice(s []byte) []byte {
	s2 := make([]byte, len(s))
	copy(s2, s)
	return s2
}
