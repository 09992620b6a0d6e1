package config

import (
	"fmt"
	"log"
	"time"

	"github.com/goccy/go-json"
)

// Debugging toggles, teacher style (configs/glob_var.go): cheap
// package-level switches; no flag or test in this tree changes them
// from the defaults below.
var (
	ShowDebugInfo = false
	ShowTestInfo  = ShowDebugInfo
	ShowWarnings  = true
	LogToFile     = false
)

func stamp() string {
	return time.Now().Format("15:04:05.000")
}

func DPrintf(format string, a ...interface{}) {
	if !ShowDebugInfo {
		return
	}
	emit(format, a...)
}

func TPrintf(format string, a ...interface{}) {
	if !ShowTestInfo {
		return
	}
	emit(format, a...)
}

func emit(format string, a ...interface{}) {
	line := stamp() + " <-> " + fmt.Sprintf(format, a...)
	if LogToFile {
		log.Println(line)
	} else {
		fmt.Println(line)
	}
}

// Warn logs msg when cond is false and warnings are enabled; returns cond
// unchanged so call sites can write `ok = Warn(ok, "...")`.
func Warn(cond bool, msg string) bool {
	if !cond && ShowWarnings {
		emit("[WARN] %s", msg)
	}
	return cond
}

// Assert panics with msg when cond is false. Reserved for invariants that
// would otherwise corrupt on-disk state if allowed to proceed; everything
// recoverable returns a *verrors.Error instead.
func Assert(cond bool, msg string) {
	if !cond {
		panic("[ASSERT] " + msg)
	}
}

// JPrint dumps v as JSON for debugging, mirroring the teacher's JPrint.
func JPrint(v interface{}) {
	b, _ := json.Marshal(v)
	fmt.Println(string(b))
}

func JString(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}
