// Package rlog is a thin wrapper over the standard library's log
// package giving every component a leveled, bracket-tagged logger,
// e.g. log.Printf("[LABELCOORD] ..."), matching the teacher's own
// ambient logging convention rather than introducing a new dependency.
package rlog

import "log"

// Logger prefixes every message with a fixed "[TAG]" component marker
// and a level word.
type Logger struct {
	tag string
}

// New returns a Logger that prefixes messages with "[tag]".
func New(tag string) Logger {
	return Logger{tag: "[" + tag + "]"}
}

func (l Logger) Debugf(format string, args ...any) {
	log.Printf(l.tag+" DEBUG "+format, args...)
}

func (l Logger) Infof(format string, args ...any) {
	log.Printf(l.tag+" "+format, args...)
}

func (l Logger) Warnf(format string, args ...any) {
	log.Printf(l.tag+" WARN "+format, args...)
}

func (l Logger) Errorf(format string, args ...any) {
	log.Printf(l.tag+" ERROR "+format, args...)
}
