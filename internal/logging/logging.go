// Package logging wraps the standard logger with the teacher's
// bracketed-level convention ("[INFO]", "[FAIL]", "[ERROR]"), colorizing
// the tag when the output stream is an interactive terminal.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/mitchellh/colorstring"
	"golang.org/x/term"
)

// Logger prints bracketed, leveled lines the way the teacher's
// log.Printf("[INFO]\t...") call sites did, through a single choke point so
// the color decision is made once.
type Logger struct {
	out   *log.Logger
	color bool
}

// New builds a Logger writing to w. Color is enabled only when w is an
// *os.File attached to a terminal.
func New(w io.Writer) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}

	return &Logger{
		out:   log.New(w, "", log.LstdFlags),
		color: color,
	}
}

// Default is a ready-to-use Logger over stderr, matching where the
// teacher's log package writes by default.
var Default = New(os.Stderr)

func (l *Logger) tag(level, color string) string {
	if !l.color {
		return "[" + level + "]"
	}
	return colorstring.Color(fmt.Sprintf("[%s][%s]", color, level))
}

// Infof logs a routine informational line.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.out.Printf("%s\t%s", l.tag("INFO", "cyan"), fmt.Sprintf(format, args...))
}

// Failf logs a recoverable failure, such as a session that terminated or a
// tracker that didn't answer.
func (l *Logger) Failf(format string, args ...interface{}) {
	l.out.Printf("%s\t%s", l.tag("FAIL", "yellow"), fmt.Sprintf(format, args...))
}

// Errorf logs an unrecoverable condition.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.out.Printf("%s\t%s", l.tag("ERROR", "red"), fmt.Sprintf(format, args...))
}
