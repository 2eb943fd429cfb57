package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"talkscribe/internal/progress"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
)

const stageLabelWidth = 11

func renderProgressLine(e progress.Event, colorize bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s", stageLabelWidth, "["+string(e.Stage)+"]")
	if e.Percent >= 0 {
		fmt.Fprintf(&b, " %3.0f%%", e.Percent)
	} else {
		b.WriteString("     ")
	}
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = string(e.Status)
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	if e.Cached {
		b.WriteString(" (cached)")
	}
	if e.ErrorKind != "" {
		fmt.Fprintf(&b, " [%s]", e.ErrorKind)
	}
	line := b.String()
	if colorize {
		if color := statusColor(e); color != "" {
			return color + line + ansiReset
		}
	}
	return line
}

func statusColor(e progress.Event) string {
	switch e.Status {
	case progress.StatusError:
		return ansiRed
	case progress.StatusDone:
		if e.Cached {
			return ansiYellow
		}
		return ansiGreen
	case progress.StatusStarted:
		return ansiBlue
	default:
		return ""
	}
}

func shouldColorize(writer io.Writer) bool {
	file, ok := writer.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
