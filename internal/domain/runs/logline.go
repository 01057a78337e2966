package runs

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Log levels written to execution.log.
const (
	LevelInfo    = "INFO"
	LevelWarning = "WARNING"
	LevelError   = "ERROR"
)

// LogLine is one parsed execution.log entry.
type LogLine struct {
	Timestamp time.Time
	Level     string
	Message   string
}

// FormatLogLine renders "[<RFC3339>] <LEVEL>: <message>\n".
func FormatLogLine(ts time.Time, level, msg string) []byte {
	msg = strings.ReplaceAll(msg, "\n", " ")
	return []byte(fmt.Sprintf("[%s] %s: %s\n", ts.UTC().Format(time.RFC3339), strings.ToUpper(level), msg))
}

var rxLogLine = regexp.MustCompile(`^\[([^\]]+)\]\s+([A-Za-z]+):\s?(.*)$`)

var logTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseLogLine parses one line; anything not matching the format becomes a
// raw "info" message stamped with now.
func ParseLogLine(line string, now time.Time) LogLine {
	line = strings.TrimRight(line, "\r\n")
	m := rxLogLine.FindStringSubmatch(line)
	if m == nil {
		return LogLine{Timestamp: now, Level: "info", Message: line}
	}
	for _, layout := range logTimeLayouts {
		if ts, err := time.Parse(layout, m[1]); err == nil {
			return LogLine{Timestamp: ts, Level: strings.ToLower(m[2]), Message: m[3]}
		}
	}
	return LogLine{Timestamp: now, Level: "info", Message: line}
}

// SplitCompleteLines returns the complete lines in chunk and the number of
// bytes they occupy. A trailing partial line is left for the next read.
func SplitCompleteLines(chunk []byte) (lines []string, consumed int) {
	last := bytes.LastIndexByte(chunk, '\n')
	if last < 0 {
		return nil, 0
	}
	complete := chunk[:last+1]
	for _, l := range bytes.SplitAfter(complete, []byte{'\n'}) {
		if len(l) == 0 {
			continue
		}
		s := strings.TrimRight(string(l), "\r\n")
		if strings.TrimSpace(s) == "" {
			continue
		}
		lines = append(lines, s)
	}
	return lines, last + 1
}
