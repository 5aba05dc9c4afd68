package udmi

import (
	"fmt"
	"time"
)

// Level is a UDMI severity level.
type Level int

// UDMI severity levels.
const (
	LevelTrace    Level = 50
	LevelDebug    Level = 100
	LevelInfo     Level = 200
	LevelNotice   Level = 300
	LevelWarning  Level = 400
	LevelError    Level = 500
	LevelCritical Level = 600
)

// String returns the UDMI name of the level.
func (l Level) String() string {
	switch {
	case l >= LevelCritical:
		return "CRITICAL"
	case l >= LevelError:
		return "ERROR"
	case l >= LevelWarning:
		return "WARNING"
	case l >= LevelNotice:
		return "NOTICE"
	case l >= LevelInfo:
		return "INFO"
	case l >= LevelDebug:
		return "DEBUG"
	default:
		return "TRACE"
	}
}

// Status is a UDMI status entry: what went wrong, where, and how badly.
type Status struct {
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
}

// NewStatus builds a status entry stamped with the given time.
func NewStatus(category string, level Level, message string, at time.Time) *Status {
	return &Status{
		Message:   message,
		Category:  category,
		Timestamp: at.UTC(),
		Level:     level,
	}
}

// ErrorStatus converts err into an ERROR status under category.
func ErrorStatus(category string, err error, at time.Time) *Status {
	return NewStatus(category, LevelError, fmt.Sprintf("%s: %v", category, err), at)
}

// MostSevere returns the entry with the highest level, preferring the most
// recent one when levels tie. Nil entries are ignored.
func MostSevere(entries ...*Status) *Status {
	var worst *Status
	for _, s := range entries {
		if s == nil {
			continue
		}
		if worst == nil || s.Level > worst.Level ||
			(s.Level == worst.Level && s.Timestamp.After(worst.Timestamp)) {
			worst = s
		}
	}
	return worst
}

// Entry is a log entry carried in system events.
type Entry struct {
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"`
	Category  string    `json:"category"`
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
}
