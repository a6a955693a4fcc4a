package churn

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// TimestampLayout is used for every timestamp written into churned files.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// FinalMarkerPrefix starts the line appended to each surviving file.
const FinalMarkerPrefix = "Final number2: "

var levels = []string{"INFO", "WARNING", "ERROR", "DEBUG"}

var messages = []string{
	"User logged in successfully",
	"Database connection established",
	"Cache miss for key user_profile",
	"Request processed in 120ms",
	"Failed to send notification email",
	"Retrying upstream request",
	"Configuration reloaded",
	"Background job completed",
}

func seedLine(index int) string {
	return fmt.Sprintf("Initial log file %d\n", index)
}

func messageLine(now time.Time, r *rand.Rand) string {
	level := levels[r.IntN(len(levels))]
	msg := messages[r.IntN(len(messages))]
	return fmt.Sprintf("[%s] %s: %s\n", now.Format(TimestampLayout), level, msg)
}

func createdLine(now time.Time) string {
	return fmt.Sprintf("Created at %s\n", now.Format(TimestampLayout))
}

func rotatedLine(now time.Time) string {
	return fmt.Sprintf("Rotated at %s\n", now.Format(TimestampLayout))
}

// FinalMarkerLine is the terminal line recording a file's rank.
func FinalMarkerLine(rank int) string {
	return fmt.Sprintf("%s%d\n", FinalMarkerPrefix, rank)
}
