package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Run log lines written by the engine. Operators grep for these, keep them stable.

func PipelineStartedMessage(pipeline string) string {
	return fmt.Sprintf("pipeline %s started", pipeline)
}

func PipelineEndedMessage(status RunStatus) string {
	switch status {
	case RunStatusSucceeded:
		return "pipeline completed"
	case RunStatusStopped:
		return "pipeline stopped"
	default:
		return "pipeline failed"
	}
}

func StepStartedMessage(step string) string {
	return fmt.Sprintf("step %s started", step)
}

func StepCompletedMessage(step string, elapsed time.Duration) string {
	return fmt.Sprintf("step %s completed in %.2f seconds", step, elapsed.Seconds())
}

func StepFailedMessage(step, reason string) string {
	return fmt.Sprintf("step %s failed: %s", step, reason)
}

var stepCompletedRE = regexp.MustCompile(`^step (.+) completed in ([0-9]+(?:\.[0-9]+)?) seconds$`)

// ParseStepCompleted extracts the step name and runtime from a completion line.
func ParseStepCompleted(msg string) (string, float64, bool) {
	m := stepCompletedRE.FindStringSubmatch(msg)
	if m == nil {
		return "", 0, false
	}
	seconds, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return "", 0, false
	}
	return m[1], seconds, true
}

// OneLine folds a multi-line failure reason into a single log-safe line.
func OneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
