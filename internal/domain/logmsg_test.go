package domain

import (
	"testing"
	"time"
)

func TestStepCompletedRoundTrip(t *testing.T) {
	msg := StepCompletedMessage("train model", 2500*time.Millisecond)
	if msg != "step train model completed in 2.50 seconds" {
		t.Fatalf("msg=%q", msg)
	}
	step, seconds, ok := ParseStepCompleted(msg)
	if !ok || step != "train model" || seconds != 2.5 {
		t.Fatalf("parsed %q %v %v", step, seconds, ok)
	}
	for _, other := range []string{StepStartedMessage("a"), StepFailedMessage("a", "boom"), "step a completed in soon seconds"} {
		if _, _, ok := ParseStepCompleted(other); ok {
			t.Fatalf("parsed non-completion line %q", other)
		}
	}
}

func TestPipelineEndedMessage(t *testing.T) {
	cases := map[RunStatus]string{
		RunStatusSucceeded: "pipeline completed",
		RunStatusStopped:   "pipeline stopped",
		RunStatusFailed:    "pipeline failed",
	}
	for status, want := range cases {
		if got := PipelineEndedMessage(status); got != want {
			t.Fatalf("%s: got %q", status, got)
		}
	}
	if PipelineStartedMessage("smoke") != "pipeline smoke started" {
		t.Fatalf("unexpected started message")
	}
}

func TestOneLine(t *testing.T) {
	if got := OneLine("exit status 1:\n  missing file\r\n"); got != "exit status 1: missing file" {
		t.Fatalf("got %q", got)
	}
}
