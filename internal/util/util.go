// Package util provides small formatting helpers shared by the CLI, logs
// and the status endpoint.
package util

import (
	"fmt"
	"strings"
	"time"

	"github.com/stepbus/stepbus/pkg/core"
)

// TrimQuotes removes leading and trailing double quotes from a string.
func TrimQuotes(s string) string {
	return strings.Trim(s, `"`)
}

// FormatDuration renders a step duration in milliseconds as "3s" or "1m30s".
func FormatDuration(ms uint64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

// FormatStepSummary builds a one-line description of a step.
// Format: "Name: 2000 rpm, 90.1 km/h, gear 6, cabin 22°C [3s]" with an
// empty name omitted.
func FormatStepSummary(step core.DrivingStep) string {
	var b strings.Builder
	if step.StepName != "" {
		b.WriteString(step.StepName)
		b.WriteString(": ")
	}
	fmt.Fprintf(&b, "%d rpm, %.1f km/h, gear %s, cabin %d°C",
		step.Engine.RPM,
		step.Speed.VehicleSpeed,
		core.GearLabel(step.Speed.GearPosition),
		step.Climate.CabinTemp,
	)
	if !step.Engine.EngineRunning {
		b.WriteString(", engine off")
	}
	b.WriteString(" [")
	b.WriteString(FormatDuration(step.DurationMs))
	b.WriteByte(']')
	return b.String()
}
