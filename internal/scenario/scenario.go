// Package scenario loads driving scenarios and plays them against a step
// sender such as the HTTP or WebSocket client.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/internal/util"
	"github.com/stepbus/stepbus/pkg/core"
)

// Scenario is a named, ordered list of steps.
type Scenario struct {
	Name  string             `json:"name"`
	Steps []core.DrivingStep `json:"steps"`
}

// file is the YAML shape. Steps stay generic so they go through the same
// validation as JSON bodies.
type file struct {
	Name  string           `yaml:"name"`
	Steps []map[string]any `yaml:"steps"`
}

// Load reads a YAML scenario. Every step needs the same fields as a
// DrivingStep JSON body, with the same snake_case names.
func Load(r io.Reader, p *parser.Parser) (Scenario, error) {
	var f file
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return Scenario{}, fmt.Errorf("decode scenario: %w", err)
	}
	if len(f.Steps) == 0 {
		return Scenario{}, errors.New("scenario has no steps")
	}

	sc := Scenario{Name: f.Name, Steps: make([]core.DrivingStep, 0, len(f.Steps))}
	for i, raw := range f.Steps {
		data, err := json.Marshal(raw)
		if err != nil {
			return Scenario{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		step, err := p.ParseStep(data)
		if err != nil {
			return Scenario{}, fmt.Errorf("step %d: %w", i+1, err)
		}
		sc.Steps = append(sc.Steps, step)
	}
	return sc, nil
}

// LoadFile reads a YAML scenario from path.
func LoadFile(path string, p *parser.Parser) (Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, err
	}
	defer f.Close()
	return Load(f, p)
}

// Sender delivers one step and reports the order key it was stored under.
type Sender interface {
	SendStep(ctx context.Context, step core.DrivingStep, order core.ByteOrder) (core.StepNotice, error)
}

// Options controls playback.
type Options struct {
	// Orders are played one after another; the whole scenario runs once per
	// byte order.
	Orders []core.ByteOrder
	// Speed scales each step's duration; 0 sends without waiting.
	Speed float64
	// Loops repeats the run; values below 1 run once.
	Loops int
}

// Player sends scenarios step by step.
type Player struct {
	sender Sender
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewPlayer creates a player around sender.
func NewPlayer(sender Sender, logger *slog.Logger) *Player {
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{sender: sender, logger: logger, sleep: sleepContext}
}

// Play sends every step of sc and returns the notices in send order. It
// stops at the first failed step.
func (p *Player) Play(ctx context.Context, sc Scenario, opts Options) ([]core.StepNotice, error) {
	orders := opts.Orders
	if len(orders) == 0 {
		orders = []core.ByteOrder{core.LittleEndian}
	}
	loops := max(opts.Loops, 1)

	var notices []core.StepNotice
	for loop := 1; loop <= loops; loop++ {
		for _, order := range orders {
			p.logger.Info("Playing scenario", "scenario", sc.Name, "steps", len(sc.Steps),
				"endian", order.String(), "loop", loop)

			for i, step := range sc.Steps {
				notice, err := p.sender.SendStep(ctx, step, order)
				if err != nil {
					return notices, fmt.Errorf("step %d/%d %q: %w", i+1, len(sc.Steps), step.StepName, err)
				}
				notices = append(notices, notice)
				p.logger.Info("Sent step", "step", util.FormatStepSummary(step), "key", notice.OrderKey)

				if opts.Speed > 0 {
					wait := time.Duration(float64(step.DurationMs)*opts.Speed) * time.Millisecond
					if err := p.sleep(ctx, wait); err != nil {
						return notices, err
					}
				}
			}
		}
	}
	return notices, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
