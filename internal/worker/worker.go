package worker

import (
	"context"

	"github.com/stepbus/stepbus/internal/logging"
	"github.com/stepbus/stepbus/internal/parser"
	"github.com/stepbus/stepbus/pkg/core"
)

// Commands routed through the dispatcher.
const (
	// CmdStore ingests a step and returns its notice.
	CmdStore = "step:store"
	// CmdIngest ingests a step in the background.
	CmdIngest = "step:ingest"
	// CmdNotice reconstructs the step a notice points at.
	CmdNotice = "step:notice"
	// CmdEvent records a free-form event.
	CmdEvent = "event:record"
)

// MetaEndian carries the requested byte order of an ingest.
const MetaEndian = "endian"

// StepService is the part of the reconstruction service the handlers use.
type StepService interface {
	Ingest(ctx context.Context, step core.DrivingStep, order core.ByteOrder) (core.StepNotice, error)
	Reconstruct(ctx context.Context, notice core.StepNotice) (core.ReconstructedStep, error)
	RecordEvent(ctx context.Context, e core.Event) error
}

// Dependencies holds all dependencies for the worker manager
type Dependencies struct {
	Parser     *parser.Parser
	Service    StepService
	LogManager *logging.SlogManager
	// QueueSize bounds the buffered commands.
	QueueSize int
}

// Manager owns the command handlers
type Manager struct {
	deps Dependencies
}

// NewManager creates a new worker manager
func NewManager(deps Dependencies) *Manager {
	if deps.LogManager == nil {
		deps.LogManager = logging.NewSlogManager()
	}
	if deps.QueueSize <= 0 {
		deps.QueueSize = 1000
	}
	return &Manager{deps: deps}
}
