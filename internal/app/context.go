package app

import (
	"github.com/sogdev/mrunpack/internal/engine"
	"github.com/sogdev/mrunpack/internal/infra/config"
	"github.com/sogdev/mrunpack/internal/infra/logger"
)

// Journal is the run-history capability. It lets the unpack service
// record runs without importing the store package.
type Journal interface {
	BeginRun(archive, packName, outDir string) (string, error)
	RecordOutcome(runID string, out engine.Outcome) error
	FinishRun(runID string, report engine.Report) error
}

// Context holds the shared environment for an mrunpack invocation.
type Context struct {
	Config *config.Config
	Logger *logger.Logger

	// Journal is nil when run journaling is disabled.
	Journal Journal
}

// NewContext initializes the base environment.
func NewContext(cfg *config.Config, log *logger.Logger) *Context {
	return &Context{
		Config: cfg,
		Logger: log,
	}
}
