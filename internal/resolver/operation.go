package resolver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/versionista-scraper/internal/metrics"
)

// stage is the progress of one diff or content resolution. Stages only move
// forward; a failure is reported by the error type and the stage it hit.
type stage int

const (
	stageRequested stage = iota
	stageRedirectResolved
	stageAPIResolved
	stageContentFetched
)

func (s stage) String() string {
	switch s {
	case stageRequested:
		return "requested"
	case stageRedirectResolved:
		return "redirect_resolved"
	case stageAPIResolved:
		return "api_resolved"
	case stageContentFetched:
		return "content_fetched"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

type operation struct {
	kind   string
	stage  stage
	logger *zap.Logger
}

func (o *operation) advance(next stage, fields ...zap.Field) {
	if next <= o.stage {
		panic(fmt.Sprintf("resolver: %s cannot move from %s to %s", o.kind, o.stage, next))
	}
	o.stage = next
	o.logger.Debug("stage", append(fields, zap.Stringer("stage", next))...)
}

// reset rewinds to the start for a whole-operation retry.
func (o *operation) reset() {
	o.stage = stageRequested
}

func (o *operation) fail(err error) error {
	metrics.ObserveUnit(o.kind, "error")
	o.logger.Warn("resolution failed", zap.Stringer("stage", o.stage), zap.Error(err))
	return err
}

func (o *operation) done(outcome string) {
	metrics.ObserveUnit(o.kind, outcome)
	o.logger.Debug("resolved", zap.String("outcome", outcome))
}
