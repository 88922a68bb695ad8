package models

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, KindNone},
		{"not found", WrapKind(ErrNotFound, "gone"), KindNotFound},
		{"blocked", WrapKind(ErrBlocked, "status 403"), KindBlocked},
		{"rate limited", WrapKind(ErrRateLimited, "429"), KindRateLimited},
		{"parse", WrapKind(ErrParse, "bad json"), KindParse},
		{"fatal", WrapKind(ErrFatal, "no credentials"), KindFatal},
		{"transient sentinel", WrapKind(ErrTransient, "status 502"), KindTransient},
		{"cancelled", context.Canceled, KindCancelled},
		{"deadline", context.DeadlineExceeded, KindCancelled},
		{"wrapped cancellation", fmt.Errorf("fetching page: %w", context.Canceled), KindCancelled},
		{"unknown error", errors.New("connection reset"), KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}

func TestWrapKindPreservesSentinel(t *testing.T) {
	err := WrapKind(ErrBlocked, "status %d from %s", 403, "example.se")
	assert.True(t, errors.Is(err, ErrBlocked))
	assert.Contains(t, err.Error(), "status 403 from example.se")

	// A second wrap keeps the chain intact.
	outer := fmt.Errorf("stage registry: %w", err)
	assert.Equal(t, KindBlocked, ClassifyError(outer))
}

func TestStageProgression(t *testing.T) {
	next, ok := NextStage(StageDiscovery)
	assert.True(t, ok)
	assert.Equal(t, StageRegistry, next)

	next, ok = NextStage(StageGraph)
	assert.True(t, ok)
	assert.Equal(t, StageScraped, next)

	_, ok = NextStage(StageScraped)
	assert.False(t, ok)

	assert.Equal(t, 0, StageIndex(StageDiscovery))
	assert.Equal(t, 3, StageIndex(StageScraped))
	assert.Equal(t, -1, StageIndex(Stage("unknown")))
	assert.True(t, IsValidStage(StageRegistry))
	assert.False(t, IsValidStage(Stage("shipping")))
}
