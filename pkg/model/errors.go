package model

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

// Error taxonomy of a dialogue turn. Only TagGeneration aborts a turn; every
// other tag is absorbed by the layer that raised it.
var (
	TagGeneration  = goerr.NewTag("generation_failure")
	TagRetrieval   = goerr.NewTag("retrieval_unavailable")
	TagMemory      = goerr.NewTag("memory_unavailable")
	TagAnalysis    = goerr.NewTag("analysis_unparseable")
	TagStoreWrite  = goerr.NewTag("store_write_failure")
	TagInvalidArgs = goerr.NewTag("invalid_argument")
)

// Sentinels carry an ID so a copy made by Wrap still matches with errors.Is
// while keeping the underlying cause.
var (
	ErrGenerationFailure    = goerr.New("generation failure", goerr.ID("generation_failure"), goerr.T(TagGeneration))
	ErrEmbeddingUnavailable = goerr.New("embedding unavailable", goerr.ID("embedding_unavailable"), goerr.T(TagRetrieval))
	ErrRetrievalUnavailable = goerr.New("retrieval unavailable", goerr.ID("retrieval_unavailable"), goerr.T(TagRetrieval))
	ErrMemoryUnavailable    = goerr.New("memory unavailable", goerr.ID("memory_unavailable"), goerr.T(TagMemory))
	ErrAnalysisUnparseable  = goerr.New("analysis output is not parseable", goerr.ID("analysis_unparseable"), goerr.T(TagAnalysis))
	ErrStoreWriteFailure    = goerr.New("store write failure", goerr.ID("store_write_failure"), goerr.T(TagStoreWrite))

	// ErrSummaryStale is returned by a conditional summary write when the turn
	// it was generated from no longer exists, e.g. after a reset.
	ErrSummaryStale = goerr.New("summary is stale", goerr.ID("summary_stale"))

	ErrAgentNotFound     = goerr.New("agent not found", goerr.ID("agent_not_found"), goerr.T(TagInvalidArgs))
	ErrCapabilityMissing = goerr.New("agent does not support the operation", goerr.ID("capability_missing"), goerr.T(TagInvalidArgs))
	ErrEmptyMessage      = goerr.New("message is empty", goerr.ID("empty_message"), goerr.T(TagInvalidArgs))
)

// IsGenerationFailure reports whether err must abort the turn
func IsGenerationFailure(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if goerr.HasTag(e, TagGeneration) {
			return true
		}
	}
	return false
}

// IsInvalidArgument reports whether err was caused by the caller's input
func IsInvalidArgument(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if goerr.HasTag(e, TagInvalidArgs) {
			return true
		}
	}
	return false
}
