package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/tavern/pkg/model"
)

func TestIsGenerationFailure(t *testing.T) {
	gt.True(t, model.IsGenerationFailure(model.ErrGenerationFailure))
	gt.False(t, model.IsGenerationFailure(model.ErrRetrievalUnavailable))
	gt.False(t, model.IsGenerationFailure(nil))
	gt.False(t, model.IsGenerationFailure(errors.New("plain")))
	gt.True(t, model.IsInvalidArgument(model.ErrAgentNotFound))
	gt.False(t, model.IsInvalidArgument(model.ErrGenerationFailure))
}

func TestTagFoundThroughWrapping(t *testing.T) {
	wrapped := goerr.Wrap(model.ErrGenerationFailure, "turn failed")
	gt.True(t, model.IsGenerationFailure(wrapped))

	// a foreign wrapper between goerr layers must not hide the tag
	mixed := goerr.Wrap(fmt.Errorf("stream: %w", wrapped), "request failed")
	gt.True(t, model.IsGenerationFailure(mixed))

	invalid := fmt.Errorf("handler: %w", goerr.Wrap(model.ErrEmptyMessage, "rejected"))
	gt.True(t, model.IsInvalidArgument(invalid))
	gt.False(t, model.IsGenerationFailure(invalid))
}

func TestSentinelWrapKeepsCause(t *testing.T) {
	cause := goerr.New("quota exceeded", goerr.V("provider", "gemini"))
	err := model.ErrGenerationFailure.Wrap(cause, goerr.V("user_id", "u-1"))

	gt.True(t, errors.Is(err, model.ErrGenerationFailure))
	gt.True(t, errors.Is(err, cause))
	gt.True(t, model.IsGenerationFailure(err))

	values := err.Values()
	gt.Equal(t, values["provider"], any("gemini"))
	gt.Equal(t, values["user_id"], any("u-1"))
}
