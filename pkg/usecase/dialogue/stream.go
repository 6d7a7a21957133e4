package dialogue

import (
	"context"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

// Stream is a single-producer single-consumer pipe of turn events. It
// carries text events, at most one affinity event, and ends with exactly one
// done or error event unless the consumer goes away first.
type Stream struct {
	events chan model.Event
	cancel context.CancelFunc
	done   chan struct{}
}

// Events returns the event channel. It is closed after the terminal event.
func (s *Stream) Events() <-chan model.Event {
	return s.events
}

// Close stops forwarding and waits for the producer to finish. A turn whose
// generation already completed is still persisted.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// failedStream is a stream carrying only an error event
func failedStream(err error) *Stream {
	s := &Stream{
		events: make(chan model.Event, 1),
		cancel: func() {},
		done:   make(chan struct{}),
	}
	s.events <- model.Event{Kind: model.EventError, Err: err}
	close(s.events)
	close(s.done)
	return s
}

// Stream runs one turn and forwards text increments as they arrive
func (o *Orchestrator) Stream(ctx context.Context, req Request) *Stream {
	s, err := o.newSession(req.UserID, req.AgentID, req.Message, false)
	if err != nil {
		return failedStream(err)
	}
	return o.stream(withTurnLogger(ctx, s), s)
}

// StartStream runs the opening trigger path with streaming
func (o *Orchestrator) StartStream(ctx context.Context, userID string, agentID model.AgentID) *Stream {
	s, err := o.newSession(userID, agentID, "", true)
	if err != nil {
		return failedStream(err)
	}
	return o.stream(withTurnLogger(ctx, s), s)
}

func (o *Orchestrator) stream(ctx context.Context, s *session) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	st := &Stream{
		events: make(chan model.Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(st.done)
		defer close(st.events)
		defer cancel()
		o.produce(ctx, s, st)
	}()

	return st
}

func (o *Orchestrator) produce(ctx context.Context, s *session, st *Stream) {
	logger := logging.From(ctx)

	emit := func(ev model.Event) bool {
		select {
		case st.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		s.transition(ctx, model.PhaseFailed)
		emit(model.Event{Kind: model.EventError, Err: err})
	}

	o.gather(ctx, s)

	input, err := o.compose(s)
	if err != nil {
		fail(err)
		return
	}

	s.transition(ctx, model.PhaseGenerating)
	var buf strings.Builder
	var genErr error
	completed := true
	for chunk, err := range o.generator.GenerateStream(ctx, input) {
		if err != nil {
			genErr = err
			completed = false
			break
		}
		buf.WriteString(chunk)
		if chunk == "" {
			continue
		}
		if !emit(model.Event{Kind: model.EventText, Text: chunk}) {
			completed = false
			break
		}
	}

	// consumer disappeared before generation completed: persist nothing
	if !completed && ctx.Err() != nil {
		s.transition(ctx, model.PhaseFailed)
		logger.Info("stream cancelled before completion, turn discarded", "generated_bytes", buf.Len())
		return
	}
	if genErr == nil && strings.TrimSpace(buf.String()) == "" {
		genErr = goerr.New("empty response")
	}
	if genErr != nil {
		fail(generationFailure(genErr, s))
		return
	}

	change := o.finalize(ctx, s, buf.String())
	if change != nil {
		if !emit(model.Event{Kind: model.EventAffinity, Affinity: change}) {
			return
		}
	}

	s.transition(ctx, model.PhaseDone)
	emit(model.Event{Kind: model.EventDone})
}
