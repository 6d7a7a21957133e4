package http

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/tavern/pkg/model"
	"github.com/m-mizutani/tavern/pkg/usecase/dialogue"
	"github.com/m-mizutani/tavern/pkg/utils/logging"
)

type chatResponse struct {
	Response string           `json:"response"`
	Affinity *affinityPayload `json:"affinity,omitempty"`
}

type affinityPayload struct {
	Score        int                 `json:"score"`
	Level        model.AffinityLevel `json:"level"`
	Delta        int                 `json:"delta"`
	LevelChanged bool                `json:"levelChanged"`
	NewLevel     model.AffinityLevel `json:"newLevel,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

func newAffinityPayload(change *model.AffinityChange) *affinityPayload {
	if change == nil {
		return nil
	}
	p := &affinityPayload{
		Score:        change.NewScore,
		Level:        change.NewLevel,
		Delta:        change.Delta,
		LevelChanged: change.Changed,
		Reason:       change.Reason,
	}
	if change.Changed {
		p.NewLevel = change.NewLevel
	}
	return p
}

func newChatResponse(result *dialogue.Result) chatResponse {
	return chatResponse{
		Response: result.Response,
		Affinity: newAffinityPayload(result.Affinity),
	}
}

type textPayload struct {
	Text string `json:"text"`
}

// writeStream forwards turn events as server-sent events until the terminal
// event or until the client goes away.
func writeStream(c *gin.Context, stream *dialogue.Stream) {
	defer stream.Close()

	logger := logging.From(c.Request.Context())
	w := c.Writer

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for ev := range stream.Events() {
		var err error
		switch ev.Kind {
		case model.EventText:
			err = writeEvent(w, string(model.EventText), textPayload{Text: ev.Text})
		case model.EventAffinity:
			err = writeEvent(w, string(model.EventAffinity), newAffinityPayload(ev.Affinity))
		case model.EventError:
			if model.IsInvalidArgument(ev.Err) {
				err = writeEvent(w, string(model.EventError), errorResponse{Error: invalidArgumentMessage(ev.Err)})
			} else {
				logger.Error("stream failed", slog.Any("error", ev.Err))
				err = writeEvent(w, string(model.EventError), errorResponse{Error: errGenerationFailed})
			}
			if err == nil {
				err = writeDone(w)
			}
		case model.EventDone:
			err = writeDone(w)
		}

		if err != nil {
			logger.Info("client went away during stream", slog.Any("error", err))
			return
		}
	}
}

func writeEvent(w gin.ResponseWriter, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func writeDone(w gin.ResponseWriter) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	w.Flush()
	return nil
}
