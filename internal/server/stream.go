package server

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"crewline/internal/app"
	"crewline/internal/domain"
)

const streamBuffer = 64

var errSlowSubscriber = errors.New("stream subscriber too slow")

// registerStream serves a project's events as server-sent events. With a cursor, logged
// events after it are replayed before live delivery starts.
func registerStream(api huma.API, rt *app.Runtime, logger *log.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stream",
		Summary:     "Live project events",
	}, map[string]any{
		"message": domain.Event{},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Cursor    string `query:"cursor"`
	}, send sse.Sender) {
		ch := make(chan domain.Event, streamBuffer)
		dropped := make(chan struct{})
		var once sync.Once
		id := rt.Hub.Subscribe(input.ProjectID, func(evt domain.Event) error {
			select {
			case ch <- evt:
				return nil
			default:
				once.Do(func() { close(dropped) })
				return errSlowSubscriber
			}
		})
		defer rt.Hub.Unsubscribe(id)
		logger.Debug("stream opened", "project", input.ProjectID, "subscription", id)

		var last int64
		if input.Cursor != "" {
			cursor, apiErr := parseCursor(input.Cursor)
			if apiErr != nil {
				return
			}
			last = cursor
			backlog, err := rt.Events.After(ctx, input.ProjectID, cursor, 0, "")
			if err != nil {
				logger.Warn("stream replay failed", "project", input.ProjectID, "err", err)
				return
			}
			for _, evt := range backlog {
				if err := send.Data(evt); err != nil {
					return
				}
				last = evt.ID
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-dropped:
				logger.Warn("stream dropped slow subscriber", "project", input.ProjectID, "subscription", id)
				return
			case evt := <-ch:
				if evt.ID != 0 && evt.ID <= last {
					continue
				}
				if err := send.Data(evt); err != nil {
					return
				}
			}
		}
	})
}
