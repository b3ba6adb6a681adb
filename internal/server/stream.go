package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"agentdash/internal/events"
)

const (
	streamBuffer = 256
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// One named type per event so the SSE stream carries the event name.
type (
	logCreatedEvent          events.Event
	taskCreatedEvent         events.Event
	taskUpdatedEvent         events.Event
	featureCreatedEvent      events.Event
	agentCreatedEvent        events.Event
	agentUpdatedEvent        events.Event
	projectUpdatedEvent      events.Event
	projectDeletedEvent      events.Event
	processingStartedEvent   events.Event
	processingCompletedEvent events.Event
	processingFailedEvent    events.Event
)

const (
	processingStartedName   = "processing:" + events.ProcessingStarted
	processingCompletedName = "processing:" + events.ProcessingCompleted
	processingFailedName    = "processing:" + events.ProcessingFailed
)

var streamEventTypes = map[string]any{
	events.LogCreated:       logCreatedEvent{},
	events.TaskCreated:      taskCreatedEvent{},
	events.TaskUpdated:      taskUpdatedEvent{},
	events.FeatureCreated:   featureCreatedEvent{},
	events.AgentCreated:     agentCreatedEvent{},
	events.AgentUpdated:     agentUpdatedEvent{},
	events.ProjectUpdated:   projectUpdatedEvent{},
	events.ProjectDeleted:   projectDeletedEvent{},
	processingStartedName:   processingStartedEvent{},
	processingCompletedName: processingCompletedEvent{},
	processingFailedName:    processingFailedEvent{},
}

func sseData(evt events.Event) any {
	switch evt.Name() {
	case events.LogCreated:
		return logCreatedEvent(evt)
	case events.TaskCreated:
		return taskCreatedEvent(evt)
	case events.TaskUpdated:
		return taskUpdatedEvent(evt)
	case events.FeatureCreated:
		return featureCreatedEvent(evt)
	case events.AgentCreated:
		return agentCreatedEvent(evt)
	case events.AgentUpdated:
		return agentUpdatedEvent(evt)
	case events.ProjectUpdated:
		return projectUpdatedEvent(evt)
	case events.ProjectDeleted:
		return projectDeletedEvent(evt)
	case processingStartedName:
		return processingStartedEvent(evt)
	case processingCompletedName:
		return processingCompletedEvent(evt)
	case processingFailedName:
		return processingFailedEvent(evt)
	}
	return evt
}

// inScope reports whether evt should reach a client filtering on projectID (0 means all).
// Events without a project reach everyone.
func inScope(evt events.Event, projectID int64) bool {
	if projectID == 0 {
		return true
	}
	id, ok := evt.ProjectScope()
	return !ok || id == projectID
}

func registerEventStream(api huma.API, hub *events.Hub) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Stream broadcast events",
	}, streamEventTypes, func(ctx context.Context, input *struct {
		ProjectID int64 `query:"projectId" doc:"Only events of this project, plus project-less events"`
	}, send sse.Sender) {
		sub := hub.Subscribe(streamBuffer)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.C():
				if !ok {
					return
				}
				if !inScope(evt, input.ProjectID) {
					continue
				}
				if err := send.Data(sseData(evt)); err != nil {
					return
				}
			}
		}
	})
}

type wsFrame struct {
	Event string       `json:"event"`
	Data  events.Event `json:"data"`
}

func registerWebSocket(r chi.Router, basePath string, hub *events.Hub, logger *zap.Logger) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	r.Get(path.Join(basePath, "ws"), func(w http.ResponseWriter, r *http.Request) {
		var projectID int64
		if raw := r.URL.Query().Get("projectId"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				http.Error(w, "invalid projectId", http.StatusBadRequest)
				return
			}
			projectID = id
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		serveWebSocket(r.Context(), conn, hub, projectID, logger)
	})
}

func serveWebSocket(ctx context.Context, conn *websocket.Conn, hub *events.Hub, projectID int64, logger *zap.Logger) {
	defer conn.Close()
	sub := hub.Subscribe(streamBuffer)
	defer sub.Close()

	// The read loop only handles control frames; it ends when the client goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(wsWriteWait))
				return
			}
			if !inScope(evt, projectID) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(wsFrame{Event: evt.Name(), Data: evt}); err != nil {
				logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
