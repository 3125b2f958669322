package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/crud"
	"github.com/stratacms/strata/db"
	"github.com/stratacms/strata/query"
)

const (
	ResourceCollection = "collection"
	ResourceGlobal     = "global"

	defaultPingInterval = 25 * time.Second
)

// Topic is one subscription inside a multiplexed stream. The id echoes back
// on every event so the client can demultiplex.
type Topic struct {
	ID           string      `json:"id"`
	ResourceType string      `json:"resourceType"`
	Resource     string      `json:"resource"`
	Where        query.Where `json:"where,omitempty"`
	With         crud.With   `json:"with,omitempty"`
	Limit        int         `json:"limit,omitempty"`
	Offset       int         `json:"offset,omitempty"`
	OrderBy      string      `json:"orderBy,omitempty"`
}

type subscribeRequest struct {
	Topics []Topic `json:"topics"`
}

type event struct {
	name string
	data []byte
}

// Handler serves the multiplexed SSE endpoint: the POST body lists topics,
// the response streams one snapshot per topic on connect and a fresh
// snapshot whenever a matching change-log event arrives.
type Handler struct {
	Engine       *crud.Engine
	Dispatcher   *Dispatcher
	PingInterval time.Duration
}

// Serve handles one stream until the client disconnects.
func (h *Handler) Serve(c echo.Context) error {
	var req subscribeRequest
	if err := c.Bind(&req); err != nil {
		return common.E(common.KindBadRequest, "invalid subscription body")
	}
	if len(req.Topics) == 0 {
		return common.E(common.KindBadRequest, "at least one topic is required")
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	events := make(chan event, len(req.Topics)*2)
	send := func(e event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	}

	var states []*topicState
	for _, topic := range req.Topics {
		state := h.newTopicState(ctx, topic, send)
		if state == nil {
			send(errorEvent(topic.ID, fmt.Sprintf("unknown %s %q", topic.ResourceType, topic.Resource)))
			continue
		}
		state.sub = h.Dispatcher.Subscribe(topic.ResourceType, topic.Resource, func(*db.LogEntry) {
			state.trigger()
		})
		states = append(states, state)
		// Initial snapshot.
		state.trigger()
	}
	defer func() {
		for _, state := range states {
			state.sub.Close()
		}
	}()

	interval := h.PingInterval
	if interval <= 0 {
		interval = defaultPingInterval
	}
	ping := time.NewTicker(interval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", e.name, e.data); err != nil {
				return nil
			}
			res.Flush()
		case <-ping.C:
			if _, err := fmt.Fprint(res, "event: ping\ndata: {}\n\n"); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// newTopicState resolves the topic's resource and builds its refresh state.
// nil means the resource does not exist.
func (h *Handler) newTopicState(ctx context.Context, topic Topic, send func(event)) *topicState {
	var refresh func() (any, error)
	switch topic.ResourceType {
	case ResourceCollection:
		svc, err := h.Engine.Collection(topic.Resource)
		if err != nil {
			return nil
		}
		opts := &crud.FindOptions{
			Where:   topic.Where,
			With:    topic.With,
			Limit:   topic.Limit,
			Offset:  topic.Offset,
			OrderBy: query.ParseOrder(topic.OrderBy),
		}
		refresh = func() (any, error) { return svc.Find(ctx, opts) }
	case ResourceGlobal:
		g, err := h.Engine.Global(topic.Resource)
		if err != nil {
			return nil
		}
		refresh = func() (any, error) { return g.Get(ctx) }
	default:
		return nil
	}

	database := h.Engine.DB
	return &topicState{
		topic: topic,
		refresh: func(t *topicState) {
			// Seq before the read: the data always reflects at least
			// this point in the log.
			seq, err := database.MaxSeq(ctx, t.topic.ResourceType, t.topic.Resource)
			if err != nil {
				send(errorEvent(t.topic.ID, common.AsError(err).Message))
				return
			}
			data, err := refresh()
			if err != nil {
				send(errorEvent(t.topic.ID, common.AsError(err).Message))
				return
			}
			send(snapshotEvent(t.topic.ID, seq, data))
		},
	}
}

// topicState serialises refreshes for one topic: a concurrent trigger while a
// refresh is in flight queues exactly one re-run instead of piling up.
type topicState struct {
	topic   Topic
	sub     *Subscription
	refresh func(*topicState)

	mu         sync.Mutex
	refreshing bool
	queued     bool
}

func (t *topicState) trigger() {
	t.mu.Lock()
	if t.refreshing {
		t.queued = true
		t.mu.Unlock()
		return
	}
	t.refreshing = true
	t.mu.Unlock()
	go t.run()
}

func (t *topicState) run() {
	for {
		t.refresh(t)
		t.mu.Lock()
		if t.queued {
			t.queued = false
			t.mu.Unlock()
			continue
		}
		t.refreshing = false
		t.mu.Unlock()
		return
	}
}

func snapshotEvent(topicID string, seq int64, data any) event {
	raw, err := json.Marshal(map[string]any{"topicId": topicID, "seq": seq, "data": data})
	if err != nil {
		return errorEvent(topicID, "snapshot serialisation failed")
	}
	return event{name: "snapshot", data: raw}
}

func errorEvent(topicID, message string) event {
	raw, _ := json.Marshal(map[string]any{"topicId": topicID, "message": message})
	return event{name: "error", data: raw}
}
