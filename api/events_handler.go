package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/xraph/jobq/stream"
)

const sseKeepAlive = 15 * time.Second

// events handles GET /v1/events?topic=... as a server-sent event stream.
// topic may repeat; without it the firehose is streamed.
func (a *API) events(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{stream.TopicFirehose}
	}
	for _, topic := range topics {
		if err := stream.ValidateTopic(topic); err != nil {
			badRequest(w, err.Error())
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}

	subID := "sse-" + middleware.GetReqID(r.Context())
	sub := a.stream.Subscribe(subID, topics...)
	defer a.stream.RemoveSubscriber(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				a.logger.Error("encode stream event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
