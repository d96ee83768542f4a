package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const streamKeepAlive = 15 * time.Second

// eventStream writes server-sent events to one client.
type eventStream struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

func startStream(w http.ResponseWriter, kind string) *eventStream {
	rc := http.NewResponseController(w)
	// The server's write timeout would cut a long-lived stream.
	_ = rc.SetWriteDeadline(time.Time{})

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()
	streamsOpen.WithLabelValues(kind).Inc()
	return &eventStream{w: w, rc: rc}
}

func (es *eventStream) send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(es.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return es.rc.Flush()
}

func (es *eventStream) ping() error {
	if _, err := fmt.Fprint(es.w, ": ping\n\n"); err != nil {
		return err
	}
	return es.rc.Flush()
}

func (es *eventStream) close(kind string) {
	streamsOpen.WithLabelValues(kind).Dec()
}
