package main

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"applylens/pkg/httpx"
	"applylens/pkg/stream"
)

const (
	streamBuffer       = 64
	streamWriteTimeout = 5 * time.Second
)

var streamTypes = map[string]bool{
	stream.TypeAction:   true,
	stream.TypeStats:    true,
	stream.TypeSettings: true,
	stream.TypeBundle:   true,
}

// streamEvents upgrades to a websocket and forwards hub events as JSON. The
// optional types query parameter narrows the feed, e.g. ?types=action,settings.
// The first message is always the current runtime settings.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	var types []string
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !streamTypes[t] {
			httpx.Error(w, http.StatusBadRequest, "unknown event type "+strconv.Quote(t))
			return
		}
		types = append(types, t)
	}

	// The server write timeout would otherwise cut long-lived streams.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.WSAllowedOrigins})
	if err != nil {
		log.Printf("policyd stream accept: %v", err)
		return
	}
	defer conn.CloseNow()

	sub := s.Hub.Subscribe(streamBuffer, types...)
	s.Metrics.SetSubscribers(s.Hub.Subscribers())
	defer func() {
		s.Hub.Unsubscribe(sub)
		s.Metrics.SetSubscribers(s.Hub.Subscribers())
		if n := sub.Dropped(); n > 0 {
			log.Printf("policyd stream subscriber dropped %d events", n)
		}
	}()

	ctx := conn.CloseRead(r.Context())
	settings := s.Runtime.Snapshot()
	hello := stream.NewEvent(stream.TypeSettings, strconv.FormatInt(settings.Revision, 10), settings)
	if err := writeEvent(ctx, conn, hello); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case evt, ok := <-sub.C:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt stream.Event) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, evt)
}
