package api

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kilnci/kiln/internal/cancel"
	"github.com/kilnci/kiln/internal/streaming"
)

// ssePingInterval is how long the stream stays quiet before a comment is
// emitted to detect disconnected clients.
const ssePingInterval = 10 * time.Second

// stream serves GET /stream/:id as Server-Sent Events. Log lines become
// `line` events with sequential ids, state.json changes become `state`
// events, and a reconnecting client resumes from Last-Event-ID or ?id=.
func (s *Server) stream(c *gin.Context) {
	id, ok := s.identifierParam(c)
	if !ok {
		return
	}
	fromLine := 1
	if header := c.GetHeader("Last-Event-ID"); header != "" {
		if n, err := strconv.Atoi(header); err == nil {
			// resume at the line after the last one delivered
			fromLine = n + 1
		}
	} else if query := c.Query("id"); query != "" {
		if n, err := strconv.Atoi(query); err == nil {
			fromLine = n
		}
	}
	if fromLine < 1 {
		fromLine = 1
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.String(http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	stop := cancel.New()
	defer stop.Cancel()
	items := streaming.Follow(s.sup.LogDir(id), fromLine, stop)

	fmt.Fprint(c.Writer, ":connected\n\n")
	flusher.Flush()

	lineNumber := fromLine
	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case item, open := <-items:
			if !open {
				return
			}
			switch item.Kind {
			case streaming.KindLine:
				payload, err := json.Marshal([]string{
					html.EscapeString(streaming.Stage(item.Line)),
					html.EscapeString(item.Line),
				})
				if err != nil {
					continue
				}
				fmt.Fprintf(c.Writer, "id: %d\nevent: line\ndata: %s\n\n", lineNumber, payload)
				lineNumber++
			case streaming.KindState:
				fmt.Fprintf(c.Writer, "event: state\ndata: %s\n\n", compactJSON(item.State))
			}
			flusher.Flush()
		case <-time.After(ssePingInterval):
			// ping to check if the client is still connected
			fmt.Fprint(c.Writer, ":ping\n\n")
			flusher.Flush()
		}
	}
}

// compactJSON strips the snapshot's pretty-printing so the SSE data field
// stays a single line.
func compactJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return out
}
