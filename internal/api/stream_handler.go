package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/CantinaDigital/claudetini/internal/stream"
)

const keepAliveInterval = 15 * time.Second

// handleDispatchStream serves a job's event feed over SSE. Reconnecting
// clients send Last-Event-ID and get the missed events replayed from the
// ring buffer; a job supports at most one live subscriber at a time.
func (s *Server) handleDispatchStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := chi.URLParam(r, "jobID")
	em := s.dispatch.Stream(id)
	if em == nil {
		s.writeError(w, http.StatusNotFound, "no stream for job")
		return
	}

	ch, cancel, err := em.Subscribe()
	if errors.Is(err, stream.ErrSubscriberActive) {
		s.writeError(w, http.StatusConflict, "stream already has a subscriber")
		return
	}
	if errors.Is(err, stream.ErrClosed) {
		// Finished job: replay the buffer and end cleanly.
		s.replayOnly(w, flusher, r, em)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer cancel()

	writeSSEHeaders(w)
	lastSeq := parseLastEventID(r.Header.Get("Last-Event-ID"))
	for _, ev := range em.SnapshotSince(lastSeq) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
		lastSeq = ev.Seq
	}
	flusher.Flush()

	// The job may have finished between the status check and the
	// subscribe. Drain anything already queued and end the stream instead
	// of waiting on a channel that will never produce another event.
	if em.Completed() {
		for {
			select {
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if ev.Seq <= lastSeq {
					continue
				}
				if err := writeSSE(w, ev); err != nil {
					return
				}
				lastSeq = ev.Seq
			default:
				flusher.Flush()
				return
			}
		}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= lastSeq {
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			lastSeq = ev.Seq
			flusher.Flush()
			if ev.Type == stream.EventComplete {
				return
			}
		case <-keepAlive.C:
			// SSE comment line as keep-alive.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) replayOnly(w http.ResponseWriter, flusher http.Flusher, r *http.Request, em *stream.Emitter) {
	writeSSEHeaders(w)
	for _, ev := range em.SnapshotSince(parseLastEventID(r.Header.Get("Last-Event-ID"))) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func parseLastEventID(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeSSE(w http.ResponseWriter, ev stream.Event) error {
	// SSE framing: https://html.spec.whatwg.org/multipage/server-sent-events.html
	if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
		return err
	}
	if ev.Type != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", ev.Type); err != nil {
			return err
		}
	}
	// Data must be on "data:" lines; our payload is single-line JSON.
	if _, err := fmt.Fprintf(w, "data: %s\n\n", ev.Data); err != nil {
		return err
	}
	return nil
}
