package cli

import (
	"encoding/json"
	"fmt"

	"delver/internal/display"
	"delver/internal/events"
	"delver/internal/listener"
	"delver/internal/metrics"
	"delver/internal/model"
)

// renderEvents consumes an event stream and prints it above the live
// prompt. Returns when the stream delivers done or closes.
func renderEvents(ch <-chan events.Event) {
	for ev := range ch {
		if renderEvent(ev) {
			return
		}
	}
}

// renderAll prints every event until the stream closes. The interactive
// loop runs one of these for all sessions combined.
func renderAll(ch <-chan events.Event) {
	for ev := range ch {
		renderEvent(ev)
	}
}

// renderEvent prints one event and reports whether it ended a session.
func renderEvent(ev events.Event) bool {
	switch ev.Kind {
	case events.KindStatus, events.KindSearchQueries, events.KindCompression:
		listener.AsyncPrintln("[" + shortID(ev.SessionID) + "] " + ev.Message)
	case events.KindPlanning:
		if topics, ok := roundTrip[[]model.Topic](ev.Payload); ok && len(topics) > 0 {
			listener.AsyncPrintln(display.FormatPlan(topics))
		} else if ev.Message != "" {
			listener.AsyncPrintln("[" + shortID(ev.SessionID) + "] " + ev.Message)
		}
	case events.KindFinding:
		if f, ok := roundTrip[model.Finding](ev.Payload); ok {
			listener.AsyncPrintln(display.FormatFinding(f))
		}
	case events.KindAgentTodo:
		listener.AsyncPrintln(fmt.Sprintf("  [%s] working: %s", ev.AgentID, ev.Message))
	case events.KindSupervisorDecision:
		listener.AsyncPrintln("[supervisor] " + ev.Message)
	case events.KindFinalReport:
		if rep, ok := roundTrip[model.FinalReport](ev.Payload); ok {
			listener.AsyncPrintln(display.FormatReport(rep))
		}
	case events.KindError:
		listener.AsyncPrintln("[" + shortID(ev.SessionID) + " FAILED] " + ev.Message)
	case events.KindDone:
		if m, ok := roundTrip[metrics.SessionMetrics](ev.Payload); ok {
			listener.AsyncPrintln(display.FormatSessionMetrics(&m))
		}
		return true
	}
	return false
}

// roundTrip recovers a typed payload from the stream's any-typed event. The
// payload is usually already the concrete type; the JSON path covers relays.
func roundTrip[T any](payload any) (T, bool) {
	if v, ok := payload.(T); ok {
		return v, true
	}
	var out T
	b, err := json.Marshal(payload)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false
	}
	return out, true
}

func shortID(sessionID string) string {
	const prefix = "session-"
	if len(sessionID) > len(prefix) {
		return sessionID[len(prefix):]
	}
	return sessionID
}
