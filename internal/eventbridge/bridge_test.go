package eventbridge

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobforge.dev/orchestrator/internal/core/ports"
)

func TestNormalizeMapsKnownEventNames(t *testing.T) {
	tests := []struct {
		name      string
		eventName string
		rawData   string
		sessionID string
		wantOK    bool
		wantKind  string
	}{
		{"session updated", "session.updated", `{"sessionID":"s1"}`, "s1", true, "session.updated"},
		{"session updated suffix", "session.updated.detail", `{"sessionID":"s1"}`, "s1", true, "session.updated"},
		{"session retry", "session.retry", `{"sessionID":"s1"}`, "s1", true, "session.retry"},
		{"permission asked", "permission.requested", `{"sessionID":"s1"}`, "s1", true, "permission.asked"},
		{"message part", "message.part.updated", `{"sessionID":"s1"}`, "s1", true, "message.part.updated"},
		{"unrecognized event", "some.other.event", `{"sessionID":"s1"}`, "s1", false, ""},
		{"wrong session dropped", "session.updated", `{"sessionID":"other"}`, "s1", false, ""},
		{"missing session id passes through", "session.updated", `{}`, "s1", true, "session.updated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := normalize(tt.eventName, tt.rawData, tt.sessionID)
			if ok != tt.wantOK {
				t.Fatalf("normalize() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.SessionID != tt.sessionID {
				t.Errorf("SessionID = %q, want %q", got.SessionID, tt.sessionID)
			}
		})
	}
}

func TestNormalizeCarriesMessageField(t *testing.T) {
	got, ok := normalize("session.updated", `{"sessionID":"s1","message":"hello"}`, "s1")
	if !ok {
		t.Fatal("normalize() = false, want true")
	}
	if got.Message != "hello" {
		t.Errorf("Message = %q, want %q", got.Message, "hello")
	}
}

func TestEmitDropsMessagePartOnFullChannel(t *testing.T) {
	out := make(chan ports.NormalizedEvent, 1)
	out <- ports.NormalizedEvent{Kind: "session.updated"}

	ctx := context.Background()
	emit(ctx, out, ports.NormalizedEvent{Kind: "message.part.updated"})

	if len(out) != 1 {
		t.Fatalf("channel length = %d, want 1 (the message.part.updated must be dropped)", len(out))
	}
	first := <-out
	if first.Kind != "session.updated" {
		t.Errorf("surviving event kind = %q, want %q", first.Kind, "session.updated")
	}
}

func TestEmitBlocksThenSucceedsForPermissionEvent(t *testing.T) {
	out := make(chan ports.NormalizedEvent, 1)
	out <- ports.NormalizedEvent{Kind: "session.updated"}

	done := make(chan struct{})
	go func() {
		emit(context.Background(), out, ports.NormalizedEvent{Kind: "permission.asked"})
		close(done)
	}()

	// Drain the occupied slot so emit's blocking second send can complete.
	<-out

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit() did not return after the channel drained")
	}

	select {
	case ev := <-out:
		if ev.Kind != "permission.asked" {
			t.Errorf("Kind = %q, want %q", ev.Kind, "permission.asked")
		}
	default:
		t.Error("expected the permission event to have been delivered, not dropped")
	}
}

func TestStreamParsesSSEFramesUntilServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "event: session.updated\ndata: {\"sessionID\":\"s1\",\"message\":\"first\"}\n\n")
		flusher.Flush()
		fmt.Fprint(w, "event: message.part.updated\ndata: {\"sessionID\":\"s1\"}\n\n")
		flusher.Flush()
	}))
	defer srv.Close()

	b := New(srv.URL, "", "")
	out := make(chan ports.NormalizedEvent, channelBuffer)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := b.stream(ctx, "/data/job-1", "s1", out)
	if err != nil {
		t.Fatalf("stream() returned error: %v", err)
	}

	var got []ports.NormalizedEvent
	close(out)
	for ev := range out {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Kind != "session.updated" || got[0].Message != "first" {
		t.Errorf("first event = %+v, want session.updated with message %q", got[0], "first")
	}
	if got[1].Kind != "message.part.updated" {
		t.Errorf("second event kind = %q, want message.part.updated", got[1].Kind)
	}
}

func TestStreamReturnsErrorOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	b := New(srv.URL, "user", "pass")
	out := make(chan ports.NormalizedEvent, channelBuffer)
	err := b.stream(context.Background(), "/data/job-1", "s1", out)
	if err == nil {
		t.Fatal("expected an error for a 401 response")
	}
}
