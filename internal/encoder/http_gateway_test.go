package encoder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/models"
	"github.com/clowdr-app/clowdr-sub007/internal/remote"
)

func newTestGateway(t *testing.T, handler http.HandlerFunc) *HTTPGateway {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPGateway(remote.New(remote.Options{
		BaseURL:       server.URL,
		Token:         "secret",
		HTTPClient:    server.Client(),
		MaxAttempts:   2,
		RetryInterval: time.Nanosecond,
	}))
}

func TestDescribeChannelState(t *testing.T) {
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Fatalf("expected bearer token, got %q", got)
		}
		switch r.URL.Path {
		case "/v1/channels/chan-1":
			_ = json.NewEncoder(w).Encode(channelResponse{ID: "chan-1", State: "running"})
		case "/v1/channels/missing":
			http.Error(w, "no such channel", http.StatusNotFound)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	state, err := gateway.DescribeChannelState(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("DescribeChannelState: %v", err)
	}
	if state == nil || *state != models.ChannelStateRunning {
		t.Fatalf("expected RUNNING, got %v", state)
	}

	state, err = gateway.DescribeChannelState(context.Background(), "missing")
	if err != nil {
		t.Fatalf("DescribeChannelState missing: %v", err)
	}
	if state != nil {
		t.Fatalf("expected nil state for missing channel, got %v", *state)
	}
}

func TestDescribeScheduleFollowsPagination(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/channels/chan-1/schedule" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		switch r.URL.Query().Get("nextToken") {
		case "":
			_ = json.NewEncoder(w).Encode(scheduleResponse{
				Actions:   []ScheduleAction{{Name: "first", Start: FixedStart(start), Switch: SwitchTo("s-rtmpA")}},
				NextToken: "page-2",
			})
		case "page-2":
			_ = json.NewEncoder(w).Encode(scheduleResponse{
				Actions: []ScheduleAction{{Name: "second", Start: FollowAfter("first", FollowEnd), Switch: SwitchTo("s-looping", "filler.mp4")}},
			})
		default:
			t.Fatalf("unexpected token %q", r.URL.Query().Get("nextToken"))
		}
	})

	actions, err := gateway.DescribeSchedule(context.Background(), "chan-1")
	if err != nil {
		t.Fatalf("DescribeSchedule: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("expected 2 actions, got %d", len(actions))
	}
	if at, ok := actions[0].FixedTime(); !ok || !at.Equal(start) {
		t.Fatalf("expected fixed start %v, got %v", start, at)
	}
	if actions[1].Start.FollowActionName != "first" || actions[1].Switch.URLPath[0] != "filler.mp4" {
		t.Fatalf("unexpected follow action %+v", actions[1])
	}
}

func TestUpdateScheduleSendsBatch(t *testing.T) {
	var calls int32
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost || r.URL.Path != "/v1/channels/chan-1/schedule:batch" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var payload batchUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(payload.Deletes) != 1 || payload.Deletes[0] != "old" {
			t.Fatalf("unexpected deletes %v", payload.Deletes)
		}
		if len(payload.Creates) != 1 || payload.Creates[0].Start.Type != StartImmediate {
			t.Fatalf("unexpected creates %+v", payload.Creates)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := gateway.UpdateSchedule(context.Background(), "chan-1", nil, nil); err != nil {
		t.Fatalf("empty UpdateSchedule: %v", err)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatal("expected empty batch to skip the request")
	}

	creates := []ScheduleAction{{Name: "new", Start: ImmediateStart(), Switch: SwitchTo("s-looping")}}
	if err := gateway.UpdateSchedule(context.Background(), "chan-1", []string{"old"}, creates); err != nil {
		t.Fatalf("UpdateSchedule: %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected one batch request, got %d", calls)
	}
}

func TestStopChannel(t *testing.T) {
	var stopped bool
	gateway := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/channels/chan-1/stop" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		stopped = true
		w.WriteHeader(http.StatusAccepted)
	})
	if err := gateway.StopChannel(context.Background(), "chan-1"); err != nil {
		t.Fatalf("StopChannel: %v", err)
	}
	if !stopped {
		t.Fatal("expected stop endpoint to be invoked")
	}
}
