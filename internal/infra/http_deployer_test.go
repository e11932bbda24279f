package infra

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/clowdr-app/clowdr-sub007/internal/remote"
)

func newTestDeployer(t *testing.T, handler http.HandlerFunc) *HTTPDeployer {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client := remote.New(remote.Options{BaseURL: server.URL, Token: "infra", HTTPClient: server.Client(), MaxAttempts: 2, RetryInterval: time.Nanosecond})
	return NewHTTPDeployer(client, "arn:aws:sns:eu-west-1:1:stacks")
}

func TestHTTPDeployerDeploy(t *testing.T) {
	deployer := newTestDeployer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/stacks" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var req deployRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.StackName != "room-abc" || req.Tags["roomId"] != "room-1" {
			t.Fatalf("unexpected request %+v", req)
		}
		if !strings.Contains(req.Template, "AWS::MediaLive::Channel") {
			t.Fatal("expected synthesized template in request")
		}
		if len(req.NotificationARNs) != 1 || req.NotificationARNs[0] != "arn:aws:sns:eu-west-1:1:stacks" {
			t.Fatalf("expected default notification arn, got %v", req.NotificationARNs)
		}
		_ = json.NewEncoder(w).Encode(Deployment{StackID: "arn:stack/room-abc/1", Status: StatusCreateInProgress})
	})

	deployment, err := deployer.Deploy(context.Background(), StackSpec{StackName: "room-abc", RoomID: "room-1", ConferenceID: "conf-1"})
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if deployment.StackID != "arn:stack/room-abc/1" || deployment.Status != StatusCreateInProgress {
		t.Fatalf("unexpected deployment %+v", deployment)
	}
}

func TestHTTPDeployerDescribeAndDestroyMissing(t *testing.T) {
	deployer := newTestDeployer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/stacks/known":
			_ = json.NewEncoder(w).Encode(StackDescription{StackID: "id-1", Status: StatusCreateComplete, Outputs: map[string]string{OutputChannelID: "42"}})
		case r.URL.Path == "/v1/stacks/gone":
			http.Error(w, "not found", http.StatusNotFound)
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	desc, err := deployer.Describe(context.Background(), "known")
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc == nil || desc.StackName != "known" || desc.Outputs[OutputChannelID] != "42" {
		t.Fatalf("unexpected description %+v", desc)
	}

	desc, err = deployer.Describe(context.Background(), "gone")
	if err != nil || desc != nil {
		t.Fatalf("expected nil description for missing stack, got %+v, %v", desc, err)
	}
	if err := deployer.Destroy(context.Background(), "gone"); err != nil {
		t.Fatalf("expected destroy of missing stack to succeed, got %v", err)
	}
}

func TestNoopDeployerRefusesDeploy(t *testing.T) {
	if _, err := (NoopDeployer{}).Deploy(context.Background(), StackSpec{}); err != ErrDeployerDisabled {
		t.Fatalf("expected ErrDeployerDisabled, got %v", err)
	}
	if _, ok := (Config{}).NewDeployer(nil, nil).(NoopDeployer); !ok {
		t.Fatal("expected NoopDeployer for empty config")
	}
}
