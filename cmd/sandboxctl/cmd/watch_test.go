package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"
)

func streamServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			t.Errorf("path = %s", r.URL.Path)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func TestWatchDeploymentStopsAtTerminal(t *testing.T) {
	resetViper()
	resetFlags()

	server := streamServer(t, func(conn *websocket.Conn) {
		var req map[string]string
		if err := conn.ReadJSON(&req); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if req["type"] != "subscribe_deployment" || req["deploymentId"] != "dep-1" {
			t.Errorf("unexpected subscribe: %v", req)
		}
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_ = conn.WriteJSON(map[string]any{
			"type": "subscription-confirmed", "timestamp": now,
			"deploymentId": "dep-1",
			"data":         map[string]string{"type": "deployment"},
		})
		_ = conn.WriteJSON(map[string]any{
			"type": "deployment-progress", "timestamp": now,
			"deploymentId": "dep-1", "stackName": "dev",
			"data": map[string]any{"progress": 60, "completedSteps": 3, "totalSteps": 5, "currentStep": "aws:s3:Bucket::assets"},
		})
		_ = conn.WriteJSON(map[string]any{
			"type": "deployment-completed", "timestamp": now,
			"deploymentId": "dep-1", "stackName": "dev",
			"data": map[string]any{
				"duration": 4.2,
				"summary":  map[string]int{"created": 3, "updated": 0, "deleted": 0, "unchanged": 2},
				"outputs":  map[string]any{},
			},
		})
		// Keep the connection open; the client is expected to hang up.
		_, _, _ = conn.ReadMessage()
	})
	defer server.Close()
	viper.Set("api-url", server.URL)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"watch", "--deployment", "dep-1"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "60%") || !strings.Contains(output, "aws:s3:Bucket::assets") {
		t.Errorf("missing progress line: %s", output)
	}
	if !strings.Contains(output, "completed in 4.2s (3 created, 0 updated, 0 deleted, 2 unchanged)") {
		t.Errorf("missing completion line: %s", output)
	}
}

func TestWatchFailedDeployment(t *testing.T) {
	resetViper()
	resetFlags()

	server := streamServer(t, func(conn *websocket.Conn) {
		var req map[string]string
		_ = conn.ReadJSON(&req)
		now := time.Now().UTC().Format(time.RFC3339Nano)
		_ = conn.WriteJSON(map[string]any{
			"type": "deployment-failed", "timestamp": now,
			"deploymentId": "dep-2", "stackName": "dev",
			"data": map[string]string{"error": "exit status 255", "kind": "tool-failure"},
		})
		_, _, _ = conn.ReadMessage()
	})
	defer server.Close()
	viper.Set("api-url", server.URL)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"watch", "--deployment", "dep-2"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "failed: exit status 255 (tool-failure)") {
		t.Errorf("missing failure line: %s", out.String())
	}
}

func TestWatchUnknownDeployment(t *testing.T) {
	resetViper()
	resetFlags()

	server := streamServer(t, func(conn *websocket.Conn) {
		var req map[string]string
		_ = conn.ReadJSON(&req)
		_ = conn.WriteJSON(map[string]any{
			"type":      "error",
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"data":      map[string]string{"message": "unknown deployment id"},
		})
		_, _, _ = conn.ReadMessage()
	})
	defer server.Close()
	viper.Set("api-url", server.URL)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"watch", "--deployment", "ghost"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "unknown deployment id") {
		t.Errorf("error = %v", err)
	}
}

func TestWatchRequiresTarget(t *testing.T) {
	resetViper()
	resetFlags()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs([]string{"watch"})

	err := rootCmd.Execute()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "name a stack or pass --deployment") {
		t.Errorf("error = %v", err)
	}
}
