package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"printcore/pkg/log"
	"printcore/pkg/metrics"
)

type fixedSource map[string]interface{}

func (s fixedSource) Status() map[string]interface{} { return s }

func quietLogger() *log.Logger {
	l := log.New("monitor")
	l.SetLevel(log.ERROR + 1)
	return l
}

func startServer(t *testing.T, src StatusSource, reg *metrics.Registry) (*Server, string) {
	t.Helper()
	s := New(Config{
		Addr:         "127.0.0.1:0",
		Source:       src,
		Metrics:      reg,
		PushInterval: 10 * time.Millisecond,
		Logger:       quietLogger(),
	})
	// Bind through httptest for a deterministic port.
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	s.running.Store(true)
	go s.pushLoop()
	t.Cleanup(func() { s.Stop(context.Background()) })
	return s, ts.URL
}

func TestStatusEndpoint(t *testing.T) {
	src := fixedSource{"geometry": "delta", "ring_depth": 3}
	_, url := startServer(t, src, nil)

	resp, err := http.Get(url + "/printer/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var body struct {
		Result map[string]interface{} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Result["geometry"] != "delta" {
		t.Errorf("result = %v", body.Result)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.Counter("move_completed_total", "moves").Add(5)
	_, url := startServer(t, fixedSource{}, reg)

	resp, err := http.Get(url + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			break
		}
	}
	if !strings.Contains(sb.String(), "move_completed_total 5") {
		t.Errorf("metrics output:\n%s", sb.String())
	}
}

func TestWebsocketPush(t *testing.T) {
	src := fixedSource{"state": "printing"}
	_, url := startServer(t, src, nil)

	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var update struct {
		Method string                 `json:"method"`
		Params map[string]interface{} `json:"params"`
	}
	if err := json.Unmarshal(msg, &update); err != nil {
		t.Fatal(err)
	}
	if update.Method != "status_update" || update.Params["state"] != "printing" {
		t.Errorf("update = %+v", update)
	}
}
