package server

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	apperrors "github.com/somnus/sleepd/internal/errors"
	"github.com/somnus/sleepd/internal/suspend"
)

func newTestServer() (*Server, *httptest.Server) {
	s := NewServer("unused")
	go s.runBroadcaster()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	ts := httptest.NewServer(mux)

	return s, ts
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return msg
}

func payloadMap(t *testing.T, msg Message) map[string]interface{} {
	t.Helper()
	payload, ok := msg.Payload.(map[string]interface{})
	if !ok {
		t.Fatalf("expected map payload, got %#v", msg.Payload)
	}
	return payload
}

func writeMessage(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func dialTest(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func TestConnectReceivesPowerStatus(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetStatusProvider(func() PowerStatusPayload {
		return PowerStatusPayload{
			Backend:   "sysfs",
			States:    []string{"freeze", "mem"},
			TestLevel: "none",
		}
	})

	conn := dialTest(t, ts)
	defer conn.Close()

	msg := readMessage(t, conn)
	if msg.Type != MessageTypePowerStatus {
		t.Fatalf("expected power.status, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["backend"] != "sysfs" {
		t.Fatalf("expected backend sysfs, got %#v", payload["backend"])
	}
	if payload["test_level"] != "none" {
		t.Fatalf("expected test_level none, got %#v", payload["test_level"])
	}
}

func TestSuspendRequestSuccess(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	var mu sync.Mutex
	var requested []string
	s.SetSleepHandler(func(state string) error {
		mu.Lock()
		requested = append(requested, state)
		mu.Unlock()
		return nil
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn) // initial power.status

	writeMessage(t, conn, Message{
		Type:    MessageTypeSuspendRequest,
		Payload: SuspendRequestPayload{State: "mem"},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSuspendResult {
		t.Fatalf("expected suspend.result, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["state"] != "mem" {
		t.Fatalf("expected state mem, got %#v", payload["state"])
	}
	if payload["success"] != true {
		t.Fatalf("expected success, got %#v", payload["success"])
	}

	mu.Lock()
	defer mu.Unlock()
	if len(requested) != 1 || requested[0] != "mem" {
		t.Fatalf("sleep handler calls = %v, want [mem]", requested)
	}
}

func TestSuspendRequestFailureCarriesCode(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetSleepHandler(func(state string) error {
		return apperrors.Busy()
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypeSuspendRequest,
		Payload: SuspendRequestPayload{State: "standby"},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSuspendResult {
		t.Fatalf("expected suspend.result, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["success"] != false {
		t.Fatalf("expected failure, got %#v", payload["success"])
	}
	if payload["error_code"] != apperrors.CodeSuspendBusy {
		t.Fatalf("expected %s, got %#v", apperrors.CodeSuspendBusy, payload["error_code"])
	}
}

func TestSuspendRequestWithoutHandler(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypeSuspendRequest,
		Payload: SuspendRequestPayload{State: "mem"},
	})

	msg := readMessage(t, conn)
	payload := payloadMap(t, msg)
	if payload["error_code"] != apperrors.CodeServerHandlerMissing {
		t.Fatalf("expected %s, got %#v", apperrors.CodeServerHandlerMissing, payload["error_code"])
	}
}

func TestSuspendRequestMissingState(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetSleepHandler(func(state string) error { return nil })

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypeSuspendRequest,
		Payload: SuspendRequestPayload{},
	})

	msg := readMessage(t, conn)
	payload := payloadMap(t, msg)
	if payload["success"] != false {
		t.Fatalf("expected failure, got %#v", payload["success"])
	}
	if payload["error_code"] != apperrors.CodeServerInvalidMessage {
		t.Fatalf("expected %s, got %#v", apperrors.CodeServerInvalidMessage, payload["error_code"])
	}
}

func TestPowerWakeDefaultsSource(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	var mu sync.Mutex
	var gotSource, gotReason string
	s.SetWakeHandler(func(source, reason string) bool {
		mu.Lock()
		gotSource, gotReason = source, reason
		mu.Unlock()
		return true
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypePowerWake,
		Payload: PowerWakePayload{Reason: "lid opened"},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypePowerWake {
		t.Fatalf("expected power.wake echo, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["woken"] != true {
		t.Fatalf("expected woken true, got %#v", payload["woken"])
	}

	mu.Lock()
	defer mu.Unlock()
	if gotSource != "remote" {
		t.Fatalf("source = %q, want remote", gotSource)
	}
	if gotReason != "lid opened" {
		t.Fatalf("reason = %q, want lid opened", gotReason)
	}
}

func TestTestSetArmsLevelAndBroadcastsStatus(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	var mu sync.Mutex
	level := "none"
	s.SetTestLevelHandler(func(l string) error {
		mu.Lock()
		level = l
		mu.Unlock()
		return nil
	})
	s.SetStatusProvider(func() PowerStatusPayload {
		mu.Lock()
		defer mu.Unlock()
		return PowerStatusPayload{TestLevel: level}
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypeTestSet,
		Payload: TestSetPayload{Level: "devices"},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeTestResult {
		t.Fatalf("expected test.result, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["success"] != true || payload["level"] != "devices" {
		t.Fatalf("unexpected test.result payload: %#v", payload)
	}

	// The armed level is broadcast as a fresh power.status.
	msg = readMessage(t, conn)
	if msg.Type != MessageTypePowerStatus {
		t.Fatalf("expected power.status broadcast, got %s", msg.Type)
	}
	if payloadMap(t, msg)["test_level"] != "devices" {
		t.Fatalf("expected broadcast test_level devices, got %#v", payloadMap(t, msg)["test_level"])
	}
}

func TestTestSetRejectsUnknownLevel(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetTestLevelHandler(func(l string) error {
		return apperrors.InvalidTestLevel(l)
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypeTestSet,
		Payload: TestSetPayload{Level: "bogus"},
	})

	msg := readMessage(t, conn)
	payload := payloadMap(t, msg)
	if payload["success"] != false {
		t.Fatalf("expected failure, got %#v", payload["success"])
	}
	if payload["error_code"] != apperrors.CodeTestInvalidLevel {
		t.Fatalf("expected %s, got %#v", apperrors.CodeTestInvalidLevel, payload["error_code"])
	}
}

func TestPowerStatsRequest(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetStatsProvider(func() PowerStatsPayload {
		return PowerStatsPayload{Success: 3, Fail: 1, LastErrorCode: "suspend.enter_failed"}
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{Type: MessageTypePowerStats, Payload: struct{}{}})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypePowerStats {
		t.Fatalf("expected power.stats, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["success"] != float64(3) || payload["fail"] != float64(1) {
		t.Fatalf("unexpected counters: %#v", payload)
	}
	if payload["last_error_code"] != "suspend.enter_failed" {
		t.Fatalf("unexpected last_error_code: %#v", payload["last_error_code"])
	}
}

func TestUnknownMessageTypeSendsError(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{Type: "bogus.type", Payload: struct{}{}})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("expected error message, got %s", msg.Type)
	}
	if payloadMap(t, msg)["code"] != apperrors.CodeServerInvalidMessage {
		t.Fatalf("unexpected error code: %#v", payloadMap(t, msg)["code"])
	}
}

// TestInvalidJSONMessage verifies the server handles malformed JSON gracefully.
func TestInvalidJSONMessage(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetStatusProvider(func() PowerStatusPayload {
		return PowerStatusPayload{TestLevel: "none"}
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	// Send invalid JSON - server should not crash
	conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not valid json {{{")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The connection should still work.
	writeMessage(t, conn, Message{Type: MessageTypePowerStatus, Payload: struct{}{}})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypePowerStatus {
		t.Fatalf("expected power.status after bad JSON, got %s", msg.Type)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	connA := dialTest(t, ts)
	defer connA.Close()
	connB := dialTest(t, ts)
	defer connB.Close()

	_ = readMessage(t, connA)
	_ = readMessage(t, connB)

	s.BroadcastTransitionStarted("mem")

	for _, conn := range []*websocket.Conn{connA, connB} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeTransitionStarted {
			t.Fatalf("expected transition.started, got %s", msg.Type)
		}
		if payloadMap(t, msg)["state"] != "mem" {
			t.Fatalf("unexpected state: %#v", payloadMap(t, msg)["state"])
		}
	}
}

func TestTransitionFinishedBroadcastIncludesStatus(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetStatusProvider(func() PowerStatusPayload {
		return PowerStatusPayload{TestLevel: "none", Backend: "noop"}
	})

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	s.BroadcastTransitionFinished("standby", apperrors.New(apperrors.CodeSuspendEnterFailed, "enter failed"), 1500*time.Millisecond)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeTransitionFinished {
		t.Fatalf("expected transition.finished, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["success"] != false {
		t.Fatalf("expected failed transition, got %#v", payload["success"])
	}
	if payload["error_code"] != apperrors.CodeSuspendEnterFailed {
		t.Fatalf("unexpected error_code: %#v", payload["error_code"])
	}
	if payload["duration_ms"] != float64(1500) {
		t.Fatalf("unexpected duration_ms: %#v", payload["duration_ms"])
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypePowerStatus {
		t.Fatalf("expected trailing power.status, got %s", msg.Type)
	}
}

func TestLifecycleBroadcasterObserver(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	conn := dialTest(t, ts)
	defer conn.Close()
	_ = readMessage(t, conn)

	obs := NewLifecycleBroadcaster(s)
	obs.TransitionStarted(suspend.StateFreeze)
	obs.TransitionFinished(suspend.StateFreeze, nil, 2*time.Second)

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeTransitionStarted {
		t.Fatalf("expected transition.started, got %s", msg.Type)
	}
	if payloadMap(t, msg)["state"] != "freeze" {
		t.Fatalf("unexpected state: %#v", payloadMap(t, msg)["state"])
	}

	msg = readMessage(t, conn)
	if msg.Type != MessageTypeTransitionFinished {
		t.Fatalf("expected transition.finished, got %s", msg.Type)
	}
	if payloadMap(t, msg)["success"] != true {
		t.Fatalf("expected success, got %#v", payloadMap(t, msg)["success"])
	}
}

func TestAuthRequiredRejectsAndAccepts(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetRequireAuth(true)
	s.SetTokenValidator(func(token string) (string, bool, error) {
		if token == "secret" {
			return "device-1", true, nil
		}
		return "", false, apperrors.New(apperrors.CodeAuthInvalid, "invalid token")
	})

	// Missing token is rejected during the handshake.
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil); err == nil {
		t.Fatal("expected dial to fail without token")
	} else if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}

	// Wrong token is rejected too.
	if _, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"?token=wrong", nil); err == nil {
		t.Fatal("expected dial to fail with wrong token")
	}

	// Bearer header works.
	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), header)
	if err != nil {
		t.Fatalf("dial with token failed: %v", err)
	}
	defer conn.Close()
	_ = readMessage(t, conn)

	// Device activity is tracked once messages flow.
	activity := make(chan string, 1)
	s.SetDeviceActivityTracker(func(deviceID string) {
		select {
		case activity <- deviceID:
		default:
		}
	})

	writeMessage(t, conn, Message{Type: MessageTypeHeartbeat, Payload: struct{}{}})

	select {
	case id := <-activity:
		if id != "device-1" {
			t.Fatalf("tracked device = %q, want device-1", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("activity tracker not called")
	}
}

func TestObserveOnlyDeviceDeniedPowerCommands(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetRequireAuth(true)
	s.SetTokenValidator(func(token string) (string, bool, error) {
		if token == "watch" {
			return "display-1", false, nil
		}
		return "", false, apperrors.New(apperrors.CodeAuthInvalid, "invalid token")
	})

	var mu sync.Mutex
	var slept []string
	s.SetSleepHandler(func(state string) error {
		mu.Lock()
		slept = append(slept, state)
		mu.Unlock()
		return nil
	})
	var recorded []string
	s.SetCommandRecorder(func(deviceID, command string) {
		mu.Lock()
		recorded = append(recorded, deviceID+"/"+command)
		mu.Unlock()
	})
	s.SetStatsProvider(func() PowerStatsPayload {
		return PowerStatsPayload{Success: 1}
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"?token=watch", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = readMessage(t, conn) // initial power.status

	// Suspend is refused with a failed result.
	writeMessage(t, conn, Message{
		Type:    MessageTypeSuspendRequest,
		Payload: SuspendRequestPayload{State: "mem"},
	})
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeSuspendResult {
		t.Fatalf("expected suspend.result, got %s", msg.Type)
	}
	payload := payloadMap(t, msg)
	if payload["success"] != false {
		t.Fatalf("expected failure, got %#v", payload["success"])
	}
	if payload["error_code"] != apperrors.CodeAuthForbidden {
		t.Fatalf("expected %s, got %#v", apperrors.CodeAuthForbidden, payload["error_code"])
	}

	// So is waking the machine.
	writeMessage(t, conn, Message{
		Type:    MessageTypePowerWake,
		Payload: PowerWakePayload{Reason: "motion"},
	})
	msg = readMessage(t, conn)
	if msg.Type != MessageTypeError {
		t.Fatalf("expected error message, got %s", msg.Type)
	}
	if payloadMap(t, msg)["code"] != apperrors.CodeAuthForbidden {
		t.Fatalf("unexpected error code: %#v", payloadMap(t, msg)["code"])
	}

	// And arming a test checkpoint.
	writeMessage(t, conn, Message{
		Type:    MessageTypeTestSet,
		Payload: TestSetPayload{Level: "devices"},
	})
	msg = readMessage(t, conn)
	if msg.Type != MessageTypeTestResult {
		t.Fatalf("expected test.result, got %s", msg.Type)
	}
	if payloadMap(t, msg)["error_code"] != apperrors.CodeAuthForbidden {
		t.Fatalf("unexpected error_code: %#v", payloadMap(t, msg)["error_code"])
	}

	// Watching is still allowed.
	writeMessage(t, conn, Message{Type: MessageTypePowerStats, Payload: struct{}{}})
	msg = readMessage(t, conn)
	if msg.Type != MessageTypePowerStats {
		t.Fatalf("expected power.stats, got %s", msg.Type)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(slept) != 0 {
		t.Fatalf("sleep handler called for observe-only device: %v", slept)
	}
	if len(recorded) != 0 {
		t.Fatalf("denied commands must not be audited, got %v", recorded)
	}
}

func TestPowerCommandsAreAudited(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetRequireAuth(true)
	s.SetTokenValidator(func(token string) (string, bool, error) {
		return "phone-1", true, nil
	})
	s.SetSleepHandler(func(state string) error { return nil })

	commands := make(chan string, 1)
	s.SetCommandRecorder(func(deviceID, command string) {
		commands <- deviceID + "/" + command
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"?token=tok", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = readMessage(t, conn)

	writeMessage(t, conn, Message{
		Type:    MessageTypeSuspendRequest,
		Payload: SuspendRequestPayload{State: "freeze"},
	})
	_ = readMessage(t, conn)

	select {
	case got := <-commands:
		if got != "phone-1/suspend:freeze" {
			t.Fatalf("recorded command = %q, want phone-1/suspend:freeze", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command recorder not called")
	}
}

func TestCloseDeviceConnections(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()
	defer s.Stop()

	s.SetRequireAuth(true)
	s.SetTokenValidator(func(token string) (string, bool, error) {
		return "device-9", true, nil
	})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL)+"?token=anything", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	_ = readMessage(t, conn)

	if n := s.CloseDeviceConnections("device-9"); n != 1 {
		t.Fatalf("closed = %d, want 1", n)
	}
	if n := s.CloseDeviceConnections("missing"); n != 0 {
		t.Fatalf("closed = %d, want 0", n)
	}

	// The connection should observe the close.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func TestStartAsyncFailsWhenPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	s := NewServer(ln.Addr().String())
	errCh := s.StartAsync()
	if err := <-errCh; err == nil {
		t.Fatal("expected error when port already in use")
	}
}

func TestStopWithActiveClient(t *testing.T) {
	s, ts := newTestServer()
	defer ts.Close()

	conn := dialTest(t, ts)
	defer conn.Close()

	_ = readMessage(t, conn)

	done := make(chan struct{})
	go func() {
		_ = s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return in time")
	}
}

func TestBroadcastAfterStopIsDropped(t *testing.T) {
	s, _ := newTestServer()
	if err := s.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	// Must not panic on the closed broadcast channel.
	s.BroadcastTransitionStarted("mem")
	s.BroadcastWakeEvent("rtc", "alarm")
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		query  string
		want   string
	}{
		{"bearer header", "Bearer tok123", "", "tok123"},
		{"lowercase bearer", "bearer tok123", "", "tok123"},
		{"query fallback", "", "tok456", "tok456"},
		{"header wins over query", "Bearer tok123", "tok456", "tok123"},
		{"no token", "", "", ""},
		{"malformed header ignored", "Basic abc", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/ws"
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := extractBearerToken(req); got != tt.want {
				t.Errorf("extractBearerToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
