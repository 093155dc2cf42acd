package ha

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// mockHAServer creates a mock Home Assistant WebSocket server
func mockHAServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Failed to upgrade connection: %v", err)
			return
		}
		defer conn.Close()

		handler(conn)
	}))
}

// standardAuthFlow handles the standard authentication flow
func standardAuthFlow(t *testing.T, conn *websocket.Conn, token string) {
	err := conn.WriteJSON(Message{Type: "auth_required"})
	require.NoError(t, err)

	var authMsg AuthMessage
	err = conn.ReadJSON(&authMsg)
	require.NoError(t, err)
	assert.Equal(t, "auth", authMsg.Type)
	assert.Equal(t, token, authMsg.AccessToken)

	err = conn.WriteJSON(Message{Type: "auth_ok"})
	require.NoError(t, err)
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_Connect(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("successful connection", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		assert.NoError(t, err)
		assert.True(t, client.IsConnected())

		client.Disconnect()
		assert.False(t, client.IsConnected())
	})

	t.Run("invalid token", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			conn.WriteJSON(Message{Type: "auth_required"})

			var authMsg AuthMessage
			conn.ReadJSON(&authMsg)

			conn.WriteJSON(Message{Type: "auth_invalid"})
		})
		defer server.Close()

		client := NewClient(wsURL(server), "wrong_token", logger)

		err := client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "authentication failed")
		assert.False(t, client.IsConnected())
	})

	t.Run("already connected", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)
			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)

		err := client.Connect()
		require.NoError(t, err)

		err = client.Connect()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already connected")

		client.Disconnect()
	})
}

func TestClient_GetState(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		states := []*State{
			{
				EntityID: "climate.living_room",
				State:    "heat",
				Attributes: map[string]interface{}{
					"temperature":         20.5,
					"current_temperature": "19.8",
				},
			},
		}
		statesJSON, _ := json.Marshal(states)
		success := true

		// Two get_states round trips: one for the hit, one for the miss
		for i := 0; i < 2; i++ {
			var statesReq GetStatesRequest
			if err := conn.ReadJSON(&statesReq); err != nil {
				return
			}
			assert.Equal(t, "get_states", statesReq.Type)
			conn.WriteJSON(Message{
				ID:      statesReq.ID,
				Type:    "result",
				Success: &success,
				Result:  statesJSON,
			})
		}

		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	state, err := client.GetState("climate.living_room")
	require.NoError(t, err)
	assert.Equal(t, "heat", state.State)

	setpoint, ok := state.FloatAttribute("temperature")
	assert.True(t, ok)
	assert.Equal(t, 20.5, setpoint)

	current, ok := state.FloatAttribute("current_temperature")
	assert.True(t, ok)
	assert.Equal(t, 19.8, current)

	_, err = client.GetState("climate.nonexistent")
	assert.True(t, errors.Is(err, ErrEntityNotFound))
}

func TestClient_CallService(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	t.Run("success", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			var serviceReq CallServiceRequest
			conn.ReadJSON(&serviceReq)

			assert.Equal(t, "call_service", serviceReq.Type)
			assert.Equal(t, "climate", serviceReq.Domain)
			assert.Equal(t, "set_temperature", serviceReq.Service)
			assert.Equal(t, "climate.living_room", serviceReq.ServiceData["entity_id"])
			assert.Equal(t, 21.0, serviceReq.ServiceData["temperature"])

			success := true
			conn.WriteJSON(Message{
				ID:      serviceReq.ID,
				Type:    "result",
				Success: &success,
			})

			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.CallService("climate", "set_temperature", map[string]interface{}{
			"entity_id":   "climate.living_room",
			"temperature": 21.0,
		})
		assert.NoError(t, err)
	})

	t.Run("rejected by HA", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			var serviceReq CallServiceRequest
			conn.ReadJSON(&serviceReq)

			success := false
			conn.WriteJSON(Message{
				ID:      serviceReq.ID,
				Type:    "result",
				Success: &success,
				Error:   &Error{Code: "invalid_format", Message: "temperature out of range"},
			})

			time.Sleep(100 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.CallService("climate", "set_temperature", map[string]interface{}{
			"entity_id":   "climate.living_room",
			"temperature": 99.0,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid_format")
	})

	t.Run("timeout", func(t *testing.T) {
		server := mockHAServer(t, func(conn *websocket.Conn) {
			standardAuthFlow(t, conn, token)

			var serviceReq CallServiceRequest
			conn.ReadJSON(&serviceReq)
			time.Sleep(300 * time.Millisecond)
		})
		defer server.Close()

		client := NewClient(wsURL(server), token, logger)
		client.SetResponseTimeout(50 * time.Millisecond)
		require.NoError(t, client.Connect())
		defer client.Disconnect()

		err := client.CallService("climate", "set_temperature", map[string]interface{}{"entity_id": "climate.x"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})
}

func TestClient_CallServiceContext(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var serviceReq CallServiceRequest
		conn.ReadJSON(&serviceReq)
		time.Sleep(500 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	client.SetResponseTimeout(5 * time.Second)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := client.CallServiceContext(ctx, "climate", "set_temperature", map[string]interface{}{"entity_id": "climate.x"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// A context that is already done never reaches the socket
	err = client.CallServiceContext(ctx, "climate", "set_temperature", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_FireEvent(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	token := "test_token"

	server := mockHAServer(t, func(conn *websocket.Conn) {
		standardAuthFlow(t, conn, token)

		var req FireEventRequest
		conn.ReadJSON(&req)

		assert.Equal(t, "fire_event", req.Type)
		assert.Equal(t, "smart_heating_optimizer_setpoint_applied", req.EventType)
		assert.Equal(t, "z1", req.EventData["zone_id"])

		success := true
		conn.WriteJSON(Message{ID: req.ID, Type: "result", Success: &success})
		time.Sleep(100 * time.Millisecond)
	})
	defer server.Close()

	client := NewClient(wsURL(server), token, logger)
	require.NoError(t, client.Connect())
	defer client.Disconnect()

	err := client.FireEvent("smart_heating_optimizer_setpoint_applied", map[string]interface{}{"zone_id": "z1"})
	assert.NoError(t, err)
}

func TestClient_NotConnected(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	client := NewClient("ws://127.0.0.1:1", "token", logger)

	err := client.CallService("climate", "set_temperature", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	_, err = client.GetState("climate.any")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestMockClient(t *testing.T) {
	mock := NewMockClient()

	t.Run("climate writes update the setpoint attribute", func(t *testing.T) {
		mock.SetClimate("climate.office", 19.0)

		err := mock.CallService("climate", "set_temperature", map[string]interface{}{
			"entity_id":   "climate.office",
			"temperature": 21.0,
		})
		require.NoError(t, err)

		state, err := mock.GetState("climate.office")
		require.NoError(t, err)
		temp, ok := state.FloatAttribute("temperature")
		assert.True(t, ok)
		assert.Equal(t, 21.0, temp)

		calls := mock.GetServiceCalls()
		require.Len(t, calls, 1)
		assert.Equal(t, "climate", calls[0].Domain)
	})

	t.Run("injected failures", func(t *testing.T) {
		mock.SetServiceError("climate", "set_temperature", errors.New("device offline"))
		err := mock.CallService("climate", "set_temperature", map[string]interface{}{"entity_id": "climate.office"})
		assert.EqualError(t, err, "device offline")

		mock.SetServiceError("climate", "set_temperature", nil)
		err = mock.CallService("climate", "set_temperature", map[string]interface{}{"entity_id": "climate.office"})
		assert.NoError(t, err)
	})

	t.Run("disconnected", func(t *testing.T) {
		require.NoError(t, mock.Disconnect())
		_, err := mock.GetState("climate.office")
		assert.ErrorIs(t, err, ErrNotConnected)

		require.NoError(t, mock.Connect())
		assert.True(t, mock.IsConnected())
	})

	t.Run("state helpers", func(t *testing.T) {
		mock.SetState("sensor.outdoor", "unavailable", nil)
		state, err := mock.GetState("sensor.outdoor")
		require.NoError(t, err)
		assert.False(t, state.Available())
		_, ok := state.FloatState()
		assert.False(t, ok)

		mock.SetState("sensor.outdoor", "-3.5", nil)
		state, _ = mock.GetState("sensor.outdoor")
		v, ok := state.FloatState()
		assert.True(t, ok)
		assert.Equal(t, -3.5, v)
	})
}
