// README: End-to-end delivery scenario over HTTP and websockets against the memory store.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/config"
	"courier/internal/infra"
	"courier/internal/socket"
)

const testSecret = "test-secret"

func testConfig() config.Config {
	return config.Config{
		Server:   config.ServerConfig{Port: "0"},
		Store:    config.StoreConfig{Driver: config.DriverMemory},
		Auth:     config.AuthConfig{JWTSecret: testSecret, TokenTTL: time.Hour},
		CORS:     config.CORSConfig{AllowedOrigins: []string{"http://localhost:5173"}},
		Matching: config.MatchingConfig{StrictAccept: true},
		Tracking: config.TrackingConfig{Persist: true},
	}
}

type harness struct {
	app *App
	srv *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	a, err := New(ctx, testConfig(), zerolog.Nop())
	require.NoError(t, err)
	a.Start(ctx)
	srv := httptest.NewServer(a.Handler(ctx))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		a.Close()
	})
	return &harness{app: a, srv: srv}
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) do(t *testing.T, method, path, uid, role string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if uid != "" {
		tok, err := infra.IssueToken(testSecret, uid, role, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(socket.Frame{Event: event, Data: raw}))
}

func expect(t *testing.T, conn *websocket.Conn, event string) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var f socket.Frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, event, f.Event, "payload: %s", string(f.Data))
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(f.Data, &out))
	return out
}

func TestDeliveryLifecycle(t *testing.T) {
	h := newHarness(t)

	driver := h.dial(t)
	emit(t, driver, socket.EventDriverJoin, "d1")
	emit(t, driver, socket.EventDriverLocation, map[string]any{"driverId": "d1", "lat": 30.01, "lng": 31.01})
	require.Eventually(t, func() bool {
		e, ok := h.app.Presence.Get("d1")
		return ok && e.Coords != nil
	}, 2*time.Second, 10*time.Millisecond)

	status, body := h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{
		"name": "Mona", "phone": "0100", "address": "Cairo", "lat": 30, "lng": 31, "type_of_item": "parcel",
	})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "d1", body["assigned_driver_id"])
	assert.InDelta(t, 1.4709, body["distance_km"], 0.01)
	number := body["order_number"].(string)

	offer := expect(t, driver, socket.EventNewOrder)
	assert.Equal(t, number, offer["order_number"])

	customer := h.dial(t)
	emit(t, customer, socket.EventJoinOrder, map[string]any{"orderId": number})
	catchUp := expect(t, customer, socket.EventLocationUpdated)
	assert.InDelta(t, 30.0, catchUp["lat"], 1e-9)
	assert.Equal(t, "", catchUp["driverId"], "seed position is the customer's own")

	status, body = h.do(t, http.MethodPost, "/api/orders/accept", "d1", "staff", map[string]any{"order_number": number})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "in_transit", body["status"])
	e, _ := h.app.Presence.Get("d1")
	assert.False(t, e.Available)

	assert.Equal(t, "in_transit", expect(t, customer, socket.EventStatusUpdate)["status"])
	assert.Equal(t, number, expect(t, driver, socket.EventOrderAccepted)["orderId"])

	emit(t, driver, socket.EventUpdateLocation, map[string]any{"orderId": number, "driverId": "d1", "lat": 30.005, "lng": 31.005})
	moved := expect(t, customer, socket.EventLocationUpdated)
	assert.InDelta(t, 30.005, moved["lat"], 1e-9)
	assert.Equal(t, "d1", moved["driverId"])

	status, _ = h.do(t, http.MethodPost, "/api/orders/complete", "d2", "staff", map[string]any{"order_number": number})
	assert.Equal(t, http.StatusConflict, status)

	status, body = h.do(t, http.MethodPost, "/api/orders/complete", "d1", "staff", map[string]any{"order_number": number})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "delivered", expect(t, customer, socket.EventStatusUpdate)["status"])
	assert.Equal(t, "d1", expect(t, customer, socket.EventDeliveryCompleted)["driverId"])
	e, _ = h.app.Presence.Get("d1")
	assert.True(t, e.Available)

	emit(t, driver, socket.EventUpdateLocation, map[string]any{"orderId": number, "driverId": "d1", "lat": 30.006, "lng": 31.006})
	assert.Equal(t, socket.EventUpdateLocation, expect(t, driver, socket.EventError)["event"])

	status, body = h.do(t, http.MethodGet, "/api/public/order/"+number, "", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "delivered", body["status"])
	assert.Nil(t, body["tracked_location"])

	status, _ = h.do(t, http.MethodPost, "/api/public/order/"+number+"/rating", "", "", map[string]any{"rating": 5})
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/api/public/order/"+number+"/rating", "", "", map[string]any{"rating": 4})
	assert.Equal(t, http.StatusConflict, status)
}

func TestSubmitWithoutDriversStaysInPool(t *testing.T) {
	h := newHarness(t)

	status, body := h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{
		"name": "Ali", "phone": "0101", "lat": 30, "lng": 31,
	})
	require.Equal(t, http.StatusCreated, status)
	assert.Nil(t, body["assigned_driver_id"])
	number := body["order_number"].(string)

	// any staff member can take an unassigned order
	status, _ = h.do(t, http.MethodPost, "/api/orders/accept", "d9", "staff", map[string]any{"order_number": number})
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodPost, "/api/orders/accept", "d8", "staff", map[string]any{"order_number": number})
	assert.Equal(t, http.StatusConflict, status)
}

func TestSubmitValidation(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{"name": "x", "phone": "1", "lat": 95, "lng": 31})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{"phone": "1", "lat": 30, "lng": 31})
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodGet, "/api/public/order/ORD-missing", "", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestProtectedRoutes(t *testing.T) {
	h := newHarness(t)

	status, _ := h.do(t, http.MethodGet, "/api/orders", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
	status, _ = h.do(t, http.MethodGet, "/api/orders", "c1", "customer", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = h.do(t, http.MethodGet, "/api/orders/stats/daily", "d1", "staff", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = h.do(t, http.MethodGet, "/api/orders/stats/daily?range=yearly", "a1", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _ = h.do(t, http.MethodGet, "/api/orders?status=bogus", "a1", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// a driver cannot act for someone else
	status, _ = h.do(t, http.MethodPost, "/api/orders/accept", "d1", "staff", map[string]any{"order_number": "ORD-x", "driver_id": "d2"})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestAdminUpdateAndDelete(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{"name": "Ali", "phone": "0101", "lat": 30, "lng": 31})
	number := body["order_number"].(string)

	status, body := h.do(t, http.MethodPut, "/api/orders/"+number, "a1", "admin", map[string]any{"status": "Completed"})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "delivered", body["status"])

	status, _ = h.do(t, http.MethodDelete, "/api/orders/"+number, "a1", "admin", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = h.do(t, http.MethodGet, "/api/orders/"+number, "a1", "admin", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHTTPLocationFallback(t *testing.T) {
	h := newHarness(t)
	_, body := h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{"name": "Ali", "phone": "0101", "lat": 30, "lng": 31})
	number := body["order_number"].(string)
	status, _ := h.do(t, http.MethodPost, "/api/orders/accept", "d1", "staff", map[string]any{"order_number": number})
	require.Equal(t, http.StatusOK, status)

	customer := h.dial(t)
	emit(t, customer, socket.EventJoinOrder, number)
	expect(t, customer, socket.EventLocationUpdated)

	status, body = h.do(t, http.MethodPost, "/api/orders/location/update", "d1", "staff", map[string]any{"lat": 30.02, "lng": 31.02})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, []any{number}, body["relayed"])
	assert.InDelta(t, 30.02, expect(t, customer, socket.EventLocationUpdated)["lat"], 1e-9)

	status, _ = h.do(t, http.MethodPost, "/api/orders/location/update", "d1", "staff", map[string]any{"lat": 200, "lng": 31})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSocketRejectsBadFrames(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	emit(t, conn, socket.EventUpdateLocation, map[string]any{"orderId": "ORD-1", "lat": 500, "lng": 0})
	errFrame := expect(t, conn, socket.EventError)
	assert.Equal(t, socket.EventUpdateLocation, errFrame["event"])

	emit(t, conn, socket.EventUpdateLocation, map[string]any{"orderId": "ORD-missing", "lat": 30, "lng": 31})
	errFrame = expect(t, conn, socket.EventError)
	assert.Contains(t, errFrame["message"], "unknown or already delivered")

	emit(t, conn, socket.EventDriverJoin, map[string]any{})
	assert.Equal(t, socket.EventDriverJoin, expect(t, conn, socket.EventError)["event"])

	emit(t, conn, socket.EventLeaveOrder, map[string]any{})
	assert.Equal(t, socket.EventLeaveOrder, expect(t, conn, socket.EventError)["event"])
}

func TestLeaveOrderStopsUpdates(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodPost, "/api/public/order", "", "", map[string]any{
		"name": "Ali", "phone": "0101", "lat": 30, "lng": 31,
	})
	require.Equal(t, http.StatusCreated, status, body)
	number := body["order_number"].(string)

	customer := h.dial(t)
	emit(t, customer, socket.EventJoinOrder, number)
	expect(t, customer, socket.EventLocationUpdated)
	require.Equal(t, 1, h.app.Hub.RoomSize(number))

	emit(t, customer, socket.EventLeaveOrder, map[string]any{"orderId": number})
	require.Eventually(t, func() bool { return h.app.Hub.RoomSize(number) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectDeregistersDriver(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)
	emit(t, conn, socket.EventDriverJoin, map[string]any{"driverId": "d1"})
	require.Eventually(t, func() bool { return h.app.Presence.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.app.Presence.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)
	status, body := h.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
