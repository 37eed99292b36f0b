package web

import (
	"bufio"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testImage() *image.RGBA {
	return image.NewRGBA(image.Rect(0, 0, 16, 8))
}

func TestHealthAndStats(t *testing.T) {
	s := New(func() any { return map[string]int{"frames": 42} })
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 42, got["frames"])
}

func TestShowWithoutClientsIsNoop(t *testing.T) {
	s := New(nil)
	defer s.Close()

	require.NoError(t, s.Show(testImage()))
	assert.Equal(t, uint64(0), s.Dropped())
}

// Scenario: a websocket viewer connects and a frame is shown.
// Contract: the viewer receives one binary JPEG message.
func TestWebSocketReceivesJPEG(t *testing.T) {
	s := New(nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Show(testImage()))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, kind)
	require.GreaterOrEqual(t, len(data), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, data[:2], "JPEG SOI marker")
}

// Scenario: an MJPEG viewer connects and a frame is shown.
// Contract: the response is multipart with a JPEG part.
func TestMJPEGStream(t *testing.T) {
	s := New(nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.Close()

	resp, err := http.Get(ts.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Show(testImage()))

	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "--frame\r\n", line)

	line, err = r.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "Content-Type: image/jpeg\r\n", line)
}

// Scenario: a viewer never reads.
// Contract: Show never blocks; surplus frames are dropped.
func TestSlowClientDrops(t *testing.T) {
	s := New(nil)
	defer s.Close()

	c, ok := s.register("test")
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < clientBuffer+3; i++ {
			s.Show(testImage())
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Show blocked on a slow client")
	}

	assert.Equal(t, uint64(3), s.Dropped())
	assert.Len(t, c.frames, clientBuffer)
}

func TestCloseDisconnectsClients(t *testing.T) {
	s := New(nil)
	c, ok := s.register("test")
	require.True(t, ok)

	require.NoError(t, s.Close())
	_, open := <-c.frames
	assert.False(t, open)

	_, ok = s.register("late")
	assert.False(t, ok)
	assert.NoError(t, s.Close())
}

func TestStartFailsOnBadAddress(t *testing.T) {
	s := New(nil)
	defer s.Close()

	assert.Error(t, s.Start("256.0.0.1:99999"))
	assert.Equal(t, "", s.Addr())
}
