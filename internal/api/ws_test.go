package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/provider"
)

// wsTestFrame mirrors the outbound envelope with the data left raw so
// each test decodes only the payloads it cares about.
type wsTestFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsChunkData struct {
	MessageID string `json:"message_id"`
	Seq       int    `json:"seq"`
	Chunk     string `json:"chunk"`
}

type wsEndData struct {
	MessageID    string      `json:"message_id"`
	FinalContent string      `json:"final_content"`
	Usage        *chat.Usage `json:"usage"`
}

type wsErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type wsNewMessageData struct {
	Message chat.Message `json:"message"`
}

func dialWS(t *testing.T, srv *httptest.Server, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/chat?session_id=" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	// The first frame on every connection is the status frame.
	var status wsTestFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&status))
	require.Equal(t, "status", status.Type)
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frameType string, data map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": frameType, "data": data}))
}

// readFrames reads until the terminal frame of one generation cycle.
func readFrames(t *testing.T, conn *websocket.Conn) []wsTestFrame {
	t.Helper()
	var frames []wsTestFrame
	deadline := time.Now().Add(5 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var frame wsTestFrame
		require.NoError(t, conn.ReadJSON(&frame))
		frames = append(frames, frame)
		if frame.Type == string(chat.EventEnd) || frame.Type == string(chat.EventError) {
			return frames
		}
	}
}

func TestWSChatStream(t *testing.T) {
	fake := &provider.Fake{Scripts: []provider.Script{
		{Chunks: []string{"streamed ", "over ", "websocket"}},
	}}
	s := newTestServer(t, fake, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "s1")
	writeFrame(t, conn, "chat_message", map[string]any{"message": "hello"})

	frames := readFrames(t, conn)
	var sb strings.Builder
	seq := 0
	sawNewMessage := false
	for _, frame := range frames {
		switch frame.Type {
		case string(chat.EventNewMessage):
			sawNewMessage = true
			var data wsNewMessageData
			require.NoError(t, json.Unmarshal(frame.Data, &data))
			assert.Equal(t, "hello", data.Message.Content)
		case string(chat.EventChunk):
			var data wsChunkData
			require.NoError(t, json.Unmarshal(frame.Data, &data))
			assert.Equal(t, seq, data.Seq)
			seq++
			sb.WriteString(data.Chunk)
		}
	}
	last := frames[len(frames)-1]
	require.Equal(t, string(chat.EventEnd), last.Type)
	var end wsEndData
	require.NoError(t, json.Unmarshal(last.Data, &end))
	assert.True(t, sawNewMessage)
	assert.Equal(t, "streamed over websocket", end.FinalContent)
	assert.Equal(t, sb.String(), end.FinalContent)
}

func TestWSTwoSubscribersSeeSameStream(t *testing.T) {
	fake := &provider.Fake{Scripts: []provider.Script{{Chunks: []string{"shared"}}}}
	s := newTestServer(t, fake, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	a := dialWS(t, srv, "s1")
	b := dialWS(t, srv, "s1")

	writeFrame(t, a, "chat_message", map[string]any{"message": "hi"})

	for _, conn := range []*websocket.Conn{a, b} {
		frames := readFrames(t, conn)
		last := frames[len(frames)-1]
		require.Equal(t, string(chat.EventEnd), last.Type)
		var end wsEndData
		require.NoError(t, json.Unmarshal(last.Data, &end))
		assert.Equal(t, "shared", end.FinalContent)
	}
}

func TestWSPingPong(t *testing.T) {
	s := newTestServer(t, &provider.Fake{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "s1")
	writeFrame(t, conn, "ping", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wsTestFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "pong", frame.Type)
}

func TestWSUnknownFrame(t *testing.T) {
	s := newTestServer(t, &provider.Fake{}, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "s1")
	writeFrame(t, conn, "mystery", nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wsTestFrame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, string(chat.EventError), frame.Type)
	var data wsErrorData
	require.NoError(t, json.Unmarshal(frame.Data, &data))
	assert.Equal(t, chat.KindValidation, data.Kind)
}

func TestWSFeedback(t *testing.T) {
	fake := &provider.Fake{Scripts: []provider.Script{{Chunks: []string{"rated"}}}}
	s := newTestServer(t, fake, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn := dialWS(t, srv, "s1")
	writeFrame(t, conn, "chat_message", map[string]any{"message": "rate me"})

	frames := readFrames(t, conn)
	var end wsEndData
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &end))

	writeFrame(t, conn, "feedback", map[string]any{
		"message_id": end.MessageID,
		"score":      chat.FeedbackGood,
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame wsTestFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, string(chat.EventFeedbackAck), frame.Type)
}
