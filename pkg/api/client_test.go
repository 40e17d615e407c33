package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func respond(w http.ResponseWriter, status int, success bool, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	payload := map[string]any{"success": success, "message": message}
	if data != nil {
		payload["data"] = data
	}
	json.NewEncoder(w).Encode(payload)
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{BaseURL: srv.URL + "/api", Token: "tok-1"})
	require.NoError(t, err)
	return c, srv
}

func TestStartConversation(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		respond(w, 200, true, "", map[string]any{
			"conversation_id": "conv-1",
			"message":         "hello there",
			"audio_url":       "/media/tts/1.mp3",
		})
	}))

	res, err := c.StartConversation(context.Background(), ConversationChat, "child-7")
	require.NoError(t, err)

	assert.Equal(t, "/api/ai/conversation/start/", gotPath)
	assert.Equal(t, "Bearer tok-1", gotAuth)
	assert.Equal(t, "chat", gotBody["conversation_type"])
	assert.Equal(t, "child-7", gotBody["child_id"])
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.Equal(t, "/media/tts/1.mp3", res.AudioURL)
}

func TestStartConversationOmitsEmptyChild(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		respond(w, 200, true, "", map[string]any{"conversation_id": "conv-1"})
	}))

	_, err := c.StartConversation(context.Background(), ConversationOnboarding, "")
	require.NoError(t, err)
	_, present := gotBody["child_id"]
	assert.False(t, present)
}

func TestSendTextDecodesReply(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "conv-1", r.FormValue("conversation_id"))
		assert.Equal(t, "hi", r.FormValue("text"))

		respond(w, 200, true, "", map[string]any{
			"user_message":      map[string]any{"id": "m1", "content": "hi"},
			"assistant_message": map[string]any{"id": "m2", "content": "hello", "audio_url": "/media/2.mp3"},
			"is_complete":       true,
			"parsed_data":       map[string]any{"status": "pregnant", "weeks_at_registration": 22},
		})
	}))

	res, err := c.SendText(context.Background(), "conv-1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", res.AssistantMessage.Content)
	assert.True(t, res.IsComplete)
	assert.Equal(t, "pregnant", res.ParsedData["status"])
	assert.EqualValues(t, 22, res.ParsedData["weeks_at_registration"])
}

func TestSendAudioAttachesNamedFile(t *testing.T) {
	var gotName string
	var gotBytes []byte
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		f, header, err := r.FormFile("audio")
		require.NoError(t, err)
		defer f.Close()
		gotName = header.Filename
		gotBytes, _ = io.ReadAll(f)

		respond(w, 200, true, "", map[string]any{
			"user_message":      map[string]any{"content": "spoken words", "transcribed": true},
			"assistant_message": map[string]any{"content": "ok"},
		})
	}))

	res, err := c.SendAudio(context.Background(), "conv-1", []byte{1, 2, 3}, "ogg")
	require.NoError(t, err)
	assert.Equal(t, "recording.ogg", gotName)
	assert.Equal(t, []byte{1, 2, 3}, gotBytes)
	assert.True(t, res.UserMessage.Transcribed)
}

func TestSendAudioRejectsEmptyClip(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	_, err := c.SendAudio(context.Background(), "conv-1", nil, "ogg")
	assert.Error(t, err)
}

func TestCompleteConversationPath(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		respond(w, 200, true, "completed", nil)
	}))

	require.NoError(t, c.CompleteConversation(context.Background(), "conv-9"))
	assert.Equal(t, "/api/ai/conversation/conv-9/complete/", gotPath)
}

func TestTranscribe(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, 200, true, "", map[string]any{"text": "hello world"})
	}))

	text, err := c.Transcribe(context.Background(), []byte{1}, "wav")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestEnvelopeFailureBecomesError(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(w, 400, false, "conversation not found", nil)
	}))

	_, err := c.SendText(context.Background(), "nope", "hi")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 400, apiErr.Status)
	assert.Equal(t, "conversation not found", apiErr.Message)
}

func TestMalformedEnvelope(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(502)
		io.WriteString(w, "<html>Bad Gateway</html>")
	}))

	_, err := c.SendText(context.Background(), "conv-1", "hi")
	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 502, apiErr.Status)
}

func TestFetchAudioResolvesRelativeURL(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("mp3bytes"))
	}))

	data, ext, err := c.FetchAudio(context.Background(), "/media/tts/42.mp3")
	require.NoError(t, err)
	assert.Equal(t, "/media/tts/42.mp3", gotPath)
	assert.Equal(t, "mp3", ext)
	assert.Equal(t, []byte("mp3bytes"), data)
}

func TestFetchAudioAbsoluteURL(t *testing.T) {
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("oggbytes"))
	}))
	t.Cleanup(cdn.Close)

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("api host must not be hit for absolute URLs")
	}))

	data, ext, err := c.FetchAudio(context.Background(), cdn.URL+"/clips/7.ogg")
	require.NoError(t, err)
	assert.Equal(t, "ogg", ext)
	assert.Equal(t, []byte("oggbytes"), data)
}

func TestCreateChildSendsRecordVerbatim(t *testing.T) {
	var gotBody map[string]any
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		respond(w, 201, true, "", map[string]any{"id": "child-1", "name": "June", "status": "pregnant"})
	}))

	record := map[string]any{"name": "June", "status": "pregnant", "weeks_at_registration": 22}
	child, err := c.CreateChild(context.Background(), record)
	require.NoError(t, err)
	assert.Equal(t, "child-1", child.ID)
	assert.EqualValues(t, 22, gotBody["weeks_at_registration"])
}

func TestBaseURLRequired(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestErrorString(t *testing.T) {
	e := &Error{Status: 503, Message: "unavailable"}
	assert.True(t, strings.Contains(e.Error(), "503"))
}
