package admin

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"avatarbackend/internal/config"
	"avatarbackend/internal/engine"
	"avatarbackend/internal/retrieval"
	"avatarbackend/internal/store"

	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text))}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *store.Store, *retrieval.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dir := t.TempDir()
	ret, err := retrieval.Open(":memory:", dir, fakeEmbedder{}, 500, 50, 4, 0.0)
	require.NoError(t, err)
	t.Cleanup(func() { ret.Close() })

	eng := engine.New(st, ret, nil, &config.Config{}, "you are a test assistant")
	srv := NewServer("admin-secret", eng, ret, st)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st, ret
}

func authedReq(t *testing.T, method, url string, body *bytes.Reader, contentType string) *http.Request {
	t.Helper()
	var req *http.Request
	var err error
	if body == nil {
		req, err = http.NewRequest(method, url, nil)
	} else {
		req, err = http.NewRequest(method, url, body)
	}
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer admin-secret")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req
}

func TestMissingTokenIsUnauthorized(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + "/admin/prompt")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWrongTokenIsUnauthorized(t *testing.T) {
	ts, _, _ := newTestServer(t)
	req := authedReq(t, http.MethodGet, ts.URL+"/admin/prompt", nil, "")
	req.Header.Set("Authorization", "Bearer not-the-secret")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestGetThenSetPromptRoundTrips(t *testing.T) {
	ts, _, _ := newTestServer(t)

	getResp, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/prompt", nil, ""))
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)

	body := bytes.NewReader([]byte(`{"prompt":"be extra cheerful"}`))
	setResp, err := http.DefaultClient.Do(authedReq(t, http.MethodPost, ts.URL+"/admin/prompt", body, "application/json"))
	require.NoError(t, err)
	defer setResp.Body.Close()
	require.Equal(t, http.StatusOK, setResp.StatusCode)

	reGetResp, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/prompt", nil, ""))
	require.NoError(t, err)
	defer reGetResp.Body.Close()
	var got struct {
		Prompt string `json:"prompt"`
	}
	require.NoError(t, json.NewDecoder(reGetResp.Body).Decode(&got))
	require.Equal(t, "be extra cheerful", got.Prompt)
}

func TestUploadListAndDeleteDocument(t *testing.T) {
	ts, _, _ := newTestServer(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte(strings.Repeat("paris is the capital of france. ", 20)))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	uploadReq := authedReq(t, http.MethodPost, ts.URL+"/admin/documents", bytes.NewReader(buf.Bytes()), w.FormDataContentType())
	uploadResp, err := http.DefaultClient.Do(uploadReq)
	require.NoError(t, err)
	defer uploadResp.Body.Close()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode)

	listResp, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/documents", nil, ""))
	require.NoError(t, err)
	defer listResp.Body.Close()
	var docs []retrieval.Document
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&docs))
	require.Len(t, docs, 1)
	require.Equal(t, "notes.txt", docs[0].ID)

	delResp, err := http.DefaultClient.Do(authedReq(t, http.MethodDelete, ts.URL+"/admin/documents/notes.txt", nil, ""))
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	listResp2, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/documents", nil, ""))
	require.NoError(t, err)
	defer listResp2.Body.Close()
	var docsAfter []retrieval.Document
	require.NoError(t, json.NewDecoder(listResp2.Body).Decode(&docsAfter))
	require.Empty(t, docsAfter)
}

func TestReloadEndpointReturnsOK(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.DefaultClient.Do(authedReq(t, http.MethodPost, ts.URL+"/admin/reload", nil, ""))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListDownloadAndDeleteConversation(t *testing.T) {
	ts, st, _ := newTestServer(t)

	convID, err := st.CreateConversation(context.Background())
	require.NoError(t, err)
	_, err = st.AppendMessage(context.Background(), convID, store.Message{Role: "user", Content: "hello there"})
	require.NoError(t, err)

	listResp, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/conversations", nil, ""))
	require.NoError(t, err)
	defer listResp.Body.Close()
	var listed struct {
		Total         int                  `json:"total"`
		Conversations []store.Conversation `json:"conversations"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&listed))
	require.Equal(t, 1, listed.Total)

	dlResp, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/conversations/"+convID+"/download", nil, ""))
	require.NoError(t, err)
	defer dlResp.Body.Close()
	require.Equal(t, http.StatusOK, dlResp.StatusCode)
	require.Contains(t, dlResp.Header.Get("Content-Disposition"), convID)

	delResp, err := http.DefaultClient.Do(authedReq(t, http.MethodDelete, ts.URL+"/admin/conversations/"+convID, nil, ""))
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusOK, delResp.StatusCode)

	getAfterDelete, err := http.DefaultClient.Do(authedReq(t, http.MethodGet, ts.URL+"/admin/conversations/"+convID+"/download", nil, ""))
	require.NoError(t, err)
	defer getAfterDelete.Body.Close()
	require.Equal(t, http.StatusNotFound, getAfterDelete.StatusCode)
}
