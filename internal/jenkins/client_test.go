package jenkins

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/gbp/internal/settings"
	"git.home.luguber.info/inful/gbp/internal/types"
)

func newClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := New(&settings.Settings{
		JenkinsBaseURL:           serverURL,
		JenkinsUser:              "gbp",
		JenkinsAPIKey:            "s3kr1t",
		JenkinsArtifactName:      "build.tar.gz",
		JenkinsDownloadChunkSize: settings.DefaultChunkSize,
	})
	require.NoError(t, err)
	return c
}

func TestDownloadArtifact(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/job/babette/1/artifact/build.tar.gz", r.URL.Path)
		w.Write([]byte("artifact-bytes"))
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	body, err := c.DownloadArtifact(context.Background(), types.Build{Machine: "babette", BuildID: "1"})
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "artifact-bytes", string(data))

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("gbp:s3kr1t"))
	require.Equal(t, want, gotAuth)
}

func TestDownloadArtifact_NotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	c := newClient(t, server.URL)
	_, err := c.DownloadArtifact(context.Background(), types.Build{Machine: "x", BuildID: "9"})
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestDownloadArtifact_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	_, err := c.DownloadArtifact(context.Background(), types.Build{Machine: "x", BuildID: "9"})
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	require.Equal(t, http.StatusInternalServerError, transport.Status)
}

func TestDownloadArtifact_Canceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("chunk"))
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	ctx, cancel := context.WithCancel(context.Background())
	body, err := c.DownloadArtifact(ctx, types.Build{Machine: "babette", BuildID: "1"})
	require.NoError(t, err)
	defer body.Close()

	cancel()
	_, err = body.Read(make([]byte, 1))
	require.ErrorIs(t, err, context.Canceled)
}

func TestGetLogs(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/job/babette/1/consoleText", r.URL.Path)
		w.Write([]byte("line one\nline two\n"))
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	logs, err := c.GetLogs(context.Background(), types.Build{Machine: "babette", BuildID: "1"})
	require.NoError(t, err)
	require.Equal(t, "line one\nline two\n", logs)
}

func TestGetMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/job/babette/1/api/json", r.URL.Path)
		w.Write([]byte(`{"duration": 124000, "timestamp": 1700000000123}`))
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	meta, err := c.GetMetadata(context.Background(), types.Build{Machine: "babette", BuildID: "1"})
	require.NoError(t, err)
	require.Equal(t, int64(124), meta.Duration)
	require.Equal(t, int64(1700000000123), meta.Timestamp)
}

func TestScheduleBuild(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/job/babette/buildWithParameters", r.URL.Path)
		require.NoError(t, r.ParseForm())
		require.Equal(t, "amd64", r.PostForm.Get("PROFILE"))
		w.Header().Set("Location", "http://jenkins.invalid/queue/item/42/")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	queueURL, err := c.ScheduleBuild(context.Background(), "babette", map[string]string{"PROFILE": "amd64"})
	require.NoError(t, err)
	require.Equal(t, "http://jenkins.invalid/queue/item/42/", queueURL)
}

func TestScheduleBuild_NoParams(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/job/babette/build", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	queueURL, err := c.ScheduleBuild(context.Background(), "babette", nil)
	require.NoError(t, err)
	require.Empty(t, queueURL)
}
