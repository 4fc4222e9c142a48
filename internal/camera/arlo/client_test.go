package arlo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/smartcam_backup/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy() transfer.RetryPolicy {
	return transfer.RetryPolicy{Attempts: 2, Delay: time.Millisecond}
}

type fakeArlo struct {
	logins       atomic.Int32
	libraryCalls atomic.Int32
	expireFirst  bool
}

func (f *fakeArlo) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		pw, err := base64.StdEncoding.DecodeString(body["password"])
		assert.NoError(t, err)

		if body["email"] != "user@example.com" || string(pw) != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"meta":{"code":401,"message":"bad credentials"}}`))

			return
		}

		n := f.logins.Add(1)
		_, _ = w.Write([]byte(`{"meta":{"code":200},"data":{"token":"tok-` + string(rune('0'+n)) + `"}}`))
	})

	mux.HandleFunc("POST /hmsweb/users/library", func(w http.ResponseWriter, r *http.Request) {
		call := f.libraryCalls.Add(1)

		if f.expireFirst && call == 1 {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		var body map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "20201225", body["dateFrom"])
		assert.Equal(t, "20210101", body["dateTo"])

		_, _ = w.Write([]byte(`{"success":true,"data":[
			{"name":"1609459200000","presignedContentUrl":"http://cdn/a.mp4","uniqueId":"X1","createdDate":"20210101"},
			{"id":"1609459260000","presignedContentUrl":"http://cdn/b.mp4","uniqueId":"X2","createdDate":"20210101","mediaDurationSecond":12}
		]}`))
	})

	return mux
}

func newTestClient(srv *httptest.Server, password string) *Client {
	return NewClient(Config{
		AuthURL:  srv.URL,
		APIURL:   srv.URL,
		Username: "user@example.com",
		Password: password,
		Retry:    testPolicy(),
	})
}

var (
	from = time.Date(2020, 12, 25, 0, 0, 0, 0, time.UTC)
	to   = time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
)

func TestClient_ListRecordings(t *testing.T) {
	fake := &fakeArlo{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(srv, "secret")

	recs, err := c.ListRecordings(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "1609459200000", recs[0].ID)
	assert.Equal(t, "http://cdn/a.mp4", recs[0].ContentURL)
	assert.Equal(t, "X1", recs[0].UniqueID)

	// the id field is accepted when name is absent
	assert.Equal(t, "1609459260000", recs[1].ID)
	assert.Equal(t, int64(12), recs[1].DurationSecs)

	name, err := recs[0].FileName(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "2021-01-01 00-00-00 X1.mp4", name)

	assert.Equal(t, int32(1), fake.logins.Load())
}

func TestClient_ListRecordingsRenewsExpiredSession(t *testing.T) {
	fake := &fakeArlo{expireFirst: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(srv, "secret")

	recs, err := c.ListRecordings(context.Background(), from, to)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
	assert.Equal(t, int32(2), fake.logins.Load())
}

func TestClient_AuthenticateRejected(t *testing.T) {
	fake := &fakeArlo{}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(srv, "wrong")

	err := c.Authenticate(context.Background())

	var authErr *transfer.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.False(t, authErr.Fatal)
	assert.Equal(t, transfer.ClassAuth, transfer.Classify(err))
}

func TestClient_LibraryFailurePayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth" {
			_, _ = w.Write([]byte(`{"data":{"token":"t"}}`))

			return
		}

		_, _ = w.Write([]byte(`{"success":false,"data":{"error":"2015","message":"Device is offline"}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "secret").ListRecordings(context.Background(), from, to)

	var rej *transfer.RemoteRejectionError
	require.ErrorAs(t, err, &rej)
	assert.Contains(t, rej.Message, "Device is offline")
	assert.Contains(t, rej.Payload, "2015")
}

func TestClient_ServerErrorsAreRetriedThenTransient(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/auth" {
			_, _ = w.Write([]byte(`{"data":{"token":"t"}}`))

			return
		}

		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv, "secret").ListRecordings(context.Background(), from, to)

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, transfer.IsFatal(err))
}

func TestClient_StreamRecording(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/expired.mp4" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_, _ = w.Write([]byte("video-bytes"))
	}))
	defer srv.Close()

	c := newTestClient(srv, "secret")

	body, err := c.StreamRecording(context.Background(), srv.URL+"/a.mp4")
	require.NoError(t, err)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "video-bytes", string(data))

	_, err = c.StreamRecording(context.Background(), srv.URL+"/expired.mp4")

	var rej *transfer.RemoteRejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusNotFound, rej.StatusCode)
}
