package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/italolelis/edman/internal/downloads"
	"github.com/italolelis/edman/internal/native"
	"github.com/italolelis/edman/internal/nativemsg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockDownloader struct {
	handle   downloads.Handle
	err      error
	called   bool
	lastURL  string
	lastPath []string
	lastKey  string
}

func (m *mockDownloader) BeginDownload(_ context.Context, url string, savePath []string, key string) (downloads.Handle, error) {
	m.called = true
	m.lastURL, m.lastPath, m.lastKey = url, savePath, key

	return m.handle, m.err
}

type mockStates struct {
	result []bool
	err    error
}

func (m *mockStates) FetchFileStates(_ context.Context, keys []string) ([]bool, error) {
	if m.err != nil {
		return nil, m.err
	}

	return m.result, nil
}

func serve(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandler_Download(t *testing.T) {
	d := &mockDownloader{handle: 7}
	h := NewHandler(NewDispatcher(d, &mockStates{}), "", "").Routes()

	rec := serve(t, h, http.MethodPost, "/download", `{"url":"http://x/y.bin","savePath":["docs","y.bin"],"key":"report.q4"}`)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"id":7}`, rec.Body.String())
	assert.Equal(t, "http://x/y.bin", d.lastURL)
	assert.Equal(t, []string{"docs", "y.bin"}, d.lastPath)
	assert.Equal(t, "report.q4", d.lastKey)
}

func TestHandler_DownloadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `nope`},
		{name: "missing key", body: `{"url":"http://x","savePath":["a"]}`},
		{name: "empty save path", body: `{"url":"http://x","savePath":[],"key":"k"}`},
		{name: "slash in segment", body: `{"url":"http://x","savePath":["a/b"],"key":"k"}`},
		{name: "backslash in segment", body: `{"url":"http://x","savePath":["a\\b"],"key":"k"}`},
		{name: "parent segment", body: `{"url":"http://x","savePath":[".."],"key":"k"}`},
		{name: "unknown field", body: `{"url":"http://x","savePath":["a"],"key":"k","extra":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &mockDownloader{}
			h := NewHandler(NewDispatcher(d, &mockStates{}), "", "").Routes()

			rec := serve(t, h, http.MethodPost, "/download", tt.body)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.False(t, d.called)
		})
	}
}

func TestHandler_FileStates(t *testing.T) {
	h := NewHandler(NewDispatcher(&mockDownloader{}, &mockStates{result: []bool{true, false}}), "", "").Routes()

	rec := serve(t, h, http.MethodPost, "/file_states", `{"keys":["a","b"]}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":[true,false]}`, rec.Body.String())
}

func TestHandler_ErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "helper error",
			err:  &native.HelperError{Kind: nativemsg.KindFetchFileStates, Message: "database is locked"},
			want: http.StatusBadGateway,
		},
		{
			name: "protocol mismatch",
			err:  &native.ProtocolMismatchError{Expected: nativemsg.KindFetchFileStates, Got: nativemsg.KindConfig},
			want: http.StatusBadGateway,
		},
		{
			name: "transport",
			err:  &native.TransportError{Operation: "connect", Err: errors.New("not installed")},
			want: http.StatusServiceUnavailable,
		},
		{
			name: "other",
			err:  errors.New("boom"),
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(NewDispatcher(&mockDownloader{}, &mockStates{err: tt.err}), "", "").Routes()

			rec := serve(t, h, http.MethodPost, "/file_states", `{"keys":["a"]}`)

			assert.Equal(t, tt.want, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.err.Error(), body["error"])
		})
	}
}

func TestHandler_BasicAuth(t *testing.T) {
	h := NewHandler(NewDispatcher(&mockDownloader{}, &mockStates{result: []bool{}}), "user", "secret").Routes()

	rec := serve(t, h, http.MethodPost, "/file_states", `{"keys":[]}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/file_states", strings.NewReader(`{"keys":[]}`))
	req.SetBasicAuth("user", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/file_states", strings.NewReader(`{"keys":[]}`))
	req.SetBasicAuth("user", "secret")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Health stays open.
	rec = serve(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDispatcher_RespondsExactlyOnce(t *testing.T) {
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{name: "download", req: Request{Kind: KindDownload, Payload: []byte(`{"url":"http://x","savePath":["a"],"key":"k"}`)}},
		{name: "file states", req: Request{Kind: KindFileStates, Payload: []byte(`{"keys":["a"]}`)}},
		{name: "unknown kind", req: Request{Kind: "config"}, wantErr: true},
		{name: "invalid payload", req: Request{Kind: KindDownload, Payload: []byte(`{}`)}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(&mockDownloader{handle: 1}, &mockStates{result: []bool{false}})

			var calls []Response

			tt.req.Respond = func(r Response) { calls = append(calls, r) }
			d.Dispatch(context.Background(), tt.req)

			require.Len(t, calls, 1)

			if tt.wantErr {
				var validationErr *ValidationError
				assert.True(t, errors.As(calls[0].Err, &validationErr))
			} else {
				assert.NoError(t, calls[0].Err)
			}
		})
	}
}

func TestDispatcher_RecoversFromPanic(t *testing.T) {
	d := NewDispatcher(nil, nil)

	var calls int

	d.Dispatch(context.Background(), Request{
		Kind:    KindFileStates,
		Payload: []byte(`{"keys":[]}`),
		Respond: func(r Response) {
			calls++
			assert.Error(t, r.Err)
		},
	})

	assert.Equal(t, 1, calls)
}
