package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, url, token, body string) map[string]any {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("token", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func newTestServer(t *testing.T, opts simOptions) *httptest.Server {
	sim := newSimulator(opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	srv := httptest.NewServer(sim.routes())
	t.Cleanup(srv.Close)
	return srv
}

func login(t *testing.T, base string) string {
	out := post(t, base+"/opa/smartLogin", "", `{"account":"a"}`)
	require.Equal(t, successMsg, out["msg"])
	token, _ := out["data"].(map[string]any)["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func TestTerminalRequiresToken(t *testing.T) {
	srv := newTestServer(t, simOptions{Codes: []string{"C3"}})

	out := post(t, srv.URL+"/opa/smart/terminal/getTerminalCode", "bogus", `{"waybillNo":"JT1"}`)
	assert.EqualValues(t, 401, out["code"])

	token := login(t, srv.URL)
	out = post(t, srv.URL+"/opa/smart/terminal/getTerminalCode", token, `{"waybillNo":"JT1"}`)
	require.Equal(t, successMsg, out["msg"])
	item := out["data"].([]any)[0].(map[string]any)
	assert.Equal(t, "JT1", item["waybillNo"])
	assert.Equal(t, "C3", item["thirdlyDispatchCode"])
	assert.EqualValues(t, 2, item["interceptor"])
}

func TestTokenExpires(t *testing.T) {
	srv := newTestServer(t, simOptions{TokenTTL: 20 * time.Millisecond})
	token := login(t, srv.URL)

	out := post(t, srv.URL+"/opa/smart/scan/uploadPackData", token, `[]`)
	assert.Equal(t, successMsg, out["msg"])

	time.Sleep(40 * time.Millisecond)
	out = post(t, srv.URL+"/opa/smart/scan/uploadPackData", token, `[]`)
	assert.EqualValues(t, 401, out["code"])
}

func TestSmallItemIsNotAuthed(t *testing.T) {
	srv := newTestServer(t, simOptions{})
	out := post(t, srv.URL+"/face/assScanSmallUpper/smallUpperDataUpload", "", `[]`)
	assert.Equal(t, successMsg, out["msg"])
}
