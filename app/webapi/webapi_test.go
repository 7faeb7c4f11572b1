package webapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/trie-spam/app/storage"
	"github.com/umputun/trie-spam/app/storage/engine"
	"github.com/umputun/trie-spam/app/trainer"
	"github.com/umputun/trie-spam/lib"
)

const trainCSV = `text,label
"win a free iphone, click now",1
cheap pills free shipping,1
free money from home,1
meeting moved to tomorrow,0
thanks for the notes from the meeting,0
can you review my request,0
`

func prepServer(t *testing.T, passwd string) (*Server, *httptest.Server, *lib.Detector) {
	t.Helper()
	return prepServerWithStore(t, passwd, nil)
}

func prepServerWithStore(t *testing.T, passwd string, store trainer.SamplesStore) (*Server, *httptest.Server, *lib.Detector) {
	t.Helper()
	train := filepath.Join(t.TempDir(), "train.csv")
	require.NoError(t, os.WriteFile(train, []byte(trainCSV), 0o600))

	det := lib.NewDetector(lib.Config{})
	tr := trainer.New(det, store, trainer.Config{TrainFiles: []string{train}})
	_, err := tr.ReloadSamples(context.Background())
	require.NoError(t, err)

	srv := NewServer(Config{Version: "dev", Detector: det, Trainer: tr, AuthPasswd: passwd})
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts, det
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var res T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	return res
}

func TestServer_Run(t *testing.T) {
	srv, _, _ := prepServer(t, "")
	srv.ListenAddr = "127.0.0.1:18761"
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		var err error
		resp, err = http.Get("http://127.0.0.1:18761/ping")
		return err == nil
	}, 2*time.Second, 20*time.Millisecond)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.Equal(t, "trie-spam", resp.Header.Get("App-Name"))
	assert.Equal(t, "dev", resp.Header.Get("App-Version"))

	cancel()
	require.NoError(t, <-done)
}

func TestServer_Check(t *testing.T) {
	srv, ts, _ := prepServer(t, "")

	resp := post(t, ts.URL+"/check", map[string]string{"msg": "FREE iPhone, click now!"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[lib.CheckResult](t, resp)
	assert.True(t, res.Spam)
	assert.Greater(t, res.Probability, 50.0)
	assert.Equal(t, 4, res.Tokens)

	resp = post(t, ts.URL+"/check", map[string]string{"msg": "see you at the meeting tomorrow"})
	res = decode[lib.CheckResult](t, resp)
	assert.False(t, res.Spam)

	// same message again, served from cache
	resp = post(t, ts.URL+"/check", map[string]string{"msg": "see you at the meeting tomorrow"})
	assert.False(t, decode[lib.CheckResult](t, resp).Spam)
	assert.Equal(t, 2, srv.checks.Len())

	t.Run("bad request", func(t *testing.T) {
		resp, err := http.Post(ts.URL+"/check", "application/json", strings.NewReader("{bad json"))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(ts.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `trie_spam_checks_total{verdict="spam"} 1`)
		assert.Contains(t, string(body), `trie_spam_checks_total{verdict="ham"} 1`)
		assert.Contains(t, string(body), "trie_spam_check_cache_hits_total 1")
		assert.Contains(t, string(body), "trie_spam_distinct_words")
	})
}

func TestServer_CheckConcurrent(t *testing.T) {
	srv, ts, _ := prepServer(t, "")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := http.Post(ts.URL+"/check", "application/json", strings.NewReader(`{"msg":"cheap pills, free shipping"}`))
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			var res lib.CheckResult
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
			assert.True(t, res.Spam)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, srv.checks.Len())
}

func TestServer_UpdateDelete(t *testing.T) {
	srv, ts, det := prepServer(t, "")
	msg := "exclusive crypto airdrop, claim tokens"

	resp := post(t, ts.URL+"/check", map[string]string{"msg": "crypto airdrop tokens"})
	assert.Zero(t, decode[lib.CheckResult](t, resp).Known)
	require.Equal(t, 1, srv.checks.Len())

	resp = post(t, ts.URL+"/update/spam", map[string]string{"msg": msg})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	upd := decode[map[string]any](t, resp)
	assert.Equal(t, true, upd["updated"])
	assert.Equal(t, "spam", upd["class"])
	assert.Equal(t, 0, srv.checks.Len(), "cache purged on update")

	resp = post(t, ts.URL+"/check", map[string]string{"msg": "crypto airdrop tokens"})
	assert.True(t, decode[lib.CheckResult](t, resp).Spam)

	resp = post(t, ts.URL+"/delete/spam", map[string]string{"msg": msg})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	del := decode[map[string]any](t, resp)
	assert.Equal(t, true, del["deleted"])
	assert.InDelta(t, 5, del["count"], 0.001)

	resp = post(t, ts.URL+"/update/ham", map[string]string{"msg": "lunch at noon"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, 16+3, det.Stats().HamWords)

	tests := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad class", "/update/eggs", `{"msg":"hi"}`, http.StatusBadRequest},
		{"empty message", "/update/ham", `{"msg":""}`, http.StatusBadRequest},
		{"bad json", "/delete/spam", `{`, http.StatusBadRequest},
		{"delete bad class", "/delete/other", `{"msg":"hi"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+tt.path, "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.code, resp.StatusCode)
		})
	}
}

func TestServer_ReloadStatsTop(t *testing.T) {
	_, ts, det := prepServer(t, "")
	require.NoError(t, det.UpdateSpam("something new"))

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/samples", http.NoBody)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	rl := decode[struct {
		Reloaded bool           `json:"reloaded"`
		Result   lib.LoadResult `json:"result"`
	}](t, resp)
	assert.True(t, rl.Reloaded)
	assert.Equal(t, 3, rl.Result.SpamSamples)
	assert.Equal(t, 3, rl.Result.HamSamples)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	st := decode[lib.Stats](t, resp)
	assert.True(t, st.Ready)
	assert.Equal(t, rl.Result.SpamWords, st.SpamWords, "update dropped by reload")
	assert.Equal(t, rl.Result.Distinct, st.Distinct)

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	assert.NotContains(t, decode[map[string]any](t, resp), "samples", "no samples stats without storage")

	resp, err = http.Get(ts.URL + "/samples/spam")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotImplemented, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/top/spam?n=2")
	require.NoError(t, err)
	top := decode[[]lib.WordCount](t, resp)
	require.Len(t, top, 2)
	assert.Equal(t, lib.WordCount{Word: "free", Count: 3}, top[0])

	for _, path := range []string{"/top/eggs", "/top/ham?n=0", "/top/ham?n=abc"} {
		resp, err = http.Get(ts.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
	}
}

func TestServer_WithStorage(t *testing.T) {
	db, err := engine.NewSqlite(":memory:", "gr1")
	require.NoError(t, err)
	defer db.Close()
	store, err := storage.NewSamples(context.Background(), db)
	require.NoError(t, err)
	_, ts, det := prepServerWithStore(t, "", store)

	type statsResp struct {
		lib.Stats
		Samples *storage.SamplesStats `json:"samples"`
	}
	resp, err := http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	st := decode[statsResp](t, resp)
	assert.True(t, st.Ready)
	require.NotNil(t, st.Samples)
	assert.Equal(t, storage.SamplesStats{TotalSpam: 3, TotalHam: 3, PresetSpam: 3, PresetHam: 3}, *st.Samples)

	t.Run("delete not stored message", func(t *testing.T) {
		before := det.Stats()
		resp := post(t, ts.URL+"/delete/spam", map[string]string{"msg": "free money"})
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, before, det.Stats(), "model not changed")

		resp = post(t, ts.URL+"/delete/ham", map[string]string{"msg": "cheap pills free shipping"})
		resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, "stored as spam, not ham")
		assert.Equal(t, before, det.Stats())
	})

	msg := "exclusive crypto airdrop, claim tokens"
	resp = post(t, ts.URL+"/update/spam", map[string]string{"msg": msg})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("list samples", func(t *testing.T) {
		type listResp struct {
			Class   string   `json:"class"`
			Origin  string   `json:"origin"`
			Samples []string `json:"samples"`
			Count   int      `json:"count"`
		}
		resp, err := http.Get(ts.URL + "/samples/spam?origin=user")
		require.NoError(t, err)
		assert.Equal(t, listResp{Class: "spam", Origin: "user", Samples: []string{msg}, Count: 1}, decode[listResp](t, resp))

		resp, err = http.Get(ts.URL + "/samples/spam")
		require.NoError(t, err)
		res := decode[listResp](t, resp)
		assert.Equal(t, "any", res.Origin)
		assert.Equal(t, 4, res.Count)
		assert.Equal(t, msg, res.Samples[0], "newest first")

		resp, err = http.Get(ts.URL + "/samples/ham?origin=user")
		require.NoError(t, err)
		res = decode[listResp](t, resp)
		assert.Equal(t, 0, res.Count)
		assert.Equal(t, []string{}, res.Samples)

		for _, path := range []string{"/samples/eggs", "/samples/ham?origin=other"} {
			resp, err = http.Get(ts.URL + path)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		}
	})

	t.Run("delete stored message", func(t *testing.T) {
		spamWords := det.Stats().SpamWords
		resp := post(t, ts.URL+"/delete/spam", map[string]string{"msg": msg})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		del := decode[map[string]any](t, resp)
		assert.InDelta(t, 5, del["count"], 0.001)
		assert.Equal(t, spamWords-5, det.Stats().SpamWords)

		resp, err := http.Get(ts.URL + "/stats")
		require.NoError(t, err)
		st := decode[statsResp](t, resp)
		require.NotNil(t, st.Samples)
		assert.Equal(t, 0, st.Samples.UserSpam)
		assert.Equal(t, 3, st.Samples.TotalSpam)
	})
}

func TestServer_Auth(t *testing.T) {
	_, ts, _ := prepServer(t, "secret")

	resp, err := http.Get(ts.URL + "/ping")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode, "no auth on ping")

	resp, err = http.Get(ts.URL + "/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	for _, passwd := range []string{"wrong", "secret"} {
		req, err := http.NewRequest(http.MethodGet, ts.URL+"/stats", http.NoBody)
		require.NoError(t, err)
		req.SetBasicAuth("trie-spam", passwd)
		resp, err = http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		want := http.StatusUnauthorized
		if passwd == "secret" {
			want = http.StatusOK
		}
		assert.Equal(t, want, resp.StatusCode, fmt.Sprintf("password %q", passwd))
	}
}
