package vault_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/kvmigrate/kvmigrate/internal/model"
	"github.com/kvmigrate/kvmigrate/internal/vault"
)

func TestListPath(t *testing.T) {
	tests := map[string]struct {
		src     model.Source
		relPath string
		expPath string
	}{
		"KV v1 listing should use the raw mount path.": {
			src:     model.Source{Mount: "kv", KVVersion: 1, Root: "team"},
			relPath: "apps",
			expPath: "kv/team/apps",
		},

		"KV v2 listing should go through the metadata segment.": {
			src:     model.Source{Mount: "secret", KVVersion: 2, Root: "team"},
			relPath: "apps",
			expPath: "secret/metadata/team/apps",
		},

		"An empty relative path should list the source root.": {
			src:     model.Source{Mount: "secret", KVVersion: 2, Root: "team"},
			expPath: "secret/metadata/team",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expPath, vault.ListPath(test.src, test.relPath))
		})
	}
}

func TestReadPath(t *testing.T) {
	tests := map[string]struct {
		src     model.Source
		relPath string
		expPath string
	}{
		"KV v1 reads should use the raw mount path.": {
			src:     model.Source{Mount: "kv", KVVersion: 1, Root: "team"},
			relPath: "apps/db",
			expPath: "kv/team/apps/db",
		},

		"KV v2 reads should go through the data segment.": {
			src:     model.Source{Mount: "secret", KVVersion: 2, Root: "team"},
			relPath: "apps/db",
			expPath: "secret/data/team/apps/db",
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expPath, vault.ReadPath(test.src, test.relPath))
		})
	}
}

// newTestClient returns a client pointing to a fake source store API that
// serves the received canned JSON responses by API path.
func newTestClient(t *testing.T, responses map[string]string) *vault.Client {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, ok := responses[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"errors":[]}`)
			return
		}
		fmt.Fprint(w, resp)
	}))
	t.Cleanup(server.Close)

	cli, err := vault.NewClient(vault.ClientConfig{Address: server.URL})
	require.NoError(t, err)
	require.NoError(t, cli.AuthToken("test-token"))

	return cli
}

func TestWalkEntries(t *testing.T) {
	tests := map[string]struct {
		src        model.Source
		responses  map[string]string
		expEntries []model.Entry
		expErr     bool
	}{
		"A KV v2 subtree should be walked recursively unwrapping the data envelope.": {
			src: model.Source{Mount: "secret", KVVersion: 2, Root: "team"},
			responses: map[string]string{
				"/v1/secret/metadata/team":     `{"data":{"keys":["app1","sub/"]}}`,
				"/v1/secret/metadata/team/sub": `{"data":{"keys":["app2"]}}`,
				"/v1/secret/data/team/app1":    `{"data":{"data":{"k":"v1"},"metadata":{"version":2}}}`,
				"/v1/secret/data/team/sub/app2": `{"data":{"data":{"k":"v2"},"metadata":{"version":7}}}`,
			},
			expEntries: []model.Entry{
				{Mount: "secret", Path: "team/app1", Data: map[string]interface{}{"k": "v1"}, Version: 2},
				{Mount: "secret", Path: "team/sub/app2", Data: map[string]interface{}{"k": "v2"}, Version: 7},
			},
		},

		"A KV v1 subtree should be walked without envelope or version.": {
			src: model.Source{Mount: "kv", KVVersion: 1},
			responses: map[string]string{
				"/v1/kv":        `{"data":{"keys":["legacy"]}}`,
				"/v1/kv/legacy": `{"data":{"k":"v"}}`,
			},
			expEntries: []model.Entry{
				{Mount: "kv", Path: "legacy", Data: map[string]interface{}{"k": "v"}},
			},
		},

		"Exclude filters should have preference over include filters.": {
			src: model.Source{
				Mount:     "secret",
				KVVersion: 2,
				Include:   regexp.MustCompile("^app"),
				Exclude:   regexp.MustCompile("secrets$"),
			},
			responses: map[string]string{
				"/v1/secret/metadata":          `{"data":{"keys":["app1","app1-secrets","other"]}}`,
				"/v1/secret/data/app1":         `{"data":{"data":{"k":"v"},"metadata":{"version":1}}}`,
				"/v1/secret/data/app1-secrets": `{"data":{"data":{"k":"v"},"metadata":{"version":1}}}`,
				"/v1/secret/data/other":        `{"data":{"data":{"k":"v"},"metadata":{"version":1}}}`,
			},
			expEntries: []model.Entry{
				{Mount: "secret", Path: "app1", Data: map[string]interface{}{"k": "v"}, Version: 1},
			},
		},

		"A KV v2 entry without data envelope (deleted version) should fail.": {
			src: model.Source{Mount: "secret", KVVersion: 2},
			responses: map[string]string{
				"/v1/secret/metadata":     `{"data":{"keys":["deleted"]}}`,
				"/v1/secret/data/deleted": `{"data":{"data":null,"metadata":{"version":3,"deletion_time":"2026-01-01T00:00:00Z"}}}`,
			},
			expErr: true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			cli := newTestClient(t, test.responses)
			gotEntries, err := cli.WalkEntries(context.TODO(), test.src)

			if test.expErr {
				assert.Error(err)
			} else if assert.NoError(err) {
				assert.Equal(test.expEntries, gotEntries)
			}
		})
	}
}

func TestListKeysRetriesTransientErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt64(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"errors":["upstream sealed"]}`)
			return
		}
		fmt.Fprint(w, `{"data":{"keys":["app1"]}}`)
	}))
	defer server.Close()

	cli, err := vault.NewClient(vault.ClientConfig{
		Address: server.URL,
		Backoff: wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 5},
	})
	require.NoError(err)
	require.NoError(cli.AuthToken("test-token"))

	gotKeys, err := cli.ListKeys(context.TODO(), model.Source{Mount: "secret", KVVersion: 2}, "")

	assert.NoError(err)
	assert.Equal([]string{"app1"}, gotKeys)
	assert.Equal(int64(3), atomic.LoadInt64(&attempts))
}

func TestListKeysDoesNotRetryPermanentErrors(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var attempts int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&attempts, 1)
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"errors":["permission denied"]}`)
	}))
	defer server.Close()

	cli, err := vault.NewClient(vault.ClientConfig{
		Address: server.URL,
		Backoff: wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 5},
	})
	require.NoError(err)
	require.NoError(cli.AuthToken("test-token"))

	_, err = cli.ListKeys(context.TODO(), model.Source{Mount: "secret", KVVersion: 2}, "")

	assert.Error(err)
	assert.Equal(int64(1), atomic.LoadInt64(&attempts))
}
