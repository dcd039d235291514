// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filestore

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_PutServeAndResolve(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)

	url, err := store.Put(context.Background(), []byte("PNGDATA"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "http://localhost:8080/files/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	path, ok := store.LocalPath(url)
	require.True(t, ok)
	assert.NotEmpty(t, path)

	srv := httptest.NewServer(store.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + strings.TrimPrefix(url, "http://localhost:8080"))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "PNGDATA", string(body))
}

func TestLocal_RejectsForeignAndHidden(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "http://files.test")
	require.NoError(t, err)

	_, ok := store.LocalPath("https://elsewhere.test/files/x.png")
	assert.False(t, ok)
	_, ok = store.LocalPath("http://files.test/files/../secret")
	assert.False(t, ok)

	for _, p := range []string{"/files/", "/files/.upload-1", "/files/missing.png"} {
		rec := httptest.NewRecorder()
		store.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
	}
}

func TestExtensionFor(t *testing.T) {
	tests := map[string]string{
		"image/png":                 ".png",
		"audio/mpeg":                ".mp3",
		"image/jpeg":                ".jpg",
		"text/plain; charset=utf-8": ".txt",
		"application/x-unknown-zz":  ".bin",
	}
	for in, want := range tests {
		assert.Equal(t, want, extensionFor(in), in)
	}
}

func TestLocal_PutHonoursCancelledContext(t *testing.T) {
	store, err := NewLocal(t.TempDir(), "http://x")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = store.Put(ctx, []byte("x"), "image/png")
	assert.ErrorIs(t, err, context.Canceled)
}
