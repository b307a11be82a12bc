// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpc_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/iteratorlee/samprof/pkg/report"
	"github.com/iteratorlee/samprof/pkg/rpc"
)

func TestProfileRejectsNonPositiveDuration(t *testing.T) {
	s := rpc.NewServer(log.NewNopLogger(), func(ctx context.Context, d time.Duration) (report.Report, error) {
		t.Fatal("build should not be called")
		return report.Report{}, nil
	})

	body, _ := json.Marshal(map[string]int64{"duration_ms": 0})
	req := httptest.NewRequest(http.MethodPost, "/v1/profile", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "cancelled", resp["error"])
}

func TestProfileReturnsEncodedReport(t *testing.T) {
	s := rpc.NewServer(log.NewNopLogger(), func(ctx context.Context, d time.Duration) (report.Report, error) {
		require.Equal(t, 50*time.Millisecond, d)
		return report.Report{}, nil
	})

	body, _ := json.Marshal(map[string]int64{"duration_ms": 50})
	req := httptest.NewRequest(http.MethodPost, "/v1/profile", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/vnd.samprof.report", rec.Header().Get("Content-Type"))

	decoded, err := report.Decode(rec.Body.Bytes())
	require.NoError(t, err)
	require.Empty(t, decoded.Blocks)
	require.Empty(t, decoded.Trees)
}

func TestProfileRejectsOverlappingSessions(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})

	s := rpc.NewServer(log.NewNopLogger(), func(ctx context.Context, d time.Duration) (report.Report, error) {
		close(started)
		<-release
		return report.Report{}, nil
	})

	body, _ := json.Marshal(map[string]int64{"duration_ms": 10})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/profile", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, req)
		done <- rec
	}()

	<-started

	req2 := httptest.NewRequest(http.MethodPost, "/v1/profile", bytes.NewReader(body))
	rec2 := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusConflict, rec2.Code)

	close(release)
	rec1 := <-done
	require.Equal(t, http.StatusOK, rec1.Code)
}
