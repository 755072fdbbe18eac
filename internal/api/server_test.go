package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iwanhae/partq/internal/dispatch"
	"github.com/iwanhae/partq/internal/partition"
	"github.com/iwanhae/partq/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type stubEngine struct{}

func (stubEngine) ExecuteAll(_ context.Context, sql string) ([]map[string]any, error) {
	if strings.HasPrefix(sql, "BAD") {
		return nil, errors.New("Parser Error: syntax error at or near \"BAD\"")
	}
	return []map[string]any{{"sql": sql}}, nil
}

func (stubEngine) Stats(context.Context) map[string]any {
	return map[string]any{"duckdb_memory": []string{}}
}

func newTestServer() *Server {
	d := dispatch.New(stubEngine{}, dispatch.Options{}, zerolog.Nop())
	svc := service.New(d, service.Options{Layout: partition.Layout{Prefix: "s3://bucket"}}, zerolog.Nop())
	return New(svc, stubEngine{}, "0", zerolog.Nop())
}

func postQuery(t *testing.T, s *Server, body string) (*httptest.ResponseRecorder, queryResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/query", strings.NewReader(body))
	s.Handler().ServeHTTP(rec, req)

	var resp queryResponse
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestHandleQueryRange(t *testing.T) {
	s := newTestServer()

	rec, resp := postQuery(t, s, `{
		"queries": ["SELECT count(*) FROM $partitions"],
		"from": {"year": 2019, "month": 1},
		"to": {"year": 2019, "month": 3}
	}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, resp.BatchID)
	require.Equal(t, []string{
		"s3://bucket/2019/01/data.parquet",
		"s3://bucket/2019/02/data.parquet",
		"s3://bucket/2019/03/data.parquet",
	}, resp.Partitions)
	require.Len(t, resp.Results, 1)
	require.Zero(t, resp.Failed)
	require.Contains(t, resp.Results[0].Query, "read_parquet(['s3://bucket/2019/01/data.parquet'")
}

func TestHandleQueryPartialFailure(t *testing.T) {
	s := newTestServer()

	rec, resp := postQuery(t, s, `{"queries": ["SELECT 1", "BAD", "SELECT 2"]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	require.Empty(t, resp.Results[0].Error)
	require.Contains(t, resp.Results[1].Error, "syntax error")
	require.Empty(t, resp.Results[2].Error)
	require.Equal(t, "SELECT 2", resp.Results[2].Rows[0]["sql"])
}

func TestHandleQueryBadRequests(t *testing.T) {
	s := newTestServer()

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"sql": "SELECT * FROM $partitions"}`,
		`{"sql": "SELECT * FROM $partitions", "from": {"year": 2019, "month": 13}, "to": {"year": 2020, "month": 1}}`,
	} {
		rec, _ := postQuery(t, s, body)
		require.Equal(t, http.StatusBadRequest, rec.Code, "body: %s", body)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/query", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandlePartitions(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/partitions?from=2019-11&to=2020-02", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp partitionsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{
		"s3://bucket/2019/11/data.parquet",
		"s3://bucket/2019/12/data.parquet",
		"s3://bucket/2020/01/data.parquet",
		"s3://bucket/2020/02/data.parquet",
	}, resp.Partitions)

	for _, target := range []string{
		"/partitions?from=2019-11",
		"/partitions?from=2019-11&to=Feb",
		"/partitions?from=2019-13&to=2020-02",
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestOversizedRangesAreRejected(t *testing.T) {
	s := newTestServer()

	for _, target := range []string{
		"/partitions?from=0-01&to=99999999999-12",
		"/partitions?from=0-01&to=9999-12",
		"/partitions?from=1800-01&to=2019-12",
	} {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}

	rec, _ := postQuery(t, s, `{
		"sql": "SELECT count(*) FROM $partitions",
		"from": {"year": 0, "month": 1},
		"to": {"year": 99999999999, "month": 12}
	}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePartitionsReversedIsEmpty(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/partitions?from=2020-02&to=2019-11", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"partitions": []}`, rec.Body.String())
}

func TestCORSAndHealth(t *testing.T) {
	s := newTestServer()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/query", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "duckdb_memory")
}
