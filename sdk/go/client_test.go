package evaltracksdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(srv.URL, "tok")
	c.InitialBackoff = time.Millisecond
	return c
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": message, "details": details},
	})
}

func TestReplaceFindingsSendsVersionAndItems(t *testing.T) {
	var got struct {
		ExpectedVersion int            `json:"expected_version"`
		Items           []FindingInput `json:"items"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/v1/tasks/t-1/matrix/findings", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m-1", "task_id": "t-1", "findings_version": 4})
	})
	m, err := c.ReplaceFindings(context.Background(), "t-1", 3, []FindingInput{{Condition: "c", Criterion: "k", Recommendation: "r"}})
	require.NoError(t, err)
	assert.Equal(t, 4, m.FindingsVersion)
	assert.Equal(t, 3, got.ExpectedVersion)
	require.Len(t, got.Items, 1)
	assert.Equal(t, "c", got.Items[0].Condition)
}

func TestConflictIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusConflict, "conflict", "findings version conflict", map[string]any{"current_version": 5})
	})
	_, err := c.ReplaceFindings(context.Background(), "t-1", 3, nil)
	require.Error(t, err)
	assert.True(t, IsConflict(err))
	assert.EqualValues(t, 1, calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "conflict", apiErr.Code)
	v, ok := apiErr.CurrentVersion()
	assert.True(t, ok)
	assert.Equal(t, 5, v)
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeError(w, http.StatusServiceUnavailable, "unavailable", "busy", nil)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m-1", "primary_status": "CHECKING"})
	})
	m, err := c.GetMatrix(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, "CHECKING", m.PrimaryStatus)
	assert.EqualValues(t, 3, calls.Load())
}

func TestWritesAreSentOnce(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusServiceUnavailable, "unavailable", "busy", nil)
	})
	ctx := context.Background()

	_, err := c.ChangeStatus(ctx, "t-1", "CHECKING")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.EqualValues(t, 1, calls.Load())

	_, err = c.ReplaceFindings(ctx, "t-1", 0, []FindingInput{{Condition: "c", Criterion: "k", Recommendation: "r"}})
	require.Error(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestWriteTransportErrorIsNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	var calls atomic.Int32
	c := New(base, "tok")
	c.InitialBackoff = time.Millisecond
	c.HTTPClient = &http.Client{Transport: countingTransport{calls: &calls}}

	_, err := c.ChangeStatus(context.Background(), "t-1", "CHECKING")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	calls.Store(0)
	_, err = c.GetMatrix(context.Background(), "t-1")
	require.Error(t, err)
	assert.EqualValues(t, 4, calls.Load())
}

type countingTransport struct {
	calls *atomic.Int32
}

func (t countingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	return http.DefaultTransport.RoundTrip(r)
}

func TestSharedClientDoesNotMutateItself(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "m-1"})
	})
	require.NotNil(t, c.HTTPClient)

	bare := &Client{BaseURL: c.BaseURL, BearerToken: "tok", Timeout: time.Second}
	done := make(chan error, 8)
	for i := 0; i < cap(done); i++ {
		go func() {
			_, err := bare.GetMatrix(context.Background(), "t-1")
			done <- err
		}()
	}
	for i := 0; i < cap(done); i++ {
		require.NoError(t, <-done)
	}
	assert.Nil(t, bare.HTTPClient)
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeError(w, http.StatusInternalServerError, "internal", "boom", nil)
	})
	c.MaxRetries = 2
	_, err := c.GetMatrix(context.Background(), "t-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.False(t, IsConflict(err))
	assert.EqualValues(t, 3, calls.Load())
}

func TestForbiddenParsesEnvelope(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusForbidden, "forbidden", "transition not allowed", nil)
	})
	_, err := c.ChangeFollowUpStatus(context.Background(), "t-1", "FINISHED")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "transition not allowed", apiErr.Message)
	assert.Contains(t, apiErr.Error(), "forbidden")
}

func TestListMatricesQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/matrices", r.URL.Path)
		assert.Equal(t, "FINISHED", r.URL.Query().Get("primary_status"))
		assert.Equal(t, "DRAFTING,CHECKING", r.URL.Query().Get("follow_up_status"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		_ = json.NewEncoder(w).Encode([]map[string]any{{"task_id": "t-1", "primary_status": "FINISHED"}})
	})
	items, err := c.ListMatrices(context.Background(), []string{"FINISHED"}, []string{"DRAFTING", "CHECKING"}, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t-1", items[0].TaskID)
}

func TestLegacyActorHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Equal(t, "lead-1", r.Header.Get("X-Actor-Id"))
		w.WriteHeader(http.StatusNoContent)
	})
	c.BearerToken = ""
	c.ActorID = "lead-1"
	require.NoError(t, c.DeleteTask(context.Background(), "t-1"))
}
