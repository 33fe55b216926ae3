package approver_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholaris/approval-engine/internal/approver"
)

func TestSpecValidate(t *testing.T) {
	assert.NoError(t, approver.User("u-1").Validate())
	assert.NoError(t, approver.Role("finance-officer").Validate())
	assert.NoError(t, approver.Group("board").Validate())

	assert.Error(t, approver.Spec{Kind: approver.KindUser}.Validate())
	assert.Error(t, approver.Spec{Kind: approver.KindRole}.Validate())
	assert.Error(t, approver.Spec{Kind: "team", Role: "x"}.Validate())
}

func TestStaticDirectoryScopesTenants(t *testing.T) {
	dir := approver.NewStaticDirectory()
	dir.AddRole("school-a", "principal", "alice")
	dir.AddRole("school-b", "principal", "bob")
	dir.AddGroup("school-a", "board", "carol", "dave")

	got, err := dir.ResolveApprovers(context.Background(), "school-a", approver.Role("principal"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got)

	got, err = dir.ResolveApprovers(context.Background(), "school-b", approver.Role("principal"))
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, got)

	got, err = dir.ResolveApprovers(context.Background(), "school-a", approver.Group("board"))
	require.NoError(t, err)
	assert.Equal(t, []string{"carol", "dave"}, got)

	got, err = dir.ResolveApprovers(context.Background(), "school-c", approver.Role("principal"))
	require.NoError(t, err)
	assert.Empty(t, got, "unknown tenant resolves to nobody, not an error")
}

func TestSatisfies(t *testing.T) {
	dir := approver.NewStaticDirectory()
	dir.AddRole("school-a", "finance-officer", "fred")

	ok, err := approver.Satisfies(context.Background(), dir, "school-a", approver.Role("finance-officer"), "fred")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = approver.Satisfies(context.Background(), dir, "school-a", approver.Role("finance-officer"), "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	// User specs never hit the directory.
	ok, err = approver.Satisfies(context.Background(), nil, "school-a", approver.User("gina"), "gina")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestHTTPDirectoryResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/directory/resolve", r.URL.Path)
		assert.Equal(t, "school-a", r.URL.Query().Get("tenant"))
		assert.Equal(t, "role", r.URL.Query().Get("kind"))
		assert.Equal(t, "principal", r.URL.Query().Get("name"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"users":["alice","henry"]}`))
	}))
	defer srv.Close()

	dir, err := approver.NewHTTPDirectory(approver.HTTPDirectoryConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := dir.ResolveApprovers(context.Background(), "school-a", approver.Role("principal"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "henry"}, got)
}

func TestHTTPDirectoryRetriesOnFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"users":["alice"]}`))
	}))
	defer srv.Close()

	dir, err := approver.NewHTTPDirectory(approver.HTTPDirectoryConfig{BaseURL: srv.URL, Retries: 2})
	require.NoError(t, err)

	got, err := dir.ResolveApprovers(context.Background(), "school-a", approver.Role("principal"))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPDirectoryUserShortCircuits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("user specs must not hit the directory")
	}))
	defer srv.Close()

	dir, err := approver.NewHTTPDirectory(approver.HTTPDirectoryConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	got, err := dir.ResolveApprovers(context.Background(), "school-a", approver.User("iris"))
	require.NoError(t, err)
	assert.Equal(t, []string{"iris"}, got)
}
