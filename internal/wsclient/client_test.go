package wsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rottym/fambam/internal/apperr"
	"github.com/rottym/fambam/internal/config"
	"github.com/rottym/fambam/internal/database"
	"github.com/rottym/fambam/internal/logging"
	"github.com/rottym/fambam/internal/model"
	"github.com/rottym/fambam/internal/optimistic"
	"github.com/rottym/fambam/internal/server"
)

type testEnv struct {
	url      string
	memberID int64
	familyID int64
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := server.New(db, config.Default(), logging.Discard())
	require.NoError(t, srv.Start(context.Background()))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown()
	})

	body, err := json.Marshal(map[string]string{"name": "Rivera", "parent_name": "Ana"})
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/families", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Family *model.Family `json:"family"`
		Member *model.Member `json:"member"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	return &testEnv{
		url:      "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		memberID: created.Member.ID,
		familyID: created.Family.ID,
	}
}

func (e *testEnv) dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, e.url, e.memberID, e.familyID, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func watchTasks(t *testing.T, c *Client, onChange func([]optimistic.Doc)) *View {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := c.Watch(ctx, model.CollectionTasks, nil, 20, onChange)
	require.NoError(t, err)
	return v
}

func addTodo(title string) optimistic.Mutation {
	return optimistic.Mutation{
		Op:     optimistic.OpCreate,
		Fields: map[string]any{"kind": string(model.KindTodo), "title": title},
	}
}

func TestWatchShowsLocalWriteThenConfirms(t *testing.T) {
	env := setupEnv(t)
	c := env.dial(t)
	v := watchTasks(t, c, nil)
	assert.Empty(t, v.Docs())
	assert.True(t, v.Exhausted())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := v.Apply(ctx, addTodo("Buy milk"))

	docs := v.Docs()
	require.Len(t, docs, 1)
	assert.True(t, strings.HasPrefix(docs[0].ID, optimistic.ProvisionalPrefix))
	assert.True(t, docs[0].Pending)

	require.NoError(t, p.Wait(ctx))
	id := p.Ack().ID

	require.Eventually(t, func() bool {
		docs := v.Docs()
		return len(docs) == 1 && docs[0].ID == id && !docs[0].Pending
	}, 5*time.Second, 10*time.Millisecond)

	doc := v.Docs()[0]
	assert.Equal(t, "Buy milk", doc.Fields["title"])
	assert.Equal(t, float64(env.memberID), doc.Fields["creator_id"])
	assert.Zero(t, v.engine.InFlight())
}

func TestRejectedWriteRollsBack(t *testing.T) {
	env := setupEnv(t)
	c := env.dial(t)
	v := watchTasks(t, c, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := v.Apply(ctx, addTodo(""))
	err := p.Wait(ctx)
	require.ErrorIs(t, err, apperr.ErrMutationRolledBack)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.NotEmpty(t, remote.Message)
	assert.Empty(t, v.Docs())
}

func TestOtherClientSeesWrite(t *testing.T) {
	env := setupEnv(t)
	writer := watchTasks(t, env.dial(t), nil)

	var seen atomic.Int32
	reader := watchTasks(t, env.dial(t), func(docs []optimistic.Doc) {
		seen.Store(int32(len(docs)))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, writer.Apply(ctx, addTodo("Walk the dog")).Wait(ctx))

	require.Eventually(t, func() bool { return seen.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	docs := reader.Docs()
	require.Len(t, docs, 1)
	assert.False(t, docs[0].Pending)
	assert.Equal(t, "Walk the dog", docs[0].Fields["title"])
}

func TestWatchUnknownCollection(t *testing.T) {
	env := setupEnv(t)
	c := env.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := c.Watch(ctx, "groceries", nil, 10, nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
}

func TestDialUnknownMember(t *testing.T) {
	env := setupEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, env.url, env.memberID+100, env.familyID, logging.Discard())
	assert.Error(t, err)
}

func TestCloseEndsViewsAndWrites(t *testing.T) {
	env := setupEnv(t)
	c := env.dial(t)
	v := watchTasks(t, c, nil)

	require.NoError(t, c.Close())
	select {
	case <-v.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("view did not end with the connection")
	}
	assert.ErrorIs(t, v.Err(), ErrClosed)

	_, err := c.Write(context.Background(), addTodo("late"))
	assert.ErrorIs(t, err, ErrClosed)
}
