package main

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/gcs-go/internal/apierror"
)

func (e *cliEnv) softDelete(t *testing.T, names ...string) {
	t.Helper()

	for _, name := range names {
		e.upload(t, name, []byte("content of "+name))

		_, err := e.run(t, "rm", "gs://"+testBucket+"/"+name)
		require.NoError(t, err)
	}
}

func TestRestore_WaitsForCompletion(t *testing.T) {
	env := newCLIEnv(t)
	env.softDelete(t, "a.txt", "b.txt", "c.log")

	out, err := env.run(t, "--json", "restore", "gs://"+testBucket, "--match-glob", "*.txt", "--poll-interval", "1ms")
	require.NoError(t, err)

	var res restoreOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Done)
	assert.Equal(t, int64(2), res.SuccessCount)
	assert.NotEmpty(t, res.Operation)

	out, err = env.run(t, "cat", "gs://"+testBucket+"/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "content of a.txt", out)

	_, err = env.run(t, "stat", "gs://"+testBucket+"/c.log")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestRestore_NoWaitThenOperationsWait(t *testing.T) {
	env := newCLIEnv(t)
	env.softDelete(t, "a.txt")

	out, err := env.run(t, "restore", "gs://"+testBucket, "--no-wait")
	require.NoError(t, err)

	name := strings.TrimSpace(out)
	require.NotEmpty(t, name)

	out, err = env.run(t, "operations", "get", "gs://"+testBucket, name)
	require.NoError(t, err)
	assert.Contains(t, out, "running")

	out, err = env.run(t, "operations", "wait", "gs://"+testBucket, name, "--poll-interval", "1ms")
	require.NoError(t, err)
	assert.Contains(t, out, "restored 1, failed 0")

	out, err = env.run(t, "operations", "get", "gs://"+testBucket, name)
	require.NoError(t, err)
	assert.Contains(t, out, "done")
}

func TestRestore_InvalidSoftDeletedAfter(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "restore", "gs://"+testBucket, "--soft-deleted-after", "yesterday")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--soft-deleted-after")
}

func TestOperationsGet_NotFound(t *testing.T) {
	env := newCLIEnv(t)

	_, err := env.run(t, "operations", "get", "gs://"+testBucket, "missing")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}
