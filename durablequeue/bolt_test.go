package durablequeue

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FileSysOrg/jfileserver-sub003/request"
)

func openTestBolt(t *testing.T) *Bolt {
	t.Helper()
	dir := t.TempDir()
	b, err := Open(filepath.Join(dir, "queue.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestQueueFileRequestAssignsMonotonicSeq(t *testing.T) {
	b := openTestBolt(t)
	r1, err := b.QueueFileRequest(request.Single{Kind: request.Load, FileID: 1})
	require.NoError(t, err)
	r2, err := b.QueueFileRequest(request.Single{Kind: request.Load, FileID: 2})
	require.NoError(t, err)
	assert.Greater(t, r2.SeqNo, r1.SeqNo)
}

func TestDeleteFileRequestIsNoopAfterward(t *testing.T) {
	b := openTestBolt(t)
	r, err := b.QueueFileRequest(request.Single{Kind: request.Save, FileID: 5})
	require.NoError(t, err)

	require.NoError(t, b.DeleteFileRequest(r))
	// Deleting again must not error or affect unrelated records.
	require.NoError(t, b.DeleteFileRequest(r))

	loaded, err := b.LoadFileRequests(0, request.Save, 10)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadFileRequestsFiltersByKindAndSeq(t *testing.T) {
	b := openTestBolt(t)
	_, err := b.QueueFileRequest(request.Single{Kind: request.Load, FileID: 1})
	require.NoError(t, err)
	saveReq, err := b.QueueFileRequest(request.Single{Kind: request.Save, FileID: 2})
	require.NoError(t, err)
	_, err = b.QueueFileRequest(request.Single{Kind: request.Save, FileID: 3})
	require.NoError(t, err)

	loaded, err := b.LoadFileRequests(saveReq.SeqNo, request.Save, 10)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.EqualValues(t, 3, loaded[0].FileID)
}

func TestTransactionRoundTrip(t *testing.T) {
	b := openTestBolt(t)
	tx, err := b.QueueTransaction(request.Multiple{
		Files: []request.Single{{FileID: 1}, {FileID: 2, TranIsLast: true}},
	})
	require.NoError(t, err)
	require.NotEqual(t, "", tx.TranID.String())

	reloaded, err := b.LoadTransactionRequest(tx.TranID)
	require.NoError(t, err)
	assert.Len(t, reloaded.Files, 2)
}

func TestObjectIDRoundTrip(t *testing.T) {
	b := openTestBolt(t)
	_, ok, err := b.LoadObjectID(1, 0)
	require.NoError(t, err)
	assert.False(t, ok, "absent object id means new empty file")

	require.NoError(t, b.SaveObjectID(1, 0, "obj-123"))
	id, ok, err := b.LoadObjectID(1, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "obj-123", id)

	require.NoError(t, b.DeleteObjectID(1, 0))
	_, ok, err = b.LoadObjectID(1, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPerformQueueCleanupRecoversReferencedRemovesOrphans(t *testing.T) {
	b := openTestBolt(t)
	tempDir := t.TempDir()
	ldr0 := filepath.Join(tempDir, "ldr0")
	require.NoError(t, os.MkdirAll(ldr0, 0o755))

	keptPath := filepath.Join(ldr0, "ldr_1.tmp")
	orphanPath := filepath.Join(ldr0, "ldr_2.tmp")
	require.NoError(t, os.WriteFile(keptPath, []byte("data"), 0o600))
	require.NoError(t, os.WriteFile(orphanPath, []byte("data"), 0o600))

	_, err := b.QueueFileRequest(request.Single{Kind: request.Save, FileID: 1, TempPath: keptPath})
	require.NoError(t, err)

	recovered, err := b.PerformQueueCleanup(tempDir, []string{"ldr_"})
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	assert.Equal(t, keptPath, recovered[0].TempPath)

	_, statErr := os.Stat(orphanPath)
	assert.True(t, os.IsNotExist(statErr), "orphaned temp file must be removed")
	_, statErr = os.Stat(keptPath)
	assert.NoError(t, statErr, "referenced temp file must be preserved")
}
