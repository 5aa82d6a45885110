package changemap

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcowham/p4transfer/p4"
)

func TestAppendCreatesFileWithHeaderOnFirstUse(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "change_map.csv")
	fake := p4.NewFakeClient()
	cm := New(fake, localPath, "//import/main/change_map.csv", "source:1666")

	require.NoError(t, cm.Append(context.Background(), 10, 501))
	require.NoError(t, cm.Append(context.Background(), 11, 502))

	content, err := os.ReadFile(localPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "sourcePort,sourceChangeNo,targetChangeNo")
	assert.Contains(t, string(content), "source:1666,10,501")
	assert.Contains(t, string(content), "source:1666,11,502")
	assert.Contains(t, fake.Calls, "RunRaw([add -t text+S32 "+localPath+"])")
}

func TestSubmitResetsRowsAndNoopsWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	localPath := filepath.Join(dir, "change_map.csv")
	fake := p4.NewFakeClient()
	fake.NextSubmit = 700
	cm := New(fake, localPath, "//import/main/change_map.csv", "source:1666")

	change, err := cm.Submit(context.Background(), "batch")
	require.NoError(t, err)
	assert.Equal(t, 0, change)

	require.NoError(t, cm.Append(context.Background(), 1, 100))
	change, err = cm.Submit(context.Background(), "batch")
	require.NoError(t, err)
	assert.Equal(t, 700, change)

	change, err = cm.Submit(context.Background(), "batch")
	require.NoError(t, err)
	assert.Equal(t, 0, change)
}
