package configwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
deployments:
  - name: east
    api_base: https://east.example.com
    api_key: key-east
    tpm_ratelimit: 1000
    rpm_ratelimit: 60
  - name: west
    api_base: https://west.example.com
    api_key: key-west
`

func TestLoadParsesDeploymentList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Deployments, 2)
	assert.Equal(t, "east", f.Deployments[0].Name)
	assert.Equal(t, int64(1000), f.Deployments[0].TPMRatelimit)
	assert.Equal(t, "west", f.Deployments[1].Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestWatchPublishesOnContentChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	changes, errs := w.Watch(ctx)

	time.Sleep(20 * time.Millisecond)
	updated := sampleYAML + "\n  - name: north\n    api_base: https://north.example.com\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	select {
	case change := <-changes:
		assert.Len(t, change.Deployments, 3)
	case err := <-errs:
		t.Fatalf("unexpected watch error: %v", err)
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("timed out waiting for deployment set change")
	}
}

func TestWatchDedupesUnchangedContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deployments.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	changes, _ := w.Watch(ctx)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	select {
	case <-changes:
		t.Fatal("did not expect a change event for identical content")
	case <-time.After(300 * time.Millisecond):
	}
}
