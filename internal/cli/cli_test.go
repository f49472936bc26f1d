package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContainer = "opencode_project_abc"

type harness struct {
	t   *testing.T
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("RECALL_EMBEDDING_PROVIDER", "hash")
	t.Setenv("RECALL_STORAGE_DIMENSIONS", "64")
	t.Setenv("RECALL_LOG_LEVEL", "error")
	return &harness{t: t, dir: t.TempDir()}
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--dir", h.dir}, args...))
	err := root.Execute()
	return out.String(), err
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	out, err := h.run(args...)
	require.NoError(h.t, err, "recall %s", strings.Join(args, " "))
	return out
}

func TestVersion(t *testing.T) {
	h := newHarness(t)
	assert.Contains(t, h.mustRun("version"), "recall dev")
}

func TestAddDedupSearch(t *testing.T) {
	h := newHarness(t)

	first := strings.TrimSpace(h.mustRun("add", "--container", testContainer, "fix flaky test"))
	require.NotEmpty(t, first)
	h.mustRun("add", "--container", testContainer, "fix", "flaky", "test")
	h.mustRun("add", "--container", testContainer, "add retry logic")

	assert.Equal(t, "3\n", h.mustRun("count", "--container", testContainer))

	out := h.mustRun("dedup")
	assert.Contains(t, out, "Exact duplicates deleted: 1")
	assert.Equal(t, "2\n", h.mustRun("count", "--container", testContainer))
	assert.Equal(t, "2\n", h.mustRun("count", "--all"))

	out = h.mustRun("search", "--container", testContainer, "--threshold", "0", "fix flaky test")
	flaky := strings.Index(out, "fix flaky test")
	retry := strings.Index(out, "add retry logic")
	require.GreaterOrEqual(t, flaky, 0, out)
	if retry >= 0 {
		assert.Less(t, flaky, retry)
	}

	// Default threshold: an untagged exact content match is still found.
	out = h.mustRun("search", "--container", testContainer, "fix flaky test")
	assert.Contains(t, out, "fix flaky test")

	out = h.mustRun("search", "--container", testContainer, "--lexical", "retry")
	assert.Contains(t, out, "add retry logic")
	assert.NotContains(t, out, "fix flaky test")

	out = h.mustRun("search", "--container", testContainer, "kubernetes operators")
	assert.Contains(t, out, "No results found.")
}

func TestGetUpdatePinRm(t *testing.T) {
	h := newHarness(t)
	id := strings.TrimSpace(h.mustRun("add", "--container", testContainer, "--type", "decision", "use sqlite"))

	out := h.mustRun("get", id)
	assert.Contains(t, out, "use sqlite")
	assert.Contains(t, out, "decision")
	assert.Contains(t, out, testContainer)

	assert.Contains(t, h.mustRun("update", id, "use", "sqlite", "in", "WAL", "mode"), "updated "+id)
	assert.Contains(t, h.mustRun("get", id), "use sqlite in WAL mode")

	assert.Contains(t, h.mustRun("pin", id), "pinned "+id)
	assert.Contains(t, h.mustRun("get", id), "true")
	assert.Contains(t, h.mustRun("list", "--container", testContainer), "* "+id)
	assert.Contains(t, h.mustRun("unpin", id), "unpinned "+id)

	assert.Contains(t, h.mustRun("rm", id), "deleted "+id)
	_, err := h.run("get", id)
	assert.ErrorContains(t, err, "not found")
	_, err = h.run("pin", id)
	assert.ErrorContains(t, err, "not found")
}

func TestScopesTagsAndShards(t *testing.T) {
	h := newHarness(t)
	h.mustRun("add", "--scope", "user", "--identity", "dev@example.com", "prefers short commit messages")
	h.mustRun("add", "--container", testContainer, "project note")

	assert.Equal(t, "1\n", h.mustRun("count", "--scope", "user", "--identity", "dev@example.com"))
	assert.Equal(t, "0\n", h.mustRun("count", "--scope", "user", "--identity", "someone-else"))

	out := h.mustRun("tags")
	assert.Contains(t, out, testContainer)
	assert.Contains(t, out, "opencode_user_")

	out = h.mustRun("shards")
	assert.Contains(t, out, "project")
	assert.Contains(t, out, "user")
	assert.Contains(t, out, "project_abc_shard_0.db")

	_, err := h.run("add", "--container", "bogus", "x y")
	assert.Error(t, err)
	_, err = h.run("add", "--scope", "team", "x y")
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	h := newHarness(t)
	h.mustRun("add", "--container", testContainer, "fresh note")

	out := h.mustRun("cleanup")
	assert.Contains(t, out, "Deleted 0 memories")

	t.Setenv("RECALL_CLEANUP_ENABLED", "false")
	assert.Contains(t, h.mustRun("cleanup"), "disabled")
	assert.Contains(t, h.mustRun("cleanup", "--force"), "Deleted 0 memories")
	assert.Equal(t, "1\n", h.mustRun("count", "--all"))
}

func TestBadConfig(t *testing.T) {
	h := newHarness(t)
	t.Setenv("RECALL_STORAGE_BACKEND", "faiss")
	_, err := h.run("count", "--all")
	assert.ErrorContains(t, err, "storage.backend")
}
