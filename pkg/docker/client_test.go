package docker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "4f1c2b7e9a0d3c5e8f6a1b2c3d4e5f60718293a4b5c6d7e8f9a0b1c2d3e4f5a6"

func TestContainerIDFromCgroup(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/docker/" + testID, testID},
		{"/system.slice/docker-" + testID + ".scope", testID},
		{"/kubepods/besteffort/pod1234/" + testID, testID},
		{"/user.slice/user-1000.slice/session-2.scope", ""},
		{"/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, containerIDFromCgroup(tt.path))
		})
	}
}

func fakeProc(t *testing.T, cgroups map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for pid, content := range cgroups {
		dir := filepath.Join(root, pid)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "cgroup"), []byte(content), 0o644))
	}
	return root
}

func TestResolverOwner(t *testing.T) {
	root := fakeProc(t, map[string]string{
		"100": "0::/system.slice/docker-" + testID + ".scope\n",
		"200": "0::/user.slice/user-1000.slice/session-2.scope\n",
		"300": "0::/docker/" + strings.Repeat("ab", 32) + "\n",
	})

	r, err := newResolver(nil, nil, "name", root)
	require.NoError(t, err)
	r.setWorkloads([]Workload{{Owner: "web", ContainerID: testID}})

	assert.Equal(t, "web", r.Owner(100))
	assert.Empty(t, r.Owner(200), "host process")
	assert.Empty(t, r.Owner(300), "container not matched by the label filter")
	assert.Empty(t, r.Owner(400), "process gone")
	assert.NoError(t, r.Close())
}

func TestExtractOwner(t *testing.T) {
	inspect := types.ContainerJSON{
		ContainerJSONBase: &container.ContainerJSONBase{ID: testID, Name: "/web-1"},
		Config: &container.Config{
			Hostname: "abc123",
			Labels:   map[string]string{"tenant": "acme"},
			Env:      []string{"PATH=/bin", "SERVICE=checkout"},
		},
	}

	tests := []struct {
		source string
		want   string
	}{
		{"hostname", "abc123"},
		{"id", testID},
		{"name", "web-1"},
		{"", "web-1"},
		{"label:tenant", "acme"},
		{"label:missing", "web-1"},
		{"env:SERVICE", "checkout"},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			r := &Resolver{idSource: tt.source}
			assert.Equal(t, tt.want, r.extractOwner(inspect))
		})
	}
}
