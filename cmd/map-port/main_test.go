// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/portmap/igd"
	"github.com/pion/portmap/igd/igdtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}

func executeTo(ctx context.Context, stdout, stderr io.Writer, args ...string) error {
	if args == nil {
		// cobra falls back to os.Args for nil.
		args = []string{}
	}

	cmd := newCommand()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	return cmd.ExecuteContext(ctx)
}

func execute(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	err := executeTo(ctx, &stdout, &stderr, args...)

	return stdout.String(), stderr.String(), err
}

func TestUsage(t *testing.T) {
	for _, args := range [][]string{nil, {"192.168.1.50"}} {
		stdout, _, err := execute(context.Background(), args...)
		assert.ErrorIs(t, err, errUsage)
		assert.Equal(t, usage+"\n", stdout)
	}
}

func TestInvalidArguments(t *testing.T) {
	_, _, err := execute(context.Background(), "not-an-ip", "8080")
	assert.Error(t, err)

	_, _, err = execute(context.Background(), "192.168.1.50", "70000")
	assert.Error(t, err)

	_, _, err = execute(context.Background(), "--protocol", "sctp", "192.168.1.50", "8080")
	assert.Error(t, err)

	_, _, err = execute(context.Background(), "--log-level", "loud", "192.168.1.50", "8080")
	assert.Error(t, err)
}

func TestMapUntilInterrupted(t *testing.T) {
	gw := igdtest.NewGateway(igdtest.Config{})
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stdout := &syncBuffer{}
	done := make(chan error, 1)
	go func() {
		done <- executeTo(ctx, stdout, io.Discard, "--gateway-url", gw.Location(), "192.168.1.50", "8080")
	}()

	const success = "success 203.0.113.5:8080 -> 192.168.1.50:8080\n"
	require.Eventually(t, func() bool { return stdout.String() == success }, 5*time.Second, 10*time.Millisecond)

	entry, ok := gw.Mapping(igdtest.Key{Protocol: "TCP", ExternalPort: 8080})
	require.True(t, ok)
	assert.Equal(t, uint32(3000), entry.LeaseDuration)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "command did not exit")
	}

	assert.Equal(t, 0, gw.Len(), "mapping removed on exit")
}

func TestMappingError(t *testing.T) {
	gw := igdtest.NewGateway(igdtest.Config{})
	defer gw.Close()
	gw.FailNext("AddPortMapping", igd.CodeConflictInMappingEntry, "ConflictInMappingEntry")

	stdout, _, err := execute(context.Background(),
		"--gateway-url", gw.Location(),
		"--protocol", "udp",
		"--external-port", "9000",
		"192.168.1.50", "8080",
	)

	assert.True(t, igd.IsFault(err, igd.CodeConflictInMappingEntry))
	assert.Empty(t, stdout)
}
