// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test_main exercises the benchmark for a short duration.
func Test_main(t *testing.T) {
	pcapFile := filepath.Join(t.TempDir(), "capture.pcap")
	buf := &bytes.Buffer{}
	args = []string{"benchmark", "-duration", "500ms", "-delay", "1ms", "-pcap-file", pcapFile}
	output = buf

	main()

	assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	info, err := os.Stat(pcapFile)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(24))
}
