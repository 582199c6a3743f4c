package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JB-SelfCompany/exmail/internal/logging"
)

func TestLogAccountMasksPassword(t *testing.T) {
	c := baseConfig()
	a, err := c.Account("jdoe:box[limit=3,delete=true]", "hunter2")
	require.NoError(t, err)

	var buf bytes.Buffer
	c.LogAccount(logging.New(&buf, "test", true), a)
	out := buf.String()
	require.Contains(t, out, "<password>")
	require.NotContains(t, out, "hunter2")
	require.Contains(t, out, "Message Limit = 3; Filtered to Unread; Delete Messages on Delete")
	require.Contains(t, out, "Read timeout:\t1500 ms")

	buf.Reset()
	c.DebugPassword = true
	c.LogAccount(logging.New(&buf, "test", true), a)
	require.True(t, strings.Contains(buf.String(), "hunter2"))
}
