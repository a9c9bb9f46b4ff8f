package auth_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/go-pluto/imaplogind/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingBrokerPreservesOutcome(t *testing.T) {

	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice:secret\n"), 0o600))

	inner, err := auth.NewFileBroker(path, ":")
	require.NoError(t, err)

	logger := log.NewNopLogger()
	wrapped := auth.NewLoggingBroker(inner, logger)

	attempt, err := wrapped.Submit(context.Background(), "PLAIN", []byte("alice\x00secret"), auth.Metadata{Secured: true})
	require.NoError(t, err)

	outcome := <-attempt.Result()
	assert.Equal(t, auth.OutcomeSuccess, outcome.Kind)
	assert.Equal(t, "alice", outcome.VirtualUser)
}

func TestLoggingBrokerPassesThroughMechanismsAndConnected(t *testing.T) {

	path := filepath.Join(t.TempDir(), "users.txt")
	require.NoError(t, os.WriteFile(path, []byte("alice:secret\n"), 0o600))

	inner, err := auth.NewFileBroker(path, ":")
	require.NoError(t, err)

	wrapped := auth.NewLoggingBroker(inner, log.NewNopLogger())

	assert.Equal(t, inner.IsConnected(), wrapped.IsConnected())
	assert.Equal(t, inner.Mechanisms(true), wrapped.Mechanisms(true))
}
