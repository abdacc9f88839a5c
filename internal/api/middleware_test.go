package api

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/realtime-scraper/internal/config"
	hashsha256 "github.com/JakeFAU/realtime-scraper/internal/hash/sha256"
)

type failingMatcher struct {
	*hashsha256.Hasher
	fail string
}

func (m failingMatcher) Hash(data []byte) (string, error) {
	if string(data) == m.fail {
		return "", errors.New("hash unavailable")
	}
	return m.Hasher.Hash(data)
}

func TestKeyringLogsKeysItCannotHash(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	ring := newKeyring(config.AuthConfig{
		Enabled: true,
		APIKeys: []string{"good-key", "", "bad-key"},
	}, failingMatcher{Hasher: hashsha256.New(), fail: "bad-key"}, zap.New(core))

	require.True(t, ring.Allows("good-key"))
	require.False(t, ring.Allows("bad-key"))

	rejected := logs.FilterMessageSnippet("api key rejected").All()
	require.Len(t, rejected, 1)
	require.Equal(t, int64(2), rejected[0].ContextMap()["index"])
	require.NotContains(t, rejected[0].ContextMap(), "key")
	require.Equal(t, 1, logs.FilterMessage("empty api key ignored").Len())
}
