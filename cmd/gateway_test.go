package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groundwave/pkg/config"
	"groundwave/pkg/link"
	"groundwave/pkg/link/loopback"
)

func TestEnabledAdaptersRequiresAtLeastOneLink(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	_, err := enabledAdapters(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no links are enabled")
}

func TestEnabledAdaptersBuildsConfiguredLinks(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Links.Meshtastic.Enabled = true
	cfg.Links.MeshCore.Enabled = true
	cfg.Links.Telegram.Enabled = true
	cfg.Links.Telegram.Token = "123:abc"

	adapters, err := enabledAdapters(cfg, nil)
	require.NoError(t, err)
	assert.Equal(t, "meshtastic,meshcore,telegram", enabledLinkNames(adapters))
}

func TestEnabledAdaptersRejectsBadLinkConfig(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Links.Meshtastic.Enabled = true
	cfg.Links.Meshtastic.URL = "http://radio.local"

	_, err := enabledAdapters(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure meshtastic link")

	cfg = config.Default()
	cfg.Links.Telegram.Enabled = true
	cfg.Links.Telegram.Token = ""

	_, err = enabledAdapters(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configure telegram link")
}

func TestEnabledLinkNames(t *testing.T) {
	t.Parallel()

	adapters := []link.Adapter{loopback.New("meshtastic", "!a", 200), loopback.New("telegram", "bot", 200)}
	assert.Equal(t, "meshtastic,telegram", enabledLinkNames(adapters))
}

func TestVersionString(t *testing.T) {
	t.Parallel()

	assert.Contains(t, versionString(), "groundwave dev")
}
