package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDecodeAppliesDefaultsAndOverlay(t *testing.T) {
	cfg, err := Decode(Raw{
		"Name": "mynet",
		"Port": "8655",
	})
	require.NoError(t, err)
	require.Equal(t, "mynet", cfg.NetName)
	require.Equal(t, 8655, cfg.Port)
	require.Equal(t, 1*time.Hour, cfg.KeyExpire)
}

func TestDecodeRejectsMissingName(t *testing.T) {
	_, err := Decode(Raw{})
	require.Error(t, err)
}

func TestDecodeRejectsBadReconnectBounds(t *testing.T) {
	_, err := Decode(Raw{
		"Name":             "mynet",
		"ReconnectInitial": 10 * time.Second,
		"ReconnectMax":     5 * time.Second,
	})
	require.Error(t, err)
}

func TestDecodeConnectToList(t *testing.T) {
	cfg, err := Decode(Raw{
		"Name":      "mynet",
		"ConnectTo": []string{"peer1", "peer2"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"peer1", "peer2"}, cfg.ConnectTo)
}
