package main

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"linkpulse/internal/config"
)

const sweepXML = `<?xml version="1.0"?>
<nmaprun scanner="nmap" args="nmap -sn -oX - 192.168.1.0/24">
  <host>
    <status state="up" reason="arp-response"/>
    <address addr="192.168.1.1" addrtype="ipv4"/>
    <address addr="AA:BB:CC:DD:EE:FF" addrtype="mac"/>
    <hostnames><hostname name="router.lan" type="PTR"/></hostnames>
    <times srtt="512"/>
  </host>
  <host>
    <status state="up" reason="arp-response"/>
    <address addr="192.168.1.150" addrtype="ipv4"/>
  </host>
  <host>
    <status state="down" reason="no-response"/>
    <address addr="192.168.1.20" addrtype="ipv4"/>
  </host>
  <host>
    <status state="up" reason="echo-reply"/>
    <address addr="192.168.1.10" addrtype="ipv4"/>
  </host>
</nmaprun>`

func TestGenerateInclude(t *testing.T) {
	var run NmapRun
	require.NoError(t, xml.Unmarshal([]byte(sweepXML), &run))

	partial := generateInclude(&run, 100, 200, true)

	assert.Equal(t, []config.MonitoredHost{
		{Address: "192.168.1.1", Name: "router", Enabled: true},
		{Address: "192.168.1.10", Name: "192.168.1.10", Enabled: true},
	}, partial.Hosts)
}

func TestParseDHCPRange(t *testing.T) {
	low, high := parseDHCPRange("50-99")
	assert.Equal(t, 50, low)
	assert.Equal(t, 99, high)

	low, high = parseDHCPRange("garbage")
	assert.Equal(t, 100, low)
	assert.Equal(t, 200, high)
}

func TestIncludeFileLoadsIntoConfig(t *testing.T) {
	dir := t.TempDir()

	var run NmapRun
	require.NoError(t, xml.Unmarshal([]byte(sweepXML), &run))
	partial := generateInclude(&run, 100, 200, false)
	require.NoError(t, writeInclude(partial, filepath.Join(dir, "conf.d", "discovered.yaml")))

	mainFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(mainFile, []byte("include:\n  enabled: true\n  directory: conf.d\n"), 0644))

	cfg, err := config.Load(mainFile)
	require.NoError(t, err)

	byAddress := make(map[string]config.MonitoredHost)
	for _, h := range cfg.Defaults.MonitoringHosts {
		byAddress[h.Address] = h
	}
	require.Contains(t, byAddress, "192.168.1.1")
	assert.Equal(t, "router", byAddress["192.168.1.1"].Name)
	assert.False(t, byAddress["192.168.1.1"].Enabled)
	assert.Contains(t, byAddress, "8.8.8.8", "defaults are kept")
}
