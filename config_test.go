package mccloud

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfigIsValid(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsEmptyListenAddr(t *testing.T) {
	c := DefaultConfig()
	c.ListenAddr = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsEmptyDataDir(t *testing.T) {
	c := DefaultConfig()
	c.DataDir = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveGatherTime(t *testing.T) {
	c := DefaultConfig()
	c.DataGatherTime = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsProxyWithoutSocks5Addr(t *testing.T) {
	c := DefaultConfig()
	c.Proxy = &ProxyConfig{AnnounceAddr: "1.2.3.4:9000"}
	assert.Error(t, c.Validate())
}

func TestEffectiveAnnounceAddrPrefersProxyAnnounceAddr(t *testing.T) {
	c := DefaultConfig()
	c.ListenAddr = "0.0.0.0:9000"
	c.Proxy = &ProxyConfig{Socks5Addr: "127.0.0.1:1080", AnnounceAddr: "203.0.113.5:9000"}
	assert.Equal(t, "203.0.113.5:9000", c.effectiveAnnounceAddr())
}

func TestEffectiveAnnounceAddrFallsBackToListenAddr(t *testing.T) {
	c := DefaultConfig()
	c.ListenAddr = "0.0.0.0:9000"
	assert.Equal(t, "0.0.0.0:9000", c.effectiveAnnounceAddr())
}
