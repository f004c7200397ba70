package ops

import (
	"errors"
	"net"
	"strings"
	"time"
)

const DefaultAddr = "127.0.0.1:6061"

// Config controls the ops server. A non-loopback Addr needs a Token unless
// AllowInsecure is set.
type Config struct {
	Enabled       bool
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Check validates cfg without binding anything.
func (c Config) Check() error {
	if !c.Enabled {
		return nil
	}
	addr := c.addr()
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return errors.New("ops.addr: expected host:port")
	}
	if c.exposed() && !c.AllowInsecure {
		return errors.New("ops: binding to non-loopback addr requires token or allow_insecure=true")
	}
	return nil
}

// exposed reports a tokenless server reachable beyond loopback.
func (c Config) exposed() bool {
	return c.Token == "" && !IsLoopbackAddr(c.addr())
}

func (c Config) addr() string {
	if a := strings.TrimSpace(c.Addr); a != "" {
		return a
	}
	return DefaultAddr
}

// IsLoopbackAddr reports whether host:port binds only to loopback. An empty
// host means every interface and is not loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	switch host = strings.TrimSpace(host); {
	case host == "":
		return false
	case strings.EqualFold(host, "localhost"):
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
