package lib

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var ErrBadConfig = errors.New("bad config")

const (
	DefaultAddress    = "192.168.0.86"
	DefaultPort       = 8080
	DefaultBufferSize = 1024
	DefaultMaxAge     = time.Hour
)

type Config struct {
	Address     string
	Port        int
	BufferSize  int
	Dir         string
	Framed      bool
	Concurrency int
	DialRetries int
	IdleTimeout time.Duration
	HTTPPort    int
	TOS         int
	MaxAge      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Address:     DefaultAddress,
		Port:        DefaultPort,
		BufferSize:  DefaultBufferSize,
		Dir:         ".",
		Concurrency: 1,
		MaxAge:      DefaultMaxAge,
	}
}

func ConfPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".filedrop.conf"
	}
	return filepath.Join(home, ".filedrop.conf")
}

// LoadConf reads a single host:port entry from path into c. A missing file
// is not an error unless required is set.
func (c *Config) LoadConf(path string, required bool) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) && !required {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	switch len(entries) {
	case 0:
		return nil
	case 1:
	default:
		return fmt.Errorf("%w: %s: want one host:port entry, got %d", ErrBadConfig, path, len(entries))
	}
	host, port, err := net.SplitHostPort(entries[0])
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadConfig, path, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return fmt.Errorf("%w: %s: bad port %q", ErrBadConfig, path, port)
	}
	if host != "" {
		c.Address = host
	}
	c.Port = p
	return nil
}

// Validate checks c for use by a server, or by a client when client is set.
func (c Config) Validate(client bool) error {
	if c.BufferSize < 1 {
		return fmt.Errorf("%w: buffer size must be positive: %d", ErrBadConfig, c.BufferSize)
	}
	if c.Port < 0 || c.Port > 65535 || (client && c.Port == 0) {
		return fmt.Errorf("%w: port out of range: %d", ErrBadConfig, c.Port)
	}
	if c.DialRetries < 0 || c.IdleTimeout < 0 || c.MaxAge < 0 || c.TOS < 0 || c.TOS > 255 {
		return fmt.Errorf("%w: negative or out of range value", ErrBadConfig)
	}
	if client {
		ip := net.ParseIP(c.Address)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("%w: invalid address or address not supported: %q", ErrBadConfig, c.Address)
		}
		return nil
	}
	if c.Concurrency < 1 {
		return fmt.Errorf("%w: concurrency must be positive: %d", ErrBadConfig, c.Concurrency)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("%w: http port out of range: %d", ErrBadConfig, c.HTTPPort)
	}
	return nil
}

func (c Config) ServerAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}
