// Package config loads and generates the ARN process configuration: listen
// address, persistence backend selection, access-control policy knobs, and
// the base directory under which configuration and logs live.
package config

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	mathrand "math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultBaseDirectoryPath is where arnd/arnctl store configuration, cache
// and log files. It defaults to $ARN_BASE if set, otherwise $HOME/lib/arn.
var DefaultBaseDirectoryPath string

func init() {
	if base := os.Getenv("ARN_BASE"); base != "" {
		DefaultBaseDirectoryPath = base
	} else {
		DefaultBaseDirectoryPath = os.ExpandEnv("$HOME/lib/arn")
	}
}

// EncryptPolicy is the §6.6 encrypt_policy knob. Only a policy bit is
// modeled; the encryption mechanism itself is out of scope (spec §1).
type EncryptPolicy string

const (
	EncryptPreferNo  EncryptPolicy = "prefer-no"
	EncryptPreferYes EncryptPolicy = "prefer-yes"
	EncryptRequired  EncryptPolicy = "required"
)

// C is the process-wide configuration (spec §6.6).
type C struct {
	ListenNet  string
	ListenAddr string

	// DemandLogin is the master switch described in spec §4.7: if true,
	// every session not covered by a no-login subnet must authenticate.
	DemandLogin bool

	// DefaultIgnoreSameValue seeds new handles' ignore_same_value bit
	// unless overridden by the caller (spec §6.6).
	DefaultIgnoreSameValue bool

	// SkipLocalSysLoading disables arnd's startup loading of every
	// mandatory persisted record (persist.Binder.LoadMandatory).
	SkipLocalSysLoading bool

	EncryptPolicy EncryptPolicy

	// PersistMountPoint is the subtree under which Save mode may be
	// asserted (spec invariant I5).
	PersistMountPoint string

	// PersistStorage selects the persistence backend: "disk", "s3", or "null".
	PersistStorage string

	PersistDiskDir string

	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string

	base string
}

// Load reads the configuration file "config" from base.
func Load(base string) (*C, error) {
	filename := filepath.Join(base, "config")
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	defer func() { _ = f.Close() }()
	c, err := load(f)
	if err != nil {
		return nil, err
	}
	c.base = base
	if c.ListenNet == "" {
		c.ListenNet = "tcp"
	}
	if c.PersistMountPoint == "" {
		c.PersistMountPoint = "//"
	}
	if c.PersistDiskDir != "" && !filepath.IsAbs(c.PersistDiskDir) {
		c.PersistDiskDir = filepath.Clean(filepath.Join(c.base, c.PersistDiskDir))
	}
	return c, nil
}

func load(r io.Reader) (*C, error) {
	c := &C{}
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		i := strings.IndexAny(line, " \t")
		if i == -1 {
			return nil, fmt.Errorf("config: no separator in %q", line)
		}
		key, val := line[:i], strings.TrimSpace(line[i:])
		switch key {
		case "listen-net":
			c.ListenNet = val
		case "listen-addr":
			c.ListenAddr = val
		case "demand-login":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			c.DemandLogin = b
		case "default-ignore-same-value":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			c.DefaultIgnoreSameValue = b
		case "skip-local-sys-loading":
			b, err := strconv.ParseBool(val)
			if err != nil {
				return nil, fmt.Errorf("config: %w", err)
			}
			c.SkipLocalSysLoading = b
		case "encrypt-policy":
			c.EncryptPolicy = EncryptPolicy(val)
		case "persist-mount-point":
			c.PersistMountPoint = val
		case "persist-storage":
			c.PersistStorage = val
		case "persist-disk-dir":
			c.PersistDiskDir = val
		case "s3-region":
			c.S3Region = val
		case "s3-bucket":
			c.S3Bucket = val
		case "s3-access-key":
			c.S3AccessKey = val
		case "s3-secret-key":
			c.S3SecretKey = val
		default:
			return nil, fmt.Errorf("config: unknown key %q", key)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

func (c *C) Base() string { return c.base }

// Initialize writes a fresh configuration file to baseDir, picking a random
// high port the way config.Initialize does in the teacher repo.
func Initialize(baseDir string) error {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return fmt.Errorf("%q: could not mkdir: %w", baseDir, err)
	}
	path := filepath.Join(baseDir, "config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%q: already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%q: could not determine if it exists: %w", path, err)
	}

	var buf bytes.Buffer
	mathrand.Seed(time.Now().UnixNano())
	port := 49152 + mathrand.Intn(65535-49152)
	buf.WriteString("listen-net tcp\n")
	fmt.Fprintf(&buf, "listen-addr 0.0.0.0:%d\n", port)
	buf.WriteString("demand-login false\n")
	buf.WriteString("default-ignore-same-value false\n")
	buf.WriteString("encrypt-policy prefer-no\n")
	buf.WriteString("persist-mount-point //\n")
	buf.WriteString("persist-storage disk\n")
	buf.WriteString("persist-disk-dir persist\n")

	b := make([]byte, 16)
	if n, err := rand.Read(b); err != nil || n != 16 {
		return fmt.Errorf("could not read 16 random bytes: %w", err)
	}

	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("config.Initialize %q: %w", path, err)
	}
	return nil
}
