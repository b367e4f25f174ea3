package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadParsesKnownKeys(t *testing.T) {
	r := strings.NewReader(strings.Join([]string{
		"# a comment",
		"",
		"listen-net tcp",
		"listen-addr 0.0.0.0:2022",
		"demand-login true",
		"default-ignore-same-value true",
		"skip-local-sys-loading false",
		"encrypt-policy required",
		"persist-mount-point //",
		"persist-storage disk",
		"persist-disk-dir data",
		"s3-region us-east-1",
		"s3-bucket bucket",
		"s3-access-key AKID",
		"s3-secret-key secret",
	}, "\n"))

	c, err := load(r)
	if err != nil {
		t.Fatal(err)
	}
	if c.ListenAddr != "0.0.0.0:2022" {
		t.Fatalf("ListenAddr = %q", c.ListenAddr)
	}
	if !c.DemandLogin {
		t.Fatal("DemandLogin should be true")
	}
	if !c.DefaultIgnoreSameValue {
		t.Fatal("DefaultIgnoreSameValue should be true")
	}
	if c.SkipLocalSysLoading {
		t.Fatal("SkipLocalSysLoading should be false")
	}
	if c.EncryptPolicy != EncryptRequired {
		t.Fatalf("EncryptPolicy = %q", c.EncryptPolicy)
	}
	if c.S3Bucket != "bucket" {
		t.Fatalf("S3Bucket = %q", c.S3Bucket)
	}
}

func TestLoadRejectsUnknownKey(t *testing.T) {
	if _, err := load(strings.NewReader("bogus-key value\n")); err == nil {
		t.Fatal("expected an error for an unknown key")
	}
}

func TestLoadRejectsMissingSeparator(t *testing.T) {
	if _, err := load(strings.NewReader("justonetoken\n")); err == nil {
		t.Fatal("expected an error for a line without a separator")
	}
}

func TestInitializeThenLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c.ListenNet != "tcp" {
		t.Fatalf("ListenNet = %q", c.ListenNet)
	}
	if c.DemandLogin {
		t.Fatal("freshly initialized config should not demand login")
	}
	if c.PersistStorage != "disk" {
		t.Fatalf("PersistStorage = %q", c.PersistStorage)
	}
	wantDir := filepath.Join(dir, "persist")
	if c.PersistDiskDir != wantDir {
		t.Fatalf("PersistDiskDir = %q, want %q", c.PersistDiskDir, wantDir)
	}
}

func TestInitializeRefusesToOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := Initialize(dir); err != nil {
		t.Fatal(err)
	}
	if err := Initialize(dir); err == nil {
		t.Fatal("Initialize should refuse to overwrite an existing config")
	}
}
