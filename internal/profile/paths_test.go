package profile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".msgvault", "profiles", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "admin.sock")) {
		t.Errorf("SocketPath(test) = %q, want suffix profiles/test/admin.sock", got)
	}
}

func TestCacheDBPath(t *testing.T) {
	got := CacheDBPath("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "cache.db")) {
		t.Errorf("CacheDBPath(test) = %q, want suffix profiles/test/cache.db", got)
	}
}

func TestMediaDir(t *testing.T) {
	got := MediaDir("test")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "media")) {
		t.Errorf("MediaDir(test) = %q, want suffix profiles/test/media", got)
	}
}
