package control

import (
	"testing"

	"github.com/coff33ninja/lanrage/internal/config"
)

func TestNew_PlaceholderURLSelectsLocal(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	if _, ok := New(cfg).(*Local); !ok {
		t.Fatal("placeholder URL should select the local variant")
	}
}

func TestNew_EmptyURLSelectsLocal(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.ControlServerURL = ""
	if _, ok := New(cfg).(*Local); !ok {
		t.Fatal("empty URL should select the local variant")
	}
}

func TestNew_RealURLSelectsRemote(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.ControlServerURL = "https://rv.example.org"
	if _, ok := New(cfg).(*Remote); !ok {
		t.Fatal("configured URL should select the remote variant")
	}
}

func TestNew_BadURLDegradesToLocal(t *testing.T) {
	cfg := config.Default()
	cfg.StateDir = t.TempDir()
	cfg.ControlServerURL = "://not-a-url"
	if _, ok := New(cfg).(*Local); !ok {
		t.Fatal("unusable remote config must degrade to local, not crash")
	}
}
