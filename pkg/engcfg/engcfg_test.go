package engcfg

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "txd.cfg")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestParseConfig_Full(t *testing.T) {
	cfg, err := ParseConfig(writeConfig(t, `
# transmit daemon
streams 2
capacity 32768
mss 1000
idle-timeout 50
settle 3
chunk 128
unit 16
low-water 2000
listen 127.0.0.1:5000
peer 127.0.0.1:5001
endpoint 0 10.0.0.1:20001 10.0.0.2:80
endpoint 1 10.0.0.1:20002 10.0.0.2:443
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Streams != 2 || cfg.Capacity != 32768 || cfg.MSS != 1000 {
		t.Fatalf("scalar fields did not parse: %+v", cfg)
	}
	if cfg.IdleTimeout != 50 || cfg.Settle != 3 || cfg.Chunk != 128 || cfg.Unit != 16 || cfg.LowWater != 2000 {
		t.Fatalf("timing fields did not parse: %+v", cfg)
	}
	if cfg.Listen != netip.MustParseAddrPort("127.0.0.1:5000") {
		t.Fatalf("listen address did not parse: %v", cfg.Listen)
	}
	if cfg.Peer != netip.MustParseAddrPort("127.0.0.1:5001") {
		t.Fatalf("peer address did not parse: %v", cfg.Peer)
	}
	if len(cfg.Endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(cfg.Endpoints))
	}
	ep := cfg.Endpoints[1]
	if ep.Stream != 1 || ep.Local != netip.MustParseAddrPort("10.0.0.1:20002") ||
		ep.Remote != netip.MustParseAddrPort("10.0.0.2:443") {
		t.Fatalf("endpoint did not parse: %+v", ep)
	}
}

func TestParseConfig_DefaultStreams(t *testing.T) {
	cfg, err := ParseConfig(writeConfig(t, "listen 127.0.0.1:5000\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Streams != 4 {
		t.Fatalf("expected default of 4 streams, got %d", cfg.Streams)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		want     string
	}{
		{"unknown directive", "listen 127.0.0.1:5000\nbogus 1\n", "unrecognized directive"},
		{"bad integer", "streams two\nlisten 127.0.0.1:5000\n", "line 1"},
		{"missing value", "mss\nlisten 127.0.0.1:5000\n", "line 1"},
		{"bad address", "listen not-an-addr\n", "line 1"},
		{"no listen", "streams 2\n", "listen address"},
		{"endpoint out of range", "streams 2\nlisten 127.0.0.1:5000\nendpoint 5 10.0.0.1:1 10.0.0.2:2\n", "out of range"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig(writeConfig(t, tc.contents))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err.Error(), tc.want)
			}
		})
	}
}

func TestParseConfig_MissingFile(t *testing.T) {
	if _, err := ParseConfig(filepath.Join(t.TempDir(), "nope.cfg")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}
