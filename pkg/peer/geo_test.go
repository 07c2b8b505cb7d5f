package peer

import (
	"net/netip"
	"testing"
)

func TestGeoIPObserveWithoutDatabase(t *testing.T) {
	g := NewGeoIP()
	// with no database loaded, Observe must not panic and should count the
	// address as unknown.
	g.Observe(netip.MustParseAddr("203.0.113.1"))
}

func TestGeoIPLoadRejectsMissingFile(t *testing.T) {
	g := NewGeoIP()
	if err := g.Load("/nonexistent/path/to/db.bin"); err == nil {
		t.Fatal("Load: expected error for missing file")
	}
}

func TestGeoIPLoadRejectsEmptyWithoutPrior(t *testing.T) {
	g := NewGeoIP()
	if err := g.Load(""); err == nil {
		t.Fatal("Load: expected error when reloading with no prior database")
	}
}
