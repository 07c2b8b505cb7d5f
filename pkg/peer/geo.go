package peer

import (
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"

	"github.com/VictoriaMetrics/metrics"
	"github.com/pg9182/ip2x"

	"github.com/pg9182/snitun/pkg/metricsx"
	"github.com/pg9182/snitun/pkg/regionmap"
)

// GeoIP resolves a peer's observed source address to a location, feeding a
// metricsx.GeoCounter2 keyed by geohash bucket plus a named-region
// breakdown via pkg/regionmap.GetRegion.
type GeoIP struct {
	mu   sync.RWMutex
	file *os.File
	db   *ip2x.DB

	set           *metrics.Set
	byRegion      *metricsx.GeoCounter2
	byNamedRegion map[string]*metrics.Counter
	namedUnknown  *metrics.Counter
}

// NewGeoIP creates an empty GeoIP tracker; call Load to attach a database.
func NewGeoIP() *GeoIP {
	set := metrics.NewSet()
	return &GeoIP{
		set:           set,
		byRegion:      metricsx.NewGeoCounter2("snitun_peers_by_region"),
		byNamedRegion: make(map[string]*metrics.Counter),
		namedUnknown:  set.NewCounter(`snitun_peers_by_named_region{region=""}`),
	}
}

// Load replaces the currently loaded IP2Location database. If name is empty,
// the existing database (if any) is reopened, supporting reload-on-SIGHUP.
func (g *GeoIP) Load(name string) error {
	if name == "" {
		g.mu.RLock()
		if g.file == nil {
			g.mu.RUnlock()
			return fmt.Errorf("peer: geoip: no database loaded")
		}
		name = g.file.Name()
		g.mu.RUnlock()
	}

	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("peer: geoip: open %s: %w", name, err)
	}

	db, err := ip2x.New(f)
	if err != nil {
		f.Close()
		return fmt.Errorf("peer: geoip: parse %s: %w", name, err)
	}
	if p, _ := db.Info(); p != ip2x.IP2Location {
		f.Close()
		return fmt.Errorf("peer: geoip: %s is not an ip2location database", name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.file != nil {
		g.file.Close()
	}
	g.file, g.db = f, db
	return nil
}

// Observe records ip's location (if a database is loaded and the lookup
// succeeds) against the peers-by-region geohash counter.
func (g *GeoIP) Observe(ip netip.Addr) {
	g.mu.RLock()
	db := g.db
	g.mu.RUnlock()

	if db == nil {
		g.byRegion.IncUnknown()
		return
	}

	rec, err := db.Lookup(ip)
	if err != nil {
		g.byRegion.IncUnknown()
		g.namedUnknown.Inc()
		return
	}

	lat, ok1 := rec.GetFloat(ip2x.Latitude)
	lng, ok2 := rec.GetFloat(ip2x.Longitude)
	if !ok1 || !ok2 {
		g.byRegion.IncUnknown()
	} else {
		g.byRegion.Inc(lat, lng)
	}

	if region, err := regionmap.GetRegion(ip, rec); err == nil {
		g.namedRegionCounter(region).Inc()
	} else {
		g.namedUnknown.Inc()
	}
}

func (g *GeoIP) namedRegionCounter(region string) *metrics.Counter {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.byNamedRegion[region]
	if !ok {
		c = g.set.NewCounter(fmt.Sprintf(`snitun_peers_by_named_region{region=%q}`, region))
		g.byNamedRegion[region] = c
	}
	return c
}

// WritePrometheus writes the peers-by-region geohash and named-region
// metrics to w.
func (g *GeoIP) WritePrometheus(w io.Writer) {
	g.byRegion.WritePrometheus(w)
	g.set.WritePrometheus(w)
}
