package connectivity

import (
	"fmt"
	"net"
	"net/netip"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oschwald/geoip2-golang"
)

const defaultLocationCacheSize = 1024

// Location is a coordinate pair in degrees.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Locator maps an IP address to coordinates.
type Locator interface {
	Locate(ip string) (Location, bool)
}

// LookupFunc resolves a parsed address. It reports false when the address
// is unknown.
type LookupFunc func(addr netip.Addr) (Location, bool)

type cachedLocation struct {
	loc Location
	ok  bool
}

// CachedLocator memoizes a LookupFunc, negative answers included.
type CachedLocator struct {
	lookup LookupFunc
	cache  *lru.Cache[netip.Addr, cachedLocation]
}

func NewCachedLocator(lookup LookupFunc, size int) (*CachedLocator, error) {
	if size <= 0 {
		size = defaultLocationCacheSize
	}
	cache, err := lru.New[netip.Addr, cachedLocation](size)
	if err != nil {
		return nil, err
	}
	return &CachedLocator{lookup: lookup, cache: cache}, nil
}

func (c *CachedLocator) Locate(ip string) (Location, bool) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return Location{}, false
	}
	addr = addr.Unmap()
	if hit, ok := c.cache.Get(addr); ok {
		return hit.loc, hit.ok
	}
	loc, ok := c.lookup(addr)
	c.cache.Add(addr, cachedLocation{loc: loc, ok: ok})
	return loc, ok
}

// GeoIPLocator looks addresses up in a MaxMind City database.
type GeoIPLocator struct {
	*CachedLocator
	db *geoip2.Reader
}

// OpenGeoIP opens the database at path.
func OpenGeoIP(path string, cacheSize int) (*GeoIPLocator, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	cached, err := NewCachedLocator(func(addr netip.Addr) (Location, bool) {
		city, err := db.City(net.IP(addr.AsSlice()))
		if err != nil || (city.Location.Latitude == 0 && city.Location.Longitude == 0) {
			return Location{}, false
		}
		return Location{Latitude: city.Location.Latitude, Longitude: city.Location.Longitude}, true
	}, cacheSize)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &GeoIPLocator{CachedLocator: cached, db: db}, nil
}

func (g *GeoIPLocator) Close() error { return g.db.Close() }
