package rdns

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/miekg/dns"
	"github.com/oschwald/maxminddb-golang"
)

// GeoMatcher matches a query's client address against a set of
// continent/country/city GeoName IDs resolved via a MaxMind GeoLite2
// database. It's an additive Matcher alongside NetmaskMatcher and
// SuffixMatcher, letting pool and action rules key off client location
// rather than just network membership.
type GeoMatcher struct {
	geoDB *maxminddb.Reader
	ids   map[string]struct{}
}

var _ Matcher = &GeoMatcher{}

// NewGeoMatcher opens dbFile and builds a matcher from rules of the
// form "continent:<id>", "country:<id>" or "city:<id>", where <id> is a
// GeoNames identifier. dbFile defaults to the standard GeoLite2-City
// install path if empty.
func NewGeoMatcher(dbFile string, rules ...string) (*GeoMatcher, error) {
	if dbFile == "" {
		dbFile = "/usr/share/GeoIP/GeoLite2-City.mmdb"
	}
	geoDB, err := maxminddb.Open(dbFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open geo location database: %w", err)
	}

	ids := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		r = strings.TrimSpace(r)
		if r == "" || strings.HasPrefix(r, "#") {
			continue
		}
		parts := strings.SplitN(r, ":", 2)
		if len(parts) != 2 {
			geoDB.Close()
			return nil, fmt.Errorf("unable to parse location rule %q", r)
		}
		place := strings.ToLower(parts[0])
		value, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			geoDB.Close()
			return nil, fmt.Errorf("unable to parse geoname id in rule %q: %w", r, err)
		}
		switch place {
		case "continent", "country", "city":
			ids[fmt.Sprintf("%s:%d", place, value)] = struct{}{}
		default:
			geoDB.Close()
			return nil, fmt.Errorf("unknown location kind %q in rule %q; must be continent, country or city", place, r)
		}
	}
	return &GeoMatcher{geoDB: geoDB, ids: ids}, nil
}

func (m *GeoMatcher) Match(q *dns.Msg, ci ClientInfo) bool {
	var record struct {
		Continent struct {
			GeoNameID uint `maxminddb:"geoname_id"`
		} `maxminddb:"continent"`
		Country struct {
			GeoNameID uint `maxminddb:"geoname_id"`
		} `maxminddb:"country"`
		City struct {
			GeoNameID uint `maxminddb:"geoname_id"`
		} `maxminddb:"city"`
	}

	if err := m.geoDB.Lookup(ci.SourceIP, &record); err != nil {
		Log.WithField("ip", ci.SourceIP).WithError(err).Error("geo location lookup failed")
		return false
	}
	for _, key := range []string{
		fmt.Sprintf("continent:%d", record.Continent.GeoNameID),
		fmt.Sprintf("country:%d", record.Country.GeoNameID),
		fmt.Sprintf("city:%d", record.City.GeoNameID),
	} {
		if _, ok := m.ids[key]; ok {
			return true
		}
	}
	return false
}

func (m *GeoMatcher) String() string {
	return "geo"
}

// Close releases the underlying GeoIP database file.
func (m *GeoMatcher) Close() error {
	return m.geoDB.Close()
}
