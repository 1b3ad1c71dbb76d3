package geoip

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/oschwald/maxminddb-golang"
)

// cityRecord is the subset of a GeoIP2/GeoLite2 City record we read.
type cityRecord struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
}

// MMDBProvider looks addresses up in a local City database. The reader can
// be swapped at runtime with Reload.
type MMDBProvider struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
	path   string
}

// OpenMMDB opens the database at path.
func OpenMMDB(path string) (*MMDBProvider, error) {
	p := &MMDBProvider{path: path}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *MMDBProvider) Name() string { return ProviderMMDB }

// Reload reopens the database file and replaces the current reader.
// RLock holders finish before the old reader is closed.
func (p *MMDBProvider) Reload() error {
	r, err := maxminddb.Open(p.path)
	if err != nil {
		return fmt.Errorf("geoip: open %s: %w", p.path, err)
	}
	p.mu.Lock()
	old := p.reader
	p.reader = r
	p.mu.Unlock()
	if old != nil {
		old.Close()
	}
	log.Printf("[geoip] loaded %s (%s)", p.path, r.Metadata.DatabaseType)
	return nil
}

func (p *MMDBProvider) Locate(_ context.Context, q Query) (Location, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.reader == nil {
		return Location{}, ErrNoData
	}
	var rec cityRecord
	if err := p.reader.Lookup(net.IP(q.IP.AsSlice()), &rec); err != nil {
		return Location{}, fmt.Errorf("geoip: mmdb lookup: %w", err)
	}
	city := rec.City.Names["en"]
	if city == "" {
		return Location{}, ErrNoData
	}
	return Location{
		City:        city,
		Country:     rec.Country.Names["en"],
		CountryCode: rec.Country.ISOCode,
	}, nil
}

// Close releases the reader.
func (p *MMDBProvider) Close() error {
	p.mu.Lock()
	r := p.reader
	p.reader = nil
	p.mu.Unlock()
	if r != nil {
		return r.Close()
	}
	return nil
}
