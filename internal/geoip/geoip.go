package geoip

import (
    "net"

    "github.com/oschwald/geoip2-golang"
)

// DB bundles the optional MaxMind country and ASN databases used to enrich
// audit events. Either reader may be absent; a nil DB answers everything
// with zero values.
type DB struct {
    country *geoip2.Reader
    asn     *geoip2.Reader
}

// Open loads the databases whose paths are non-empty.
func Open(countryPath, asnPath string) (*DB, error) {
    db := &DB{}
    var err error
    if countryPath != "" {
        if db.country, err = geoip2.Open(countryPath); err != nil {
            return nil, err
        }
    }
    if asnPath != "" {
        if db.asn, err = geoip2.Open(asnPath); err != nil {
            db.Close()
            return nil, err
        }
    }
    return db, nil
}

func (d *DB) Close() {
    if d == nil {
        return
    }
    if d.country != nil {
        d.country.Close()
    }
    if d.asn != nil {
        d.asn.Close()
    }
}

// Country returns the ISO code for ip, or "" when unknown.
func (d *DB) Country(ip net.IP) string {
    if d == nil || d.country == nil {
        return ""
    }
    rec, err := d.country.Country(ip)
    if err != nil {
        return ""
    }
    return rec.Country.IsoCode
}

// ASN returns the autonomous system number and organisation for ip.
func (d *DB) ASN(ip net.IP) (uint, string) {
    if d == nil || d.asn == nil {
        return 0, ""
    }
    rec, err := d.asn.ASN(ip)
    if err != nil {
        return 0, ""
    }
    return rec.AutonomousSystemNumber, rec.AutonomousSystemOrganization
}
