package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
)

// Product is a catalog entry: a single Sentinel-2 acquisition
type Product struct {
	ID   string
	Name string // Always ends with .SAFE
}

// NewProduct creates a product from a raw catalog row, normalizing its name
func NewProduct(id, name string) Product {
	return Product{ID: id, Name: ContainerName(name)}
}

// SourceID returns the name of the product without the container suffix
func (p Product) SourceID() string {
	return strings.TrimSuffix(p.Name, ExtensionSAFE)
}

// SearchCriteria defines the products to look for
type SearchCriteria struct {
	Start     time.Time
	End       time.Time
	CloudRate float64 // Maximum cloud cover percentage, in [0, 100]
	Lat       float64
	Lon       float64
}

// Day returns the UTC day of t, at midnight. The catalog is searched by day.
func Day(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Validate checks the invariants of the criteria.
// The start day must be before the end day. NaN is never in range.
func (c SearchCriteria) Validate() error {
	if !Day(c.Start).Before(Day(c.End)) {
		return fmt.Errorf("start date (%s) must be before end date (%s)", c.Start.UTC().Format("2006-01-02"), c.End.UTC().Format("2006-01-02"))
	}
	if !(c.CloudRate >= 0 && c.CloudRate <= 100) {
		return fmt.Errorf("cloud rate must be in [0, 100], got %v", c.CloudRate)
	}
	if !(c.Lat >= -90 && c.Lat <= 90) {
		return fmt.Errorf("latitude must be in [-90, 90], got %v", c.Lat)
	}
	if !(c.Lon >= -180 && c.Lon <= 180) {
		return fmt.Errorf("longitude must be in [-180, 180], got %v", c.Lon)
	}
	return nil
}

// ParseSearchCriteria parses and validates user inputs.
// Dates accept most common layouts (2023-01-01, 2023/01/01, 01/02/2023...)
func ParseSearchCriteria(start, end, cloudRate, lat, lon string) (SearchCriteria, error) {
	var c SearchCriteria
	var err error
	if c.Start, err = dateparse.ParseIn(strings.TrimSpace(start), time.UTC); err != nil {
		return c, fmt.Errorf("invalid start date %q: %w", start, err)
	}
	if c.End, err = dateparse.ParseIn(strings.TrimSpace(end), time.UTC); err != nil {
		return c, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if c.CloudRate, err = strconv.ParseFloat(strings.TrimSpace(cloudRate), 64); err != nil {
		return c, fmt.Errorf("invalid cloud rate %q: %w", cloudRate, err)
	}
	if c.Lat, err = strconv.ParseFloat(strings.TrimSpace(lat), 64); err != nil {
		return c, fmt.Errorf("invalid latitude %q: %w", lat, err)
	}
	if c.Lon, err = strconv.ParseFloat(strings.TrimSpace(lon), 64); err != nil {
		return c, fmt.Errorf("invalid longitude %q: %w", lon, err)
	}
	return c, c.Validate()
}
