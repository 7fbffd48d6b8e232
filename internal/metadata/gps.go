package metadata

import (
	"regexp"
	"strconv"
	"strings"
)

// Location is a capture position normalized to signed decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

var dmsPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\D+(\d+(?:\.\d+)?)?\D*(\d+(?:\.\d+)?)?\D*([NSEWnsew])`)

var iso6709Pattern = regexp.MustCompile(`^([+-]\d{2}(?:\.\d+)?)([+-]\d{3}(?:\.\d+)?)(?:[+-]\d+(?:\.\d+)?)?/?$`)

// parseDecimal parses a plain signed decimal coordinate, returning false for
// anything non-numeric.
func parseDecimal(value string) (float64, bool) {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, false
	}
	return parsed, true
}

// parseDMS parses a degrees-minutes-seconds coordinate with a trailing
// hemisphere letter, e.g. `51 deg 30' 12.6" N`.
func parseDMS(value string) (float64, bool) {
	m := dmsPattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, false
	}

	degrees, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}

	minutes := 0.0
	if m[2] != "" {
		minutes, err = strconv.ParseFloat(m[2], 64)
		if err != nil {
			return 0, false
		}
	}

	seconds := 0.0
	if m[3] != "" {
		seconds, err = strconv.ParseFloat(m[3], 64)
		if err != nil {
			return 0, false
		}
	}

	decimal := degrees + minutes/60 + seconds/3600
	switch strings.ToUpper(m[4]) {
	case "S", "W":
		decimal = -decimal
	}
	return decimal, true
}

// parseISO6709 parses a packed ISO-6709 location string such as
// "+48.8577+002.295/" into a lat/lon pair.
func parseISO6709(value string) *Location {
	m := iso6709Pattern.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return nil
	}

	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil
	}
	return &Location{Lat: lat, Lon: lon}
}

// parseCoordinate accepts either decimal or DMS notation.
func parseCoordinate(value string) (float64, bool) {
	if v, ok := parseDecimal(value); ok {
		return v, true
	}
	return parseDMS(value)
}

// extractLocation pulls a capture location out of a merged tag map, trying the
// packed ISO-6709 form first and separate latitude/longitude tags second.
func extractLocation(tags map[string]string) *Location {
	if iso := pickFirstValue(tags, "location", "com.apple.quicktime.location.iso6709"); iso != "" {
		if loc := parseISO6709(iso); loc != nil {
			return loc
		}
	}

	rawLat := pickFirstValue(tags, "gpslatitude", "latitude", "location_latitude")
	rawLon := pickFirstValue(tags, "gpslongitude", "longitude", "location_longitude")
	if rawLat == "" || rawLon == "" {
		return nil
	}

	lat, okLat := parseCoordinate(rawLat)
	lon, okLon := parseCoordinate(rawLon)
	if !okLat || !okLon {
		return nil
	}
	return &Location{Lat: lat, Lon: lon}
}
