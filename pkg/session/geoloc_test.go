package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeolocDocument_BuildParse(t *testing.T) {
	expires := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	g := Geoloc{Label: "дом", Latitude: -33.8688, Longitude: 151.2093, Accuracy: 25.5, Expiration: expires}

	doc := BuildGeolocDocument("sip:alice@example.com", g)
	assert.Contains(t, string(doc), `entity="sip:alice@example.com"`)

	got, err := ParseGeolocDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, "дом", got.Label)
	assert.InDelta(t, g.Latitude, got.Latitude, 1e-9)
	assert.InDelta(t, g.Longitude, got.Longitude, 1e-9)
	assert.Equal(t, 25.5, got.Accuracy)
	assert.True(t, expires.Equal(got.Expiration))
}

func TestParseGeolocDocument_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"не xml", "<rcsenvelope"},
		{"одна координата", `<rcsenvelope><rcspushlocation id="1"><geopriv><location-info><Circle><pos>55.7</pos></Circle></location-info></geopriv></rcspushlocation></rcsenvelope>`},
		{"нечисловая широта", `<rcsenvelope><rcspushlocation id="1"><geopriv><location-info><Circle><pos>north 37.6</pos></Circle></location-info></geopriv></rcspushlocation></rcsenvelope>`},
		{"нечисловая долгота", `<rcsenvelope><rcspushlocation id="1"><geopriv><location-info><Circle><pos>55.7 east</pos></Circle></location-info></geopriv></rcspushlocation></rcsenvelope>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGeolocDocument([]byte(tt.body))
			assert.Error(t, err)
		})
	}
}
