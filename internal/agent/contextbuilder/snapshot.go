package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/informed-assistant/server/internal/agent/model"
)

// ErrNoLocation is returned for users without a zip code.
var ErrNoLocation = errors.New("user has no location")

// SnapshotBuilder renders the weather context of a query from the latest
// ingested snapshot for the user's zip code.
type SnapshotBuilder struct {
	source model.SnapshotSource
}

func NewSnapshotBuilder(source model.SnapshotSource) *SnapshotBuilder {
	return &SnapshotBuilder{source: source}
}

func (b *SnapshotBuilder) BuildContext(ctx context.Context, user *model.User) (string, error) {
	if user == nil || strings.TrimSpace(user.ZipCode) == "" {
		return "", ErrNoLocation
	}
	snap, err := b.source.Snapshot(ctx, user.ZipCode)
	if err != nil {
		return "", fmt.Errorf("weather snapshot for %s: %w", user.ZipCode, err)
	}
	return Render(snap), nil
}

// Render formats a snapshot as prompt context.
func Render(s *model.WeatherSnapshot) string {
	var b strings.Builder
	location := s.Location
	if location == "" {
		location = s.ZipCode
	}
	fmt.Fprintf(&b, "Location: %s\n", location)
	fmt.Fprintf(&b, "Current Weather: %.0f°F (feels like %.0f°F), %s\n", s.TempF, s.FeelsLikeF, s.Condition)
	fmt.Fprintf(&b, "Wind: %.0f mph from %s\n", s.WindMph, s.WindDir)
	fmt.Fprintf(&b, "Humidity: %d%%, Precipitation: %.2f inches\n", s.Humidity, s.PrecipIn)
	fmt.Fprintf(&b, "Air Quality Index (US EPA): %d\n\n", s.AQI)

	b.WriteString("Today's Forecast:\n")
	fmt.Fprintf(&b, "High: %.0f°F, Low: %.0f°F\n", s.MaxTempF, s.MinTempF)
	fmt.Fprintf(&b, "Condition: %s\n", s.Forecast)
	fmt.Fprintf(&b, "Chance of Rain: %d%%\n", s.ChanceOfRain)

	if len(s.Alerts) > 0 {
		b.WriteString("\nWeather Alerts:\n")
		for _, a := range s.Alerts {
			fmt.Fprintf(&b, "Alert: %s\n", a)
		}
	}
	if !s.ObservedAt.IsZero() {
		fmt.Fprintf(&b, "\nObserved at: %s\n", s.ObservedAt.UTC().Format("2006-01-02 15:04 MST"))
	}
	return b.String()
}

var _ model.ContextBuilder = (*SnapshotBuilder)(nil)
