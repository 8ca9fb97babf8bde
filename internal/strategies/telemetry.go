package strategies

import (
	"context"
	"fmt"

	"github.com/JonMunkholm/fieldexport/internal/export"
	"github.com/JonMunkholm/fieldexport/internal/stream"
	sq "github.com/Masterminds/squirrel"
)

// Telemetry exports sensor readings of every device deployed in the
// survey as one file.
//
// The device list is looked up when the archive is wired; readings are then
// streamed one device at a time, each device through its own cursor, so
// only one device's cursor is open at once.
type Telemetry struct {
	SurveyID int64
	IsAdmin  bool
}

func (Telemetry) Name() string { return KeyTelemetry }

// Produce implements export.Strategy.
func (t Telemetry) Produce(context.Context, *export.Scope) (export.Config, error) {
	return export.Config{
		Streams: []export.StreamSource{{Open: t.open, FileName: TelemetryFile}},
	}, nil
}

func (t Telemetry) open(ctx context.Context, scope *export.Scope) (stream.Source, error) {
	devices, err := scope.Client.Query(ctx, psql.
		Select("d.id").
		From("devices d").
		Where(sq.Eq{"d.survey_id": t.SurveyID}).
		OrderBy("d.id"))
	if err != nil {
		return nil, fmt.Errorf("list survey devices: %w", err)
	}

	openers := make([]stream.Opener, 0, len(devices))
	for _, d := range devices {
		deviceID := d["id"]
		openers = append(openers, func(ctx context.Context) (stream.Source, error) {
			cur := scope.Cursor(t.readings(deviceID))
			if err := cur.Execute(ctx); err != nil {
				cur.Close()
				return nil, fmt.Errorf("readings of device %v: %w", deviceID, err)
			}
			return cur, nil
		})
	}
	return stream.Concat(openers...), nil
}

func (t Telemetry) readings(deviceID any) sq.SelectBuilder {
	return psql.
		Select(
			"r.device_id",
			"r.recorded_at",
			"r.battery_pct",
			"r.temperature_c",
			coordinate("r.latitude", "latitude", t.IsAdmin),
			coordinate("r.longitude", "longitude", t.IsAdmin),
		).
		From("telemetry_readings r").
		Where(sq.Eq{"r.device_id": deviceID}).
		OrderBy("r.recorded_at")
}
