package strategies

import (
	"context"

	"github.com/JonMunkholm/fieldexport/internal/export"
	sq "github.com/Masterminds/squirrel"
)

// Observation exports the survey's field observations.
//
// Admins get every observation with observer identity and exact
// coordinates. Everyone else gets approved observations only, without the
// observer and with rounded coordinates.
type Observation struct {
	SurveyID int64
	IsAdmin  bool
}

func (Observation) Name() string { return KeyObservation }

// Produce implements export.Strategy.
func (o Observation) Produce(context.Context, *export.Scope) (export.Config, error) {
	columns := []string{
		"o.id",
		"o.species",
		"o.count",
		"o.observed_at",
		coordinate("o.latitude", "latitude", o.IsAdmin),
		coordinate("o.longitude", "longitude", o.IsAdmin),
		"o.notes",
	}
	if o.IsAdmin {
		columns = append(columns, "o.observer_id", "o.status")
	}

	q := psql.
		Select(columns...).
		From("observations o").
		Where(sq.Eq{"o.survey_id": o.SurveyID})
	if !o.IsAdmin {
		q = q.Where(sq.Eq{"o.status": "approved"})
	}
	q = q.OrderBy("o.observed_at", "o.id")

	return export.Config{
		Queries: []export.QuerySource{{Query: q, FileName: ObservationsFile}},
	}, nil
}
