package strategies

import (
	"context"

	"github.com/JonMunkholm/fieldexport/internal/export"
	sq "github.com/Masterminds/squirrel"
)

// Metadata exports the survey record itself.
type Metadata struct {
	SurveyID int64
}

func (Metadata) Name() string { return KeyMetadata }

// Produce implements export.Strategy.
func (m Metadata) Produce(context.Context, *export.Scope) (export.Config, error) {
	q := psql.
		Select(
			"s.id",
			"s.title",
			"s.description",
			"s.status",
			"s.region",
			"s.starts_at",
			"s.ends_at",
			"s.created_at",
		).
		From("surveys s").
		Where(sq.Eq{"s.id": m.SurveyID})

	return export.Config{
		Queries: []export.QuerySource{{Query: q, FileName: MetadataFile}},
	}, nil
}
