package strategies

import (
	"context"

	"github.com/JonMunkholm/fieldexport/internal/export"
	sq "github.com/Masterminds/squirrel"
)

// Participants exports the people enrolled in the survey. Contact details
// are admin-only.
type Participants struct {
	SurveyID int64
	IsAdmin  bool
}

func (Participants) Name() string { return KeyParticipants }

// Produce implements export.Strategy.
func (p Participants) Produce(context.Context, *export.Scope) (export.Config, error) {
	columns := []string{"p.id", "p.display_name", "sp.role", "sp.joined_at"}
	if p.IsAdmin {
		columns = append(columns, "p.email", "p.phone")
	}

	q := psql.
		Select(columns...).
		From("survey_participants sp").
		Join("participants p ON p.id = sp.participant_id").
		Where(sq.Eq{"sp.survey_id": p.SurveyID}).
		OrderBy("sp.joined_at", "p.id")

	return export.Config{
		Queries: []export.QuerySource{{Query: q, FileName: ParticipantsFile}},
	}, nil
}
