// Package strategies holds the survey export strategies.
//
// Each strategy is a fixed mapping from a survey to the files it
// contributes. Visibility rules (what a non-admin may see) are written into
// the queries here and nowhere else.
package strategies

import (
	sq "github.com/Masterminds/squirrel"
)

// File names of the archive entries.
const (
	MetadataFile     = "survey_metadata.json"
	ObservationsFile = "observations.json"
	ParticipantsFile = "participants.json"
	TelemetryFile    = "telemetry.json"
)

// psql builds statements with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// coordinate selects a coordinate column, rounded to about a kilometre for
// callers who may not see exact locations.
func coordinate(column, alias string, exact bool) string {
	if exact {
		return column + " AS " + alias
	}
	return "round(" + column + "::numeric, 2) AS " + alias
}
