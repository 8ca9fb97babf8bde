package strategies

import (
	"github.com/JonMunkholm/fieldexport/internal/export"
)

// Toggle names accepted in an export request.
const (
	KeyMetadata     = "metadata"
	KeyObservation  = "observation"
	KeyParticipants = "participants"
	KeyTelemetry    = "telemetry"
)

// Registry returns the survey strategies in archive order.
func Registry(surveyID int64, isAdmin bool) []export.Registration {
	return []export.Registration{
		{Name: KeyMetadata, New: func() export.Strategy {
			return Metadata{SurveyID: surveyID}
		}},
		{Name: KeyObservation, New: func() export.Strategy {
			return Observation{SurveyID: surveyID, IsAdmin: isAdmin}
		}},
		{Name: KeyParticipants, New: func() export.Strategy {
			return Participants{SurveyID: surveyID, IsAdmin: isAdmin}
		}},
		{Name: KeyTelemetry, New: func() export.Strategy {
			return Telemetry{SurveyID: surveyID, IsAdmin: isAdmin}
		}},
	}
}

// Sections lists the toggle names in archive order.
func Sections() []string {
	reg := Registry(0, false)
	names := make([]string, len(reg))
	for i, r := range reg {
		names[i] = r.Name
	}
	return names
}

// NewSurveyExport builds the composite strategy for one survey.
func NewSurveyExport(toggles map[string]bool, surveyID int64, isAdmin bool) *export.Composite {
	return &export.Composite{
		Toggles:  toggles,
		Registry: Registry(surveyID, isAdmin),
	}
}
