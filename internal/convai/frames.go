package convai

import (
	"encoding/json"

	"github.com/ashureev/counsel-labs/internal/domain"
)

// Frame types exchanged with the conversation endpoint.
const (
	frameClientData     = "client_data"
	frameMetadata       = "metadata"
	frameUserAudioChunk = "user_audio_chunk"
	frameAgentResponse  = "agent_response"
	frameAudioResponse  = "audio_response"
)

type outboundFrame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type clientData struct {
	ConversationID string         `json:"conversation_id"`
	UserID         string         `json:"user_id"`
	Context        contextPayload `json:"context"`
}

type userChunk struct {
	IsFinal bool   `json:"is_final"`
	Text    string `json:"text"`
}

type contextPayload struct {
	CareerCounseling bool               `json:"career_counseling"`
	Message          string             `json:"message"`
	UserProfile      *userProfile       `json:"user_profile,omitempty"`
	PsychometricData *psychometricBlock `json:"psychometric_data,omitempty"`
}

type userProfile struct {
	Name         string `json:"name"`
	GradeClass   string `json:"grade_class"`
	Expectations string `json:"expectations"`
}

type psychometricBlock struct {
	Interests          []string       `json:"interests"`
	Skills             []string       `json:"skills"`
	PersonalityType    string         `json:"personality_type"`
	Aptitude           map[string]int `json:"aptitude"`
	RecommendedCareers []string       `json:"recommended_careers"`
	SubjectsInterested []string       `json:"subjects_interested"`
}

type inboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type inboundData struct {
	Text    string `json:"text"`
	Audio   string `json:"audio"`
	IsFinal bool   `json:"is_final"`
}

// buildContext maps a UserContext onto the vendor context payload.
// The profile block is present whenever a profile is; the psychometric block
// only when an assessment snapshot exists.
func buildContext(message string, uc *domain.UserContext) contextPayload {
	payload := contextPayload{CareerCounseling: true, Message: message}
	if uc.Empty() {
		return payload
	}

	payload.UserProfile = &userProfile{
		Name:         uc.Profile.Name,
		GradeClass:   uc.Profile.GradeClass,
		Expectations: uc.Profile.Expectations,
	}

	if a := uc.Assessment; a != nil {
		payload.PsychometricData = &psychometricBlock{
			Interests:          nonNil(a.Interests),
			Skills:             nonNil(a.Skills),
			PersonalityType:    a.PersonalityType,
			Aptitude:           a.Aptitude,
			RecommendedCareers: nonNil(a.RecommendedCareers),
			SubjectsInterested: nonNil(a.SubjectsInterested),
		}
		if payload.PsychometricData.Aptitude == nil {
			payload.PsychometricData.Aptitude = map[string]int{}
		}
	}
	return payload
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
