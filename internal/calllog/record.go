package calllog

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/omarmfza1-glitch/nexus-miracle/internal/session"
)

// TurnRecord is one persisted transcript entry
type TurnRecord struct {
	Index             int       `json:"index" bson:"index"`
	Text              string    `json:"text" bson:"text"`
	Reply             string    `json:"reply" bson:"reply"`
	Persona           string    `json:"persona" bson:"persona"`
	GenerationFailed  bool      `json:"generation_failed,omitempty" bson:"generation_failed,omitempty"`
	SynthesisDegraded bool      `json:"synthesis_degraded,omitempty" bson:"synthesis_degraded,omitempty"`
	FillerPlayed      bool      `json:"filler_played,omitempty" bson:"filler_played,omitempty"`
	RecognitionMs     int64     `json:"recognition_ms" bson:"recognition_ms"`
	GenerationMs      int64     `json:"generation_ms" bson:"generation_ms"`
	SynthesisMs       int64     `json:"synthesis_ms" bson:"synthesis_ms"`
	TotalMs           int64     `json:"total_ms" bson:"total_ms"`
	StartedAt         time.Time `json:"started_at" bson:"started_at"`
}

// Summary is the AI generated call summary
type Summary struct {
	Text      string   `json:"summary" bson:"summary"`
	Tags      []string `json:"tags,omitempty" bson:"tags,omitempty"`
	KeyPoints []string `json:"key_points,omitempty" bson:"key_points,omitempty"`
	Sentiment string   `json:"sentiment,omitempty" bson:"sentiment,omitempty"`
}

// Record is a finished call as stored in the calls collection
type Record struct {
	CallID          string                  `json:"call_sid"`
	StreamID        string                  `json:"stream_sid,omitempty"`
	Phone           string                  `json:"from_number"`
	Direction       string                  `json:"direction,omitempty"`
	Status          session.Status          `json:"status"`
	EndReason       string                  `json:"end_reason,omitempty"`
	StartedAt       time.Time               `json:"started_at"`
	EndedAt         time.Time               `json:"ended_at"`
	DurationSeconds float64                 `json:"duration_seconds"`
	Greeting        string                  `json:"greeting,omitempty"`
	Turns           []TurnRecord            `json:"transcript"`
	Counters        session.Counters        `json:"counters"`
	AvgLatencyMs    float64                 `json:"avg_latency_ms"`
	FinalPersona    string                  `json:"final_persona"`
	PersonaSwitches []session.PersonaSwitch `json:"persona_switches,omitempty"`
	Errors          []session.ErrorMarker   `json:"errors,omitempty"`
	Summary         *Summary                `json:"summary,omitempty"`
}

// FromSession builds a record from an ended session
func FromSession(sess *session.Session, reason string) *Record {
	call := sess.Call()
	ended := time.Now()
	if call.EndedAt != nil {
		ended = *call.EndedAt
	}

	transcript := sess.Transcript()
	turns := make([]TurnRecord, len(transcript))
	for i, t := range transcript {
		turns[i] = TurnRecord{
			Index:             t.Index,
			Text:              t.Text,
			Reply:             t.Reply,
			Persona:           t.Persona,
			GenerationFailed:  t.GenerationFailed,
			SynthesisDegraded: t.SynthesisDegraded,
			FillerPlayed:      t.FillerPlayed,
			RecognitionMs:     t.Latency.Recognition.Milliseconds(),
			GenerationMs:      t.Latency.Generation.Milliseconds(),
			SynthesisMs:       t.Latency.Synthesis.Milliseconds(),
			TotalMs:           t.Latency.Total.Milliseconds(),
			StartedAt:         t.StartedAt,
		}
	}

	return &Record{
		CallID:          call.ID,
		StreamID:        call.StreamID,
		Phone:           call.Phone,
		Direction:       call.Direction,
		Status:          call.Status,
		EndReason:       reason,
		StartedAt:       call.StartedAt,
		EndedAt:         ended,
		DurationSeconds: ended.Sub(call.StartedAt).Seconds(),
		Greeting:        sess.Greeting(),
		Turns:           turns,
		Counters:        sess.Counters(),
		AvgLatencyMs:    float64(sess.AverageLatency()) / float64(time.Millisecond),
		FinalPersona:    sess.Persona(),
		PersonaSwitches: sess.PersonaSwitches(),
		Errors:          sess.Errors(),
	}
}

// ConversationText renders the transcript for summarization
func (r *Record) ConversationText() string {
	var b strings.Builder
	if r.Greeting != "" {
		b.WriteString("Assistant: ")
		b.WriteString(r.Greeting)
		b.WriteByte('\n')
	}
	for _, t := range r.Turns {
		if t.Text != "" {
			b.WriteString("Caller: ")
			b.WriteString(t.Text)
			b.WriteByte('\n')
		}
		if t.Reply != "" {
			b.WriteString("Assistant (")
			b.WriteString(t.Persona)
			b.WriteString("): ")
			b.WriteString(t.Reply)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// Document returns the $set payload for the calls collection
func (r *Record) Document() bson.M {
	doc := bson.M{
		"call_sid":         r.CallID,
		"from_number":      r.Phone,
		"status":           string(r.Status),
		"end_reason":       r.EndReason,
		"started_at":       r.StartedAt,
		"ended_at":         r.EndedAt,
		"duration_seconds": r.DurationSeconds,
		"transcript":       r.Turns,
		"turn_count":       r.Counters.Turns,
		"interruptions":    r.Counters.Interruptions,
		"error_count":      r.Counters.Errors,
		"filler_count":     r.Counters.Fillers,
		"degraded_turns":   r.Counters.Degraded,
		"avg_latency_ms":   r.AvgLatencyMs,
		"final_persona":    r.FinalPersona,
		"persona_switches": r.PersonaSwitches,
		"updated_at":       time.Now(),
	}
	if r.StreamID != "" {
		doc["stream_sid"] = r.StreamID
	}
	if r.Greeting != "" {
		doc["greeting"] = r.Greeting
	}
	if r.Direction != "" {
		doc["direction"] = r.Direction
	}
	if len(r.Errors) > 0 {
		doc["errors"] = r.Errors
	}
	if r.Summary != nil {
		doc["summary"] = r.Summary.Text
		doc["tags"] = r.Summary.Tags
		doc["key_points"] = r.Summary.KeyPoints
		doc["sentiment"] = r.Summary.Sentiment
	}
	return doc
}
