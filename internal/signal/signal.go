package signal

import "time"

// Mode is the operational stance inferred for a message.
type Mode string

const (
	ModeExecute  Mode = "execute"
	ModeAssist   Mode = "assist"
	ModeAnalyze  Mode = "analyze"
	ModeBuild    Mode = "build"
	ModeMaintain Mode = "maintain"
)

// Genre is the speech-act classification.
type Genre string

const (
	GenreDirect  Genre = "direct"
	GenreInform  Genre = "inform"
	GenreCommit  Genre = "commit"
	GenreDecide  Genre = "decide"
	GenreExpress Genre = "express"
)

// Signal is the 5-tuple classification of one inbound message plus its
// informational weight. Weight is always clamped to [0,1]; messages below
// the configured noise threshold never reach the LLM.
type Signal struct {
	Mode      Mode      `json:"mode"`
	Genre     Genre     `json:"genre"`
	Type      string    `json:"type"`   // question, command, report, ...
	Format    string    `json:"format"` // command, message, webhook, ...
	Weight    float64   `json:"weight"`
	Channel   string    `json:"channel"`
	Timestamp time.Time `json:"timestamp"`
}

// Clamp forces the weight into [0,1].
func (s *Signal) Clamp() {
	if s.Weight < 0 {
		s.Weight = 0
	}
	if s.Weight > 1 {
		s.Weight = 1
	}
}

// Below reports whether the signal falls under the noise threshold.
func (s *Signal) Below(threshold float64) bool {
	return s.Weight < threshold
}
