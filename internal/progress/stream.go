package progress

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/polzovatel/plan-runner-for-browser/internal/plan"
)

const streamWriteTimeout = 5 * time.Second

// Event is the wire frame pushed to a websocket consumer.
type Event struct {
	Type    string      `json:"type"`
	RunID   string      `json:"run_id"`
	Payload interface{} `json:"payload,omitempty"`
}

type planStartedPayload struct {
	Goal  string               `json:"goal"`
	Steps []plan.FormattedStep `json:"steps"`
}

type planFinishedPayload struct {
	Success bool `json:"success"`
}

// Stream pushes run events to a websocket endpoint. Writes are serialized
// and best-effort: a failed push is logged and the run continues.
type Stream struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	logger zerolog.Logger
}

// DialStream connects to a progress consumer, e.g. ws://host:port/runs.
func DialStream(ctx context.Context, url string, logger zerolog.Logger) (*Stream, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("url", url).Msg("progress stream connected")
	return &Stream{conn: conn, logger: logger}, nil
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "run complete")
}

func (s *Stream) push(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, s.conn, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", ev.Type).Msg("progress push failed")
	}
}

func (s *Stream) PlanStarted(runID, goal string, steps []plan.FormattedStep) {
	s.push(Event{Type: "plan_started", RunID: runID, Payload: planStartedPayload{Goal: goal, Steps: steps}})
}

func (s *Stream) StepInterim(runID string, r plan.StepResult) {
	s.push(Event{Type: "step_interim", RunID: runID, Payload: r})
}

func (s *Stream) StepFinal(runID string, r plan.StepResult) {
	s.push(Event{Type: "step_final", RunID: runID, Payload: r})
}

func (s *Stream) PlanFinished(runID string, success bool) {
	s.push(Event{Type: "plan_finished", RunID: runID, Payload: planFinishedPayload{Success: success}})
}
