package engine

import (
	"context"
	"fmt"

	"github.com/gypyanpeng/agent-history/internal/models"
)

// EchoEngine repeats the last user message. It needs no network.
type EchoEngine struct{}

func NewEchoEngine() *EchoEngine {
	return &EchoEngine{}
}

func (e *EchoEngine) Invoke(ctx context.Context, history []models.Message, state []byte) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	st, err := DecodeState(state)
	if err != nil {
		st = State{}
	}
	st.Turns++

	return Reply{
		Content: fmt.Sprintf("You said: %s (%d messages in context)", lastUser(history), len(history)),
		State:   st.Encode(),
	}, nil
}
