package stages

import (
	"bytes"
	"context"

	"github.com/partvault/partvault/internal/pipeline"
)

// Collect is a Terminal stage that concatenates incoming []byte items into
// a single in-memory buffer, used for small metadata downloads where
// spilling to disk or streaming further is unnecessary.
type Collect struct {
	pipeline.BaseStage
	buf bytes.Buffer
}

// NewCollect builds a Collect stage.
func NewCollect() *Collect {
	return &Collect{BaseStage: pipeline.NewBaseStage("collect")}
}

func (c *Collect) OnItem(ctx context.Context, item any, emit pipeline.Emit) error {
	_, err := c.buf.Write(item.([]byte))
	return err
}

// Bytes returns the collected data. Valid only after OnDone has run.
func (c *Collect) Bytes() []byte {
	return c.buf.Bytes()
}
