package transport

import (
	"time"

	"github.com/energizer-project/relay/internal/network"
	"github.com/energizer-project/relay/internal/priority"
	"github.com/energizer-project/relay/internal/protocol"
)

// InboundTask is a validated frame waiting for dispatch.
type InboundTask struct {
	Remote network.Remote
	Header protocol.Header
	Frame  *protocol.Buffer
	Level  priority.Level
	At     time.Time
}

func (t *InboundTask) Priority() priority.Level { return t.Level }
func (t *InboundTask) EnqueuedAt() time.Time    { return t.At }

// OutboundTask holds encoded frames waiting to be written to their remote.
// The frames of one task are written in order by a single worker; a
// fragmented message is always one task.
type OutboundTask struct {
	Remote network.Remote
	Type   protocol.MessageType
	Frames [][]byte
	Level  priority.Level
	At     time.Time
	// CloseAfter closes the remote once the frames are written.
	CloseAfter bool
}

func (t *OutboundTask) Priority() priority.Level { return t.Level }
func (t *OutboundTask) EnqueuedAt() time.Time    { return t.At }
