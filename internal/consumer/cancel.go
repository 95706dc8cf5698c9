package consumer

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/mqmon/mqmon/internal/cancel"
	"github.com/mqmon/mqmon/internal/event"
	"github.com/mqmon/mqmon/internal/jsoncodec"
	"github.com/mqmon/mqmon/internal/logging"
)

// CancelConsumer applies cancel commands to the local registry. A command
// for a process running elsewhere (or not running at all) is a warning, not
// an error: every worker instance consumes the cancel queue and only the one
// holding the execution can act.
type CancelConsumer struct {
	registry *cancel.Registry
	logger   logging.ServiceLogger
}

func NewCancelConsumer(registry *cancel.Registry, logger logging.ServiceLogger) *CancelConsumer {
	return &CancelConsumer{registry: registry, logger: logger}
}

func (c *CancelConsumer) Handle(msg *message.Message) error {
	var cmd event.CancelProcessCommand
	if err := jsoncodec.Unmarshal(msg.Payload, &cmd); err != nil {
		c.logger.Error("malformed cancel command", err, logging.LogFields{
			"messageUuid": msg.UUID,
		})
		return fmt.Errorf("unmarshal cancel command: %w", err)
	}

	if c.registry.Cancel(cmd.ProcessID) {
		c.logger.Info("cancellation signalled", logging.LogFields{
			"processId": cmd.ProcessID,
			"commandId": cmd.CommandID,
		})
	} else {
		c.logger.Info("no active execution for cancel command", logging.LogFields{
			"processId": cmd.ProcessID,
			"commandId": cmd.CommandID,
		})
	}
	return nil
}
