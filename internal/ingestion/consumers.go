package ingestion

import (
	"fmt"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-conversation-engine/pkg/logger"
)

// Consumers starts and stops a set of consumers together.
type Consumers struct {
	all     []ConsumerInterface
	started []ConsumerInterface
}

func NewConsumers(consumers ...ConsumerInterface) *Consumers {
	return &Consumers{all: consumers}
}

// Start sets up and subscribes every consumer in order. On the first failure the
// consumers already started are stopped and the error is returned.
func (c *Consumers) Start() error {
	for i, consumer := range c.all {
		if err := consumer.Setup(); err != nil {
			c.Stop()
			return fmt.Errorf("consumer %d setup: %w", i, err)
		}
		if err := consumer.Start(); err != nil {
			c.Stop()
			return fmt.Errorf("consumer %d start: %w", i, err)
		}
		c.started = append(c.started, consumer)
	}
	logger.Log.Info("Consumers started", zap.Int("count", len(c.started)))
	return nil
}

// Stop stops the started consumers in reverse order.
func (c *Consumers) Stop() {
	for i := len(c.started) - 1; i >= 0; i-- {
		c.started[i].Stop()
	}
	c.started = nil
}
