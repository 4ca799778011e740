package events

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Publisher sends a payload to a message topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// LogHandler writes each event to the logger.
func LogHandler(logger *zap.Logger) Handler {
	return HandlerFunc(func(_ context.Context, event Event) error {
		logger.Info("webmention event",
			zap.String("class", event.Class),
			zap.String("event", event.Name),
			zap.Strings("args", event.Args),
		)
		return nil
	})
}

// PublishHandler forwards each event to topic.
func PublishHandler(publisher Publisher, topic string) Handler {
	return HandlerFunc(func(ctx context.Context, event Event) error {
		if _, err := publisher.Publish(ctx, topic, event); err != nil {
			return fmt.Errorf("publish event: %w", err)
		}
		return nil
	})
}

// Factory builds the handler registered under a configured name.
type Factory func(name string) (Handler, error)

// Build registers one handler per configured name for the webmention class.
func Build(registry *Registry, names []string, factory Factory) error {
	for _, name := range names {
		handler, err := factory(name)
		if err != nil {
			return fmt.Errorf("event handler %q: %w", name, err)
		}
		registry.Register(ClassWebmention, name, handler)
	}
	return nil
}
