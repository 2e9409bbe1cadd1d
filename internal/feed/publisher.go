package feed

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/bracketbot/internal/domain"
)

// Publisher writes position events to the bus: a pub/sub message on the
// positions channel for live listeners and a stream entry for replay.
type Publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(bus domain.SignalBus, logger *slog.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger.With(slog.String("component", "position_publisher"))}
}

// Publish is a tracker event hook. Failures are logged; the tracker never
// waits on the bus.
func (p *Publisher) Publish(ctx context.Context, ev domain.PositionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.WarnContext(ctx, "encode position event", slog.String("error", err.Error()))
		return
	}
	if err := p.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		p.logger.WarnContext(ctx, "publish position event",
			slog.String("signal_id", ev.Record.SignalID),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamPositions, payload); err != nil {
		p.logger.WarnContext(ctx, "append position event",
			slog.String("signal_id", ev.Record.SignalID),
			slog.String("error", err.Error()),
		)
	}
}
