package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Message is the outbound wire format: one JSON object per successful
// register read. Timestamp is epoch milliseconds.
type Message struct {
	Timestamp       int64    `json:"timestamp"`
	PLCName         string   `json:"plc_name"`
	RegisterAddress uint16   `json:"register_address"`
	Value           []uint16 `json:"value"`
}

// Channel is the persistent outbound connection to the telemetry endpoint.
// Delivery beyond a successful hand-off (queuing, reconnect, retry) is the
// channel's own concern.
type Channel interface {
	Publish(ctx context.Context, payload []byte) error
	Close() error
}

// Publisher converts successful readings into telemetry messages and hands
// them to the channel, exactly one send attempt per reading. It performs no
// batching, reordering or retries.
type Publisher struct {
	ch  Channel
	now func() time.Time
}

func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch, now: time.Now}
}

// Publish builds and sends one message for a successful read. A non-nil
// error means the hand-off failed; the caller logs it and moves on.
func (p *Publisher) Publish(ctx context.Context, deviceName string, address uint16, values []uint16) error {
	msg := Message{
		Timestamp:       p.now().UnixMilli(),
		PLCName:         deviceName,
		RegisterAddress: address,
		Value:           values,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode telemetry message")
	}
	if err := p.ch.Publish(ctx, payload); err != nil {
		return errors.Wrapf(err, "publish %s@%d", deviceName, address)
	}
	log.Debug().RawJSON("message", payload).Msg("telemetry published")
	return nil
}
