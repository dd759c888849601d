package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kstaniek/go-serial-link/internal/hub"
	"github.com/kstaniek/go-serial-link/internal/mqttsink"
	"github.com/kstaniek/go-serial-link/internal/transport"
)

// newSink is a hook for tests.
var newSink = mqttsink.New

// startMQTT connects the sink and starts publishing hub frames. Requests
// published on the tx topic go through dec and send like TCP requests.
func startMQTT(ctx context.Context, cfg *appConfig, h *hub.Hub, dec transport.RequestDecoder, send func([]byte) error, l *slog.Logger, wg *sync.WaitGroup) (func(), error) {
	if cfg.mqttURL == "" {
		return func() {}, nil
	}
	sink, err := newSink(cfg.mqttURL, mqttsink.WithLogger(l), mqttsink.WithRequests(dec, send))
	if err != nil {
		return nil, err
	}
	if err := sink.Connect(mqttConnectTimeout); err != nil {
		return nil, err
	}
	l.Info("mqtt_started", "rx_line", sink.Topic(mqttsink.TopicRxLine), "rx_frame", sink.Topic(mqttsink.TopicRxFrame), "tx", sink.Topic(mqttsink.TopicTx))
	wg.Add(1)
	go func() {
		defer wg.Done()
		sink.Run(ctx, h)
	}()
	return func() { _ = sink.Close() }, nil
}
