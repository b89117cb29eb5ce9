package main

import (
	"fmt"

	"github.com/galdor/go-grid/pkg/grid"
	"github.com/galdor/go-grid/pkg/raft"
	"github.com/galdor/go-program"
)

func cmdPubSub(p *program.Program) {
	d := NewDemo(p)

	emitters := make([]*grid.PubSub[[]byte], len(d.Clients))

	for i, client := range d.Clients {
		emitter, err := client.CreatePubSub("general-channel")
		if err != nil {
			p.Fatal("cannot create pubsub: %v", err)
		}

		emitters[i] = emitter
	}

	d.Run(func() error {
		return pubSubExample(d, emitters)
	})
}

func pubSubExample(d *Demo, emitters []*grid.PubSub[[]byte]) error {
	d.Log.Info("emitting events")

	// Each client subscribes to its own event; events are delivered on
	// every client, the publisher included.
	for i, emitter := range emitters {
		clientId := d.Clients[i].LocalEndpointId()
		eventName := fmt.Sprintf("event_%d", i+1)

		_, err := emitter.Subscribe(eventName,
			func(data []byte, sourceId raft.EndpointId) {
				d.Log.Info("%s received %s from %s: %s",
					clientId, eventName, sourceId, string(data))
			})
		if err != nil {
			return fmt.Errorf("cannot subscribe to %s: %w", eventName, err)
		}
	}

	for i, emitter := range emitters {
		clientId := d.Clients[i].LocalEndpointId()
		eventName := fmt.Sprintf("event_%d", i+1)

		ctx, cancel := d.Context()
		err := emitter.Publish(ctx, eventName,
			[]byte(fmt.Sprintf("hello from %s", clientId)))
		cancel()

		if err != nil {
			return fmt.Errorf("cannot publish %s: %w", eventName, err)
		}
	}

	return nil
}
