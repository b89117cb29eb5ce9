package main

import (
	"context"
	"fmt"
	"time"

	"github.com/galdor/go-grid/pkg/grid"
	"github.com/galdor/go-grid/pkg/raft"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"golang.org/x/sync/errgroup"
)

// Demo runs two grid endpoints in the same process, connected by a memory
// network.
type Demo struct {
	Program *program.Program
	Log     *log.Logger

	Network *raft.MemoryNetwork
	Clients []*grid.Grid

	RequestTimeout time.Duration
}

func NewDemo(p *program.Program) *Demo {
	timeout, err := time.ParseDuration(p.OptionValue("request-timeout"))
	if err != nil {
		p.Fatal("invalid request timeout: %v", err)
	}

	logger := log.DefaultLogger("griddemo")

	d := Demo{
		Program: p,
		Log:     logger,

		Network: raft.NewMemoryNetwork(),

		RequestTimeout: timeout,
	}

	for _, id := range []raft.EndpointId{"client_1", "client_2"} {
		cfg := grid.Cfg{
			Id:        id,
			Transport: d.Network.Transport(id),

			Logger: logger.Child("grid", log.Data{"endpoint": string(id)}),

			MinElectionTimeout: 150 * time.Millisecond,
			MaxElectionTimeout: 300 * time.Millisecond,

			RequestTimeout: timeout,
		}

		client, err := grid.NewGrid(cfg)
		if err != nil {
			p.Fatal("cannot create grid: %v", err)
		}

		d.Clients = append(d.Clients, client)
	}

	for _, client := range d.Clients {
		for _, peer := range d.Clients {
			if peer != client {
				client.AddRemoteEndpointId(peer.LocalEndpointId())
			}
		}
	}

	return &d
}

func (d *Demo) Context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d.RequestTimeout)
}

// Start starts all clients and waits until they agree on a leader.
func (d *Demo) Start() {
	d.Log.Info("starting clients")

	for _, client := range d.Clients {
		client := client

		client.OnLeaderChanged(func(ev grid.LeaderChangedEvent) {
			d.Log.Info("%s: elected leader is %q",
				client.LocalEndpointId(), ev.ActualLeaderId)
		})
	}

	for i := len(d.Clients) - 1; i >= 0; i-- {
		if err := d.Clients[i].Start(); err != nil {
			d.Program.Fatal("cannot start grid: %v", err)
		}
	}

	ctx, cancel := d.Context()
	defer cancel()

	var eg errgroup.Group

	for _, client := range d.Clients {
		client := client

		eg.Go(func() error {
			_, err := client.WaitForLeader(ctx)
			return err
		})
	}

	if err := eg.Wait(); err != nil {
		d.Program.Fatal("cannot elect leader: %v", err)
	}

	// Clients may briefly know different leaders during an election
	for !d.leaderAgreed() {
		select {
		case <-ctx.Done():
			d.Program.Fatal("clients do not agree on the leader")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (d *Demo) leaderAgreed() bool {
	leaderId := d.Clients[0].LeaderId()

	for _, client := range d.Clients[1:] {
		if client.LeaderId() != leaderId {
			return false
		}
	}

	return leaderId != ""
}

func (d *Demo) Stop() {
	d.Log.Info("stopping clients")

	for _, client := range d.Clients {
		client.Stop()
	}
}

func (d *Demo) Run(fn func() error) {
	d.Start()
	err := fn()
	d.Stop()

	if err != nil {
		d.Program.Fatal("%v", err)
	}
}

func describe[T any](value T, found bool) string {
	if !found {
		return "none"
	}

	return fmt.Sprintf("%+v", value)
}
