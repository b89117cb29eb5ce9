package main

import (
	"fmt"

	"github.com/galdor/go-grid/pkg/grid"
	"github.com/galdor/go-program"
	"golang.org/x/sync/errgroup"
)

type Room struct {
	RoomId string `json:"roomId"`
	Data   string `json:"data,omitempty"`
}

type RoomStorage = grid.ReplicatedStorage[string, Room]

func cmdStorage(p *program.Program) {
	d := NewDemo(p)

	storages := make([]*RoomStorage, len(d.Clients))

	for i, client := range d.Clients {
		storage, err := grid.NewReplicatedStorage(client,
			grid.StorageCfg[string, Room]{
				StorageId:  "room-storage",
				KeyCodec:   grid.StringCodec(),
				ValueCodec: grid.JSONCodec[Room](),
			})
		if err != nil {
			p.Fatal("cannot create storage: %v", err)
		}

		storages[i] = storage
	}

	d.Run(func() error {
		if err := storageInsertExample(d, storages); err != nil {
			return err
		}

		if err := storageSetExample(d, storages); err != nil {
			return err
		}

		return storageDeleteExample(d, storages)
	})
}

func storageInsertExample(d *Demo, storages []*RoomStorage) error {
	d.Log.Info("inserting room-1")

	ctx, cancel := d.Context()
	defer cancel()

	found := make([]bool, len(storages))

	var eg errgroup.Group

	for i, storage := range storages {
		i, storage := i, storage

		eg.Go(func() (err error) {
			_, found[i], err = storage.Insert(ctx, "room-1",
				Room{RoomId: "room-1"})
			return
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("cannot insert room: %w", err)
	}

	for i, storage := range storages {
		d.Log.Info("inserted by %s: %v",
			d.Clients[i].LocalEndpointId(), !found[i])

		room, found, err := storage.Get("room-1")
		if err != nil {
			return fmt.Errorf("cannot read room: %w", err)
		}

		d.Log.Info("room-1 by %s: %s",
			d.Clients[i].LocalEndpointId(), describe(room, found))
	}

	return nil
}

func storageSetExample(d *Demo, storages []*RoomStorage) error {
	d.Log.Info("updating room-1")

	for i, storage := range storages {
		clientId := d.Clients[i].LocalEndpointId()
		otherId := d.Clients[(i+1)%len(storages)].LocalEndpointId()

		d.Log.Info("set data for room-1 by %s", clientId)

		ctx, cancel := d.Context()
		room := Room{RoomId: "room-1", Data: fmt.Sprintf("data-by-%s", clientId)}
		prev, found, err := storage.Set(ctx, "room-1", room)
		cancel()

		if err != nil {
			return fmt.Errorf("cannot update room: %w", err)
		}

		actual, _, err := storages[(i+1)%len(storages)].Get("room-1")
		if err != nil {
			return fmt.Errorf("cannot read room: %w", err)
		}

		d.Log.Info("actual data for room-1 by %s: %q, previous data: %q",
			otherId, actual.Data, describe(prev.Data, found))
	}

	return nil
}

func storageDeleteExample(d *Demo, storages []*RoomStorage) error {
	d.Log.Info("deleting room-1")

	ctx, cancel := d.Context()
	defer cancel()

	removed := make([]Room, len(storages))
	found := make([]bool, len(storages))

	var eg errgroup.Group

	for i, storage := range storages {
		i, storage := i, storage

		eg.Go(func() (err error) {
			removed[i], found[i], err = storage.Delete(ctx, "room-1")
			return
		})
	}

	if err := eg.Wait(); err != nil {
		return fmt.Errorf("cannot delete room: %w", err)
	}

	for i := range storages {
		d.Log.Info("removed by %s: %s",
			d.Clients[i].LocalEndpointId(), describe(removed[i], found[i]))
	}

	return nil
}
