package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/galdor/go-grid/pkg/grid"
	"github.com/galdor/go-grid/pkg/raft"
	jsonvalidator "github.com/galdor/go-json-validator"
	"github.com/galdor/go-log"
	"github.com/galdor/go-program"
	"github.com/galdor/go-service/pkg/service"
	"github.com/galdor/go-service/pkg/shttp"
)

const DefaultAPIPort = "8081"

type ServiceCfg struct {
	Service service.ServiceCfg `json:"service"`
	Grid    GridCfg            `json:"grid"`
}

type GridCfg struct {
	Endpoints map[raft.EndpointId]*EndpointCfg `json:"endpoints"`
	Storages  []string                         `json:"storages"`
	Topics    []string                         `json:"topics"`

	RequestTimeout int `json:"requestTimeout,omitempty"` // milliseconds
}

type EndpointCfg struct {
	LocalAddress  string `json:"localAddress"`
	PublicAddress string `json:"publicAddress"`
	APIAddress    string `json:"apiAddress,omitempty"`
}

type Storage = grid.ReplicatedStorage[string, json.RawMessage]

type PubSub = grid.PubSub[json.RawMessage]

type Service struct {
	Cfg     ServiceCfg
	Program *program.Program
	Service *service.Service
	Log     *log.Logger

	Id raft.EndpointId

	transport *raft.HTTPTransport
	grid      *grid.Grid
	storages  map[string]*Storage
	pubSubs   map[string]*PubSub
	apiServer *APIServer
}

func (cfg *ServiceCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckObject("service", &cfg.Service)

	v.CheckObject("grid", &cfg.Grid)
}

func (cfg *GridCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.WithChild("endpoints", func() {
		for id, endpoint := range cfg.Endpoints {
			v.CheckObject(string(id), endpoint)
		}
	})
}

func (cfg *EndpointCfg) ValidateJSON(v *jsonvalidator.Validator) {
	v.CheckStringNotEmpty("localAddress", cfg.LocalAddress)
	v.CheckStringNotEmpty("publicAddress", cfg.PublicAddress)
}

func NewService() *Service {
	return &Service{
		storages: make(map[string]*Storage),
		pubSubs:  make(map[string]*PubSub),
	}
}

func (s *Service) InitProgram(p *program.Program) {
	s.Program = p

	p.AddArgument("id", "the endpoint identifier")
}

func (s *Service) DefaultCfg() interface{} {
	return &s.Cfg
}

func (s *Service) ValidateCfg() error {
	id := raft.EndpointId(s.Program.ArgumentValue("id"))

	if _, found := s.Cfg.Grid.Endpoints[id]; !found {
		return fmt.Errorf("unknown endpoint %q", id)
	}

	return nil
}

func (s *Service) ServiceCfg() *service.ServiceCfg {
	cfg := &s.Cfg.Service

	id := raft.EndpointId(s.Program.ArgumentValue("id"))

	if cfg.HTTPServers == nil {
		cfg.HTTPServers = make(map[string]*shttp.ServerCfg)
	}

	endpointCfg := s.Cfg.Grid.Endpoints[id]

	apiAddress := endpointCfg.APIAddress
	if apiAddress == "" {
		host, _, _ := net.SplitHostPort(endpointCfg.LocalAddress)
		apiAddress = net.JoinHostPort(host, DefaultAPIPort)
	}

	cfg.HTTPServers["api"] = &shttp.ServerCfg{
		Address:               apiAddress,
		LogSuccessfulRequests: true,
		ErrorHandler:          shttp.JSONErrorHandler,
	}

	return cfg
}

func (s *Service) Init(ss *service.Service) error {
	s.Service = ss
	s.Log = ss.Log

	s.Id = raft.EndpointId(ss.Program.ArgumentValue("id"))

	if err := s.initTransport(); err != nil {
		return err
	}

	if err := s.initGrid(); err != nil {
		return err
	}

	if err := s.initAPIServer(); err != nil {
		return err
	}

	return nil
}

func (s *Service) initTransport() error {
	endpointCfg := s.Cfg.Grid.Endpoints[s.Id]

	peers := make(map[raft.EndpointId]string)
	for id, cfg := range s.Cfg.Grid.Endpoints {
		if id != s.Id {
			peers[id] = cfg.PublicAddress
		}
	}

	logger := s.Log.Child("transport", log.Data{
		"endpoint": string(s.Id),
	})

	transportCfg := raft.HTTPTransportCfg{
		Id:           s.Id,
		LocalAddress: endpointCfg.LocalAddress,
		Peers:        peers,

		Logger: logger,

		ErrorChan: s.Service.ErrorChan(),
	}

	transport, err := raft.NewHTTPTransport(transportCfg)
	if err != nil {
		return fmt.Errorf("cannot create http transport: %w", err)
	}

	s.transport = transport

	return nil
}

func (s *Service) initGrid() error {
	logger := s.Log.Child("grid", log.Data{
		"endpoint": string(s.Id),
	})

	gridCfg := grid.Cfg{
		Id:        s.Id,
		Transport: s.transport,

		Logger: logger,

		ErrorChan: s.Service.ErrorChan(),
	}

	if timeout := s.Cfg.Grid.RequestTimeout; timeout > 0 {
		gridCfg.RequestTimeout = time.Duration(timeout) * time.Millisecond
	}

	g, err := grid.NewGrid(gridCfg)
	if err != nil {
		return fmt.Errorf("cannot create grid: %w", err)
	}

	for id := range s.Cfg.Grid.Endpoints {
		if id != s.Id {
			g.AddRemoteEndpointId(id)
		}
	}

	g.OnLeaderChanged(func(ev grid.LeaderChangedEvent) {
		if ev.ActualLeaderId == "" {
			s.Log.Info("leader %s lost", ev.PrevLeaderId)
			return
		}

		s.Log.Info("leader is %s (term %d)", ev.ActualLeaderId, ev.Term)
	})

	s.grid = g

	valueCodec := grid.JSONCodec[json.RawMessage]()

	for _, id := range s.Cfg.Grid.Storages {
		storage, err := grid.NewReplicatedStorage(g,
			grid.StorageCfg[string, json.RawMessage]{
				StorageId:  id,
				KeyCodec:   grid.StringCodec(),
				ValueCodec: valueCodec,
			})
		if err != nil {
			return fmt.Errorf("cannot create storage %q: %w", id, err)
		}

		s.storages[id] = storage
	}

	for _, topic := range s.Cfg.Grid.Topics {
		ps, err := grid.NewPubSub(g, grid.PubSubCfg[json.RawMessage]{
			Topic:        topic,
			PayloadCodec: valueCodec,
		})
		if err != nil {
			return fmt.Errorf("cannot create pubsub for topic %q: %w",
				topic, err)
		}

		s.pubSubs[topic] = ps
	}

	return nil
}

func (s *Service) initAPIServer() error {
	api, err := NewAPIServer(s)
	if err != nil {
		return fmt.Errorf("cannot create api server: %w", err)
	}

	s.apiServer = api

	return nil
}

func (s *Service) Start(ss *service.Service) error {
	if err := s.grid.Start(); err != nil {
		return fmt.Errorf("cannot start grid: %w", err)
	}

	if err := s.apiServer.Init(); err != nil {
		return fmt.Errorf("cannot initialize api server: %w", err)
	}

	return nil
}

func (s *Service) Stop(ss *service.Service) {
	s.grid.Stop()
}

func (s *Service) Terminate(ss *service.Service) {
}
