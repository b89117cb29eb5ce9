package raft

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

const (
	HTTPMessagePath      = "/grid/messages"
	HTTPSourceIdHeader   = "X-Grid-Source-Id"
	DefaultHTTPQueueSize = 1024
)

type HTTPTransportCfg struct {
	Id           EndpointId
	LocalAddress string
	Peers        map[EndpointId]string

	Logger Logger

	QueueSize int

	// Optional; receives fatal server errors.
	ErrorChan chan<- error
}

// HTTPTransport exchanges messages with HTTP requests, one POST request per
// message. Each peer has its own outbound queue and sender goroutine so
// that a slow peer never delays messages to the others.
type HTTPTransport struct {
	Cfg HTTPTransportCfg
	Log Logger

	Id EndpointId

	receiver Receiver

	peers    map[EndpointId]string
	outboxes map[EndpointId]chan Message

	httpServer *http.Server
	httpClient *http.Client

	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
}

func NewHTTPTransport(cfg HTTPTransportCfg) (*HTTPTransport, error) {
	if cfg.Id == "" {
		return nil, fmt.Errorf("missing or empty endpoint id")
	}

	if cfg.LocalAddress == "" {
		return nil, fmt.Errorf("missing or empty local address")
	}

	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}

	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultHTTPQueueSize
	}

	peers := make(map[EndpointId]string)
	for id, address := range cfg.Peers {
		peers[id] = address
	}

	t := &HTTPTransport{
		Cfg: cfg,
		Log: cfg.Logger,

		Id: cfg.Id,

		peers:    peers,
		outboxes: make(map[EndpointId]chan Message),
	}

	return t, nil
}

func newHTTPClient() *http.Client {
	transport := http.Transport{
		Proxy: http.ProxyFromEnvironment,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 10 * time.Second,
		}).DialContext,

		MaxIdleConns: 30,

		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client := http.Client{
		Timeout:   10 * time.Second,
		Transport: &transport,
	}

	return &client
}

func (t *HTTPTransport) AddPeer(id EndpointId, address string) {
	t.mu.Lock()
	t.peers[id] = address
	t.mu.Unlock()
}

func (t *HTTPTransport) Start(receiver Receiver) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return fmt.Errorf("transport already running")
	}

	listener, err := net.Listen("tcp", t.Cfg.LocalAddress)
	if err != nil {
		return fmt.Errorf("cannot listen on %s: %w", t.Cfg.LocalAddress, err)
	}

	t.Log.Info("listening on %s", t.Cfg.LocalAddress)

	router := chi.NewRouter()
	router.Post(HTTPMessagePath, t.hMessagesPOST)

	t.receiver = receiver
	t.httpClient = newHTTPClient()
	t.stopChan = make(chan struct{})
	t.running = true

	t.httpServer = &http.Server{
		Addr:              t.Cfg.LocalAddress,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       60 * time.Second,
		Handler:           router,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		defer func() {
			if value := recover(); value != nil {
				msg := RecoverValueString(value)
				trace := StackTrace(10)
				t.Log.Error("panic: %s\n%s", msg, trace)
			}
		}()

		if err := t.httpServer.Serve(listener); err != http.ErrServerClosed {
			t.Log.Error("server error: %v", err)

			if t.Cfg.ErrorChan != nil {
				select {
				case t.Cfg.ErrorChan <- fmt.Errorf("server error: %w", err):
				default:
				}
			}
		}
	}()

	return nil
}

func (t *HTTPTransport) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}

	t.running = false
	close(t.stopChan)
	t.outboxes = make(map[EndpointId]chan Message)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.httpServer.Shutdown(ctx)

	t.wg.Wait()
}

func (t *HTTPTransport) Send(msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return NewConnectivityError(msg.DestinationId, "transport stopped")
	}

	recipientId := msg.DestinationId

	address, found := t.peers[recipientId]
	if !found {
		return NewConnectivityError(recipientId, "unknown address")
	}

	outbox, found := t.outboxes[recipientId]
	if !found {
		outbox = make(chan Message, t.Cfg.QueueSize)
		t.outboxes[recipientId] = outbox

		t.wg.Add(1)
		go t.sendLoop(recipientId, address, outbox, t.stopChan)
	}

	msg.SourceId = t.Id

	select {
	case outbox <- msg:
		return nil
	default:
		return NewConnectivityError(recipientId, "outbound queue full")
	}
}

func (t *HTTPTransport) sendLoop(recipientId EndpointId, address string, outbox <-chan Message, stopChan <-chan struct{}) {
	defer t.wg.Done()

	defer func() {
		if value := recover(); value != nil {
			msg := RecoverValueString(value)
			trace := StackTrace(10)
			t.Log.Error("cannot send request: panic: %s\n%s", msg, trace)
		}
	}()

	for {
		select {
		case <-stopChan:
			return

		case msg := <-outbox:
			if err := t.sendMsg(address, msg); err != nil {
				t.receiver.DeliveryFailed(recipientId,
					NewConnectivityError(recipientId, "%w", err))
			}
		}
	}
}

func (t *HTTPTransport) sendMsg(address string, msg Message) error {
	uri := url.URL{
		Scheme: "http",
		Host:   address,
		Path:   HTTPMessagePath,
	}

	req, err := http.NewRequest("POST", uri.String(), bytes.NewReader(msg.Data))
	if err != nil {
		return fmt.Errorf("cannot create http request: %w", err)
	}

	req.Header.Set(HTTPSourceIdHeader, string(msg.SourceId))

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cannot send request to %s: %w", address, err)
	}
	defer res.Body.Close()

	if res.StatusCode != 204 {
		var msg string

		body, err := io.ReadAll(res.Body)
		if err == nil {
			msg = string(body)

			if idx := strings.IndexAny(msg, "\r\n"); idx > 0 {
				msg = msg[:idx]
			}

			if msg != "" {
				msg = ": " + msg
			}
		}

		return fmt.Errorf("http request to %s failed with status %d%s",
			address, res.StatusCode, msg)
	}

	return nil
}

func (t *HTTPTransport) hMessagesPOST(w http.ResponseWriter, req *http.Request) {
	// Obtain the identifier of the sender of the message
	sourceId := req.Header.Get(HTTPSourceIdHeader)
	if sourceId == "" {
		t.replyError(w, 400, "missing or empty %s header field",
			HTTPSourceIdHeader)
		return
	}

	data, err := io.ReadAll(req.Body)
	if err != nil {
		t.replyError(w, 500, "cannot read request body: %v", err)
		return
	}

	w.WriteHeader(204)

	msg := Message{
		SourceId:      EndpointId(sourceId),
		DestinationId: t.Id,
		Data:          data,
	}

	t.receiver.ReceiveMessage(msg)
}

func (t *HTTPTransport) replyError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	t.Log.Error(format, args...)

	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}
