package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/galdor/go-grid/pkg/grid"
	"github.com/galdor/go-service/pkg/shttp"
)

type APIServer struct {
	Service *Service
}

type StorageEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
	Found bool            `json:"found"`
}

func NewAPIServer(s *Service) (*APIServer, error) {
	api := APIServer{
		Service: s,
	}

	return &api, nil
}

func (api *APIServer) Init() error {
	api.initRoutes()
	return nil
}

func (api *APIServer) initRoutes() {
	api.Route("/status", "GET", api.hStatusGET)

	api.Route("/storages/:storage/keys", "GET", api.hStorageKeysGET)
	api.Route("/storages/:storage/keys/:key", "GET", api.hStorageKeyGET)
	api.Route("/storages/:storage/keys/:key", "PUT", api.hStorageKeyPUT)
	api.Route("/storages/:storage/keys/:key", "DELETE", api.hStorageKeyDELETE)
	api.Route("/storages/:storage/keys/:key/insert", "POST",
		api.hStorageKeyInsertPOST)

	api.Route("/topics/:topic/events/:event", "POST", api.hTopicEventPOST)
}

func (api *APIServer) Route(pathPattern, method string, routeFunc shttp.RouteFunc) {
	s := api.Service.Service.HTTPServer("api")
	s.Route(pathPattern, method, routeFunc)
}

func (api *APIServer) hStatusGET(h *shttp.Handler) {
	h.ReplyJSON(200, api.Service.grid.Status())
}

func (api *APIServer) hStorageKeysGET(h *shttp.Handler) {
	storage := api.storage(h)
	if storage == nil {
		return
	}

	keys, err := storage.Keys()
	if err != nil {
		h.ReplyError(500, "internal_error", "cannot list keys: %v", err)
		return
	}

	h.ReplyJSON(200, keys)
}

func (api *APIServer) hStorageKeyGET(h *shttp.Handler) {
	storage := api.storage(h)
	if storage == nil {
		return
	}

	key := h.PathVariable("key")

	value, found, err := storage.Get(key)
	if err != nil {
		h.ReplyError(500, "internal_error", "cannot read key: %v", err)
		return
	}

	if !found {
		h.ReplyError(404, "unknown_key", "unknown key %q", key)
		return
	}

	h.ReplyJSON(200, StorageEntry{Key: key, Value: value, Found: true})
}

func (api *APIServer) hStorageKeyPUT(h *shttp.Handler) {
	storage := api.storage(h)
	if storage == nil {
		return
	}

	key := h.PathVariable("key")

	value := api.requestValue(h)
	if value == nil {
		return
	}

	prev, found, err := storage.Set(h.Request.Context(), key, value)
	if err != nil {
		api.replyOpError(h, err)
		return
	}

	h.ReplyJSON(200, StorageEntry{Key: key, Value: prev, Found: found})
}

func (api *APIServer) hStorageKeyDELETE(h *shttp.Handler) {
	storage := api.storage(h)
	if storage == nil {
		return
	}

	key := h.PathVariable("key")

	prev, found, err := storage.Delete(h.Request.Context(), key)
	if err != nil {
		api.replyOpError(h, err)
		return
	}

	h.ReplyJSON(200, StorageEntry{Key: key, Value: prev, Found: found})
}

func (api *APIServer) hStorageKeyInsertPOST(h *shttp.Handler) {
	storage := api.storage(h)
	if storage == nil {
		return
	}

	key := h.PathVariable("key")

	value := api.requestValue(h)
	if value == nil {
		return
	}

	existing, found, err := storage.Insert(h.Request.Context(), key, value)
	if err != nil {
		api.replyOpError(h, err)
		return
	}

	if found {
		h.ReplyJSON(409, StorageEntry{Key: key, Value: existing, Found: true})
		return
	}

	h.ReplyJSON(201, StorageEntry{Key: key, Value: value})
}

func (api *APIServer) hTopicEventPOST(h *shttp.Handler) {
	topic := h.PathVariable("topic")
	event := h.PathVariable("event")

	ps, found := api.Service.pubSubs[topic]
	if !found {
		h.ReplyError(404, "unknown_topic", "unknown topic %q", topic)
		return
	}

	payload := api.requestValue(h)
	if payload == nil {
		return
	}

	if err := ps.Publish(h.Request.Context(), event, payload); err != nil {
		api.replyOpError(h, err)
		return
	}

	h.ReplyEmpty(204)
}

func (api *APIServer) storage(h *shttp.Handler) *Storage {
	id := h.PathVariable("storage")

	storage, found := api.Service.storages[id]
	if !found {
		h.ReplyError(404, "unknown_storage", "unknown storage %q", id)
		return nil
	}

	return storage
}

// requestValue reads the request body, which must be a JSON value.
func (api *APIServer) requestValue(h *shttp.Handler) json.RawMessage {
	data, err := io.ReadAll(h.Request.Body)
	if err != nil {
		h.ReplyError(500, "internal_error", "cannot read request body: %v",
			err)
		return nil
	}

	if !json.Valid(data) {
		h.ReplyError(400, "invalid_request_body",
			"request body is not a valid json value")
		return nil
	}

	return json.RawMessage(data)
}

func (api *APIServer) replyOpError(h *shttp.Handler, err error) {
	var encodingErr *grid.EncodingError

	switch {
	case errors.As(err, &encodingErr):
		h.ReplyError(400, "invalid_value", "%v", err)

	case errors.Is(err, grid.ErrQuorumUnavailable),
		errors.Is(err, grid.ErrNotLeader):
		h.ReplyError(503, "quorum_unavailable", "%v", err)

	case errors.Is(err, grid.ErrStopped):
		h.ReplyError(503, "service_unavailable", "%v", err)

	default:
		h.ReplyError(500, "internal_error", "%v", err)
	}
}
