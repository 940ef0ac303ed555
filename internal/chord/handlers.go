package chord

import (
	"context"
	"fmt"

	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/workerpool"
)

// RegisterHandlers installs the ring protocol's handler table.
func (i *Index) RegisterHandlers(h *hub.Hub) {
	h.RegisterHandler(hub.TypeChordGetSuccessor, func(msg *hub.Message) *hub.Message {
		return i.HandleGetSuccessor()
	})
	h.RegisterHandler(hub.TypeChordGetPredecessor, func(msg *hub.Message) *hub.Message {
		return i.HandleGetPredecessor()
	})
	h.RegisterHandler(hub.TypeChordClosestPrecedingFinger, func(msg *hub.Message) *hub.Message {
		var payload KeyPayload
		if err := msg.Extract(&payload); err != nil {
			return hub.Decline()
		}
		return i.HandleClosestPrecedingFinger(Key(payload.Key))
	})
	h.RegisterHandler(hub.TypeChordNotify, func(msg *hub.Message) *hub.Message {
		var payload NotifyPayload
		if err := msg.Extract(&payload); err != nil {
			return hub.Decline()
		}
		return i.HandleNotify(model.PeerId(payload.Peer))
	})
	h.RegisterHandler(hub.TypeChordAddData, func(msg *hub.Message) *hub.Message {
		var payload DataPayload
		if err := msg.Extract(&payload); err != nil {
			return hub.Decline()
		}
		return i.HandleAddData(payload.Key, payload.Value)
	})
	h.RegisterHandler(hub.TypeChordRetrieveData, func(msg *hub.Message) *hub.Message {
		var payload DataPayload
		if err := msg.Extract(&payload); err != nil {
			return hub.Decline()
		}
		return i.HandleRetrieveData(payload.Key)
	})
	h.RegisterHandler(hub.TypeChordFetchResponsibilities, func(msg *hub.Message) *hub.Message {
		return i.HandleFetchResponsibilities(msg.Sender)
	})
}

// HandleGetSuccessor answers with the current successor.
func (i *Index) HandleGetSuccessor() *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	i.mu.Lock()
	successor := i.successor.id
	i.mu.Unlock()
	msg, err := hub.NewMessage(hub.TypeAck, &PeerResponse{Peer: string(successor)})
	if err != nil {
		return hub.Decline()
	}
	return msg
}

// HandleGetPredecessor answers with the current predecessor.
func (i *Index) HandleGetPredecessor() *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	i.mu.Lock()
	predecessor := i.predecessor.id
	i.mu.Unlock()
	msg, err := hub.NewMessage(hub.TypeAck, &PeerResponse{Peer: string(predecessor)})
	if err != nil {
		return hub.Decline()
	}
	return msg
}

// HandleClosestPrecedingFinger routes a lookup one hop.
func (i *Index) HandleClosestPrecedingFinger(key Key) *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	msg, err := hub.NewMessage(hub.TypeAck, &PeerResponse{Peer: string(i.closestPrecedingFinger(key))})
	if err != nil {
		return hub.Decline()
	}
	return msg
}

// HandleNotify adopts the sender as successor or predecessor when it
// lies in the corresponding interval. The first predecessor change
// triggers the integration step on the worker pool: integrating
// in-line would deadlock on the mutual wait for responses.
func (i *Index) HandleNotify(peer model.PeerId) *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	ref := peerRef{id: peer, key: hashOf(string(peer))}

	i.mu.Lock()
	if ref.id != i.hub.Self() && isIn(ref.key, i.ownKey, i.successor.key) {
		i.successor = ref
		i.logger.Debug("Successor changed by notification")
	}
	predecessorChanged := false
	if ref.id != i.hub.Self() && isIn(ref.key, i.predecessor.key, i.ownKey) {
		i.predecessor = ref
		i.logger.Debug("Predecessor changed by notification")
		predecessorChanged = true
	}
	i.mu.Unlock()

	integrateNeeded := false
	if predecessorChanged {
		i.integrateMu.Lock()
		integrateNeeded = !i.integrated
		i.integrateMu.Unlock()
	}

	if integrateNeeded {
		task := workerpool.Task{
			ID: fmt.Sprintf("chord-integrate-%s", i.hub.Self()),
			Fn: func(context.Context) error {
				i.integrate()
				return nil
			},
		}
		if err := i.pool.Submit(task); err != nil {
			i.logger.Warn("Failed to queue ring integration")
		}
	}
	return hub.Ack()
}

// HandleAddData stores a directory entry this peer is responsible for.
func (i *Index) HandleAddData(key, value string) *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	if err := i.addDataLocally(key, value); err != nil {
		return hub.Decline()
	}
	return hub.Ack()
}

// HandleRetrieveData serves a directory entry.
func (i *Index) HandleRetrieveData(key string) *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	value, err := i.retrieveDataLocally(key)
	if err != nil {
		return hub.Decline()
	}
	msg, err := hub.NewMessage(hub.TypeAck, &DataResponse{Value: value})
	if err != nil {
		return hub.Decline()
	}
	return msg
}

// HandleFetchResponsibilities hands a new predecessor the entries it
// is now responsible for: everything outside (requester, self].
func (i *Index) HandleFetchResponsibilities(requester model.PeerId) *hub.Message {
	if !i.waitUntilInitialized() {
		return hub.Decline()
	}
	requesterKey := hashOf(string(requester))
	out := make(map[string]string)
	i.dataMu.Lock()
	for key, value := range i.data {
		if !isIn(hashOf(key), requesterKey, i.ownKey) {
			out[key] = value
		}
	}
	i.dataMu.Unlock()
	msg, err := hub.NewMessage(hub.TypeAck, &DataMapResponse{Data: out})
	if err != nil {
		return hub.Decline()
	}
	return msg
}

// RPC helpers

func (i *Index) getSuccessorRpc(peer model.PeerId) (model.PeerId, error) {
	return i.peerQuery(peer, hub.TypeChordGetSuccessor, nil)
}

func (i *Index) getPredecessorRpc(peer model.PeerId) (model.PeerId, error) {
	return i.peerQuery(peer, hub.TypeChordGetPredecessor, nil)
}

func (i *Index) closestPrecedingFingerRpc(peer model.PeerId, key Key) (model.PeerId, error) {
	return i.peerQuery(peer, hub.TypeChordClosestPrecedingFinger, &KeyPayload{Key: uint64(key)})
}

func (i *Index) peerQuery(peer model.PeerId, t hub.MsgType, payload interface{}) (model.PeerId, error) {
	msg, err := hub.NewMessage(t, payload)
	if err != nil {
		return model.InvalidPeerId, errors.Internal("failed to encode ring query", err)
	}
	resp, err := i.hub.Request(peer, msg)
	if err != nil {
		return model.InvalidPeerId, err
	}
	if resp.IsDecline() {
		return model.InvalidPeerId, errors.RequestDeclined(string(peer), t.String())
	}
	var answer PeerResponse
	if err := resp.Extract(&answer); err != nil {
		return model.InvalidPeerId, errors.CorruptedData("bad ring query response", err)
	}
	return model.PeerId(answer.Peer), nil
}

func (i *Index) notifyRpc(peer model.PeerId) bool {
	msg, err := hub.NewMessage(hub.TypeChordNotify, &NotifyPayload{Peer: string(i.hub.Self())})
	if err != nil {
		return false
	}
	acked, err := i.hub.AckRequest(peer, msg)
	return err == nil && acked
}

func (i *Index) addDataRpc(peer model.PeerId, key, value string) error {
	msg, err := hub.NewMessage(hub.TypeChordAddData, &DataPayload{Key: key, Value: value})
	if err != nil {
		return errors.Internal("failed to encode add-data request", err)
	}
	acked, err := i.hub.AckRequest(peer, msg)
	if err != nil {
		return err
	}
	if !acked {
		return errors.RequestDeclined(string(peer), hub.TypeChordAddData.String())
	}
	return nil
}

func (i *Index) retrieveDataRpc(peer model.PeerId, key string) (string, error) {
	msg, err := hub.NewMessage(hub.TypeChordRetrieveData, &DataPayload{Key: key})
	if err != nil {
		return "", errors.Internal("failed to encode retrieve-data request", err)
	}
	resp, err := i.hub.Request(peer, msg)
	if err != nil {
		return "", err
	}
	if resp.IsDecline() {
		return "", errors.NotFound("directory entry", key)
	}
	var answer DataResponse
	if err := resp.Extract(&answer); err != nil {
		return "", errors.CorruptedData("bad retrieve-data response", err)
	}
	return answer.Value, nil
}

func (i *Index) fetchResponsibilitiesRpc(peer model.PeerId) (map[string]string, error) {
	msg, err := hub.NewMessage(hub.TypeChordFetchResponsibilities, nil)
	if err != nil {
		return nil, errors.Internal("failed to encode fetch request", err)
	}
	resp, err := i.hub.Request(peer, msg)
	if err != nil {
		return nil, err
	}
	if resp.IsDecline() {
		return nil, errors.RequestDeclined(string(peer), hub.TypeChordFetchResponsibilities.String())
	}
	var answer DataMapResponse
	if err := resp.Extract(&answer); err != nil {
		return nil, errors.CorruptedData("bad fetch response", err)
	}
	return answer.Data, nil
}
