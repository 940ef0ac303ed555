// Package chord implements the distributed hash index: a ring mapping
// opaque keys to a responsible peer. The net table uses it as the
// directory locating the peers that hold a chunk.
package chord

import (
	"crypto/md5"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"
	"github.com/yangdegang/map-api/internal/errors"
	"github.com/yangdegang/map-api/internal/hub"
	"github.com/yangdegang/map-api/internal/metrics"
	"github.com/yangdegang/map-api/internal/model"
	"github.com/yangdegang/map-api/internal/workerpool"
)

// Key is a position on the ring.
type Key uint64

// M is the ring's key width in bits.
const M = 64

// hashOf derives a ring key from the first bytes of an MD5 digest.
func hashOf(data string) Key {
	digest := md5.Sum([]byte(data))
	return Key(binary.LittleEndian.Uint64(digest[:8]))
}

// isIn reports key ∈ (from, to] on the ring. A collapsed interval
// (from == to) covers the whole ring.
func isIn(key, from, to Key) bool {
	if to == from {
		return true
	}
	if from < to {
		return from < key && key <= to
	}
	// The interval passes zero.
	return from < key || key <= to
}

type peerRef struct {
	id  model.PeerId
	key Key
}

type finger struct {
	baseKey Key
	peer    peerRef
}

// Index is one peer's view of the ring.
type Index struct {
	hub     *hub.Hub
	logger  *zap.Logger
	metrics *metrics.Metrics
	pool    *workerpool.Pool

	stabilizeInterval time.Duration

	ownKey Key
	self   peerRef

	mu          sync.Mutex
	successor   peerRef
	predecessor peerRef
	fingers     [M]finger

	dataMu sync.Mutex
	data   map[string]string

	integrateMu sync.Mutex
	integrated  bool

	initMu      sync.Mutex
	initCond    *sync.Cond
	initialized bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config tunes the index.
type Config struct {
	StabilizeInterval time.Duration
}

// NewIndex creates an index that has not joined any ring yet.
func NewIndex(cfg *Config, h *hub.Hub, m *metrics.Metrics, pool *workerpool.Pool, logger *zap.Logger) *Index {
	idx := &Index{
		hub:               h,
		logger:            logger.With(zap.String("component", "chord")),
		metrics:           m,
		pool:              pool,
		stabilizeInterval: cfg.StabilizeInterval,
		data:              make(map[string]string),
		stopCh:            make(chan struct{}),
	}
	idx.initCond = sync.NewCond(&idx.initMu)
	return idx
}

func (i *Index) init() {
	i.ownKey = hashOf(string(i.hub.Self()))
	i.self = peerRef{id: i.hub.Self(), key: i.ownKey}
	for b := 0; b < M; b++ {
		i.fingers[b].baseKey = i.ownKey + Key(1)<<uint(b) // overflow intended
	}
	i.wg.Add(1)
	go i.stabilizeLoop()
}

// Create founds a ring of one.
func (i *Index) Create() {
	i.init()
	i.mu.Lock()
	i.successor = i.self
	i.predecessor = i.self
	for b := 0; b < M; b++ {
		i.fingers[b].peer = i.self
	}
	i.mu.Unlock()
	i.markInitialized()
}

// Join enters the ring through any member using stabilize-join: both
// neighbors start out as the contact and the stabilizer converges the
// ring from there.
func (i *Index) Join(other model.PeerId) {
	i.init()
	ref := peerRef{id: other, key: hashOf(string(other))}
	i.mu.Lock()
	i.successor = ref
	i.predecessor = ref
	i.mu.Unlock()
	i.markInitialized()
}

func (i *Index) markInitialized() {
	i.initMu.Lock()
	i.initialized = true
	i.initMu.Unlock()
	i.initCond.Broadcast()
}

// waitUntilInitialized blocks handlers until the index joined a ring.
// Returns false when the index is shutting down instead.
func (i *Index) waitUntilInitialized() bool {
	i.initMu.Lock()
	defer i.initMu.Unlock()
	for !i.initialized {
		select {
		case <-i.stopCh:
			return false
		default:
		}
		i.initCond.Wait()
	}
	return true
}

// Leave stops the stabilizer. Directory data is not migrated; the
// surviving ring re-converges through stabilization.
func (i *Index) Leave() {
	i.stopOnce.Do(func() {
		close(i.stopCh)
		i.initCond.Broadcast()
	})
	i.wg.Wait()
}

// OwnKey returns this peer's ring position.
func (i *Index) OwnKey() Key {
	return i.ownKey
}

// Successor returns the current successor.
func (i *Index) Successor() model.PeerId {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.successor.id
}

// Predecessor returns the current predecessor.
func (i *Index) Predecessor() model.PeerId {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.predecessor.id
}

// stabilizeLoop periodically asks the successor for its predecessor,
// adopts a closer successor if one appeared, and notifies the
// successor of this peer.
func (i *Index) stabilizeLoop() {
	defer i.wg.Done()
	if !i.waitUntilInitialized() {
		return
	}
	for {
		select {
		case <-i.stopCh:
			return
		case <-time.After(i.stabilizeInterval):
		}
		i.metrics.ChordStabilizeTotal.Inc()

		i.mu.Lock()
		successor := i.successor
		i.mu.Unlock()
		if successor.id == i.hub.Self() {
			continue
		}
		successorPredecessor, err := i.getPredecessorRpc(successor.id)
		if err != nil {
			// Peer departures are not accounted for; keep trying so a
			// network can shut down together.
			continue
		}
		if successorPredecessor != i.hub.Self() &&
			isIn(hashOf(string(successorPredecessor)), i.ownKey, successor.key) {
			i.mu.Lock()
			i.successor = peerRef{id: successorPredecessor, key: hashOf(string(successorPredecessor))}
			i.mu.Unlock()
			i.logger.Debug("Successor changed through stabilization",
				zap.String("successor", string(successorPredecessor)))
		}
		i.mu.Lock()
		successor = i.successor
		i.mu.Unlock()
		i.notifyRpc(successor.id)
	}
}

// FindSuccessor returns the peer responsible for the key.
func (i *Index) FindSuccessor(key Key) (model.PeerId, error) {
	i.metrics.ChordLookupsTotal.Inc()
	i.mu.Lock()
	successor := i.successor
	i.mu.Unlock()
	if isIn(key, i.ownKey, successor.key) {
		return successor.id, nil
	}
	predecessor, err := i.findPredecessor(key)
	if err != nil {
		return model.InvalidPeerId, err
	}
	return i.getSuccessorRpc(predecessor)
}

func (i *Index) findPredecessor(key Key) (model.PeerId, error) {
	result := i.closestPrecedingFinger(key)
	resultSuccessor, err := i.getSuccessorRpc(result)
	if err != nil {
		return model.InvalidPeerId, err
	}
	for !isIn(key, hashOf(string(result)), hashOf(string(resultSuccessor))) {
		result, err = i.closestPrecedingFingerRpc(result, key)
		if err != nil {
			return model.InvalidPeerId, err
		}
		resultSuccessor, err = i.getSuccessorRpc(result)
		if err != nil {
			return model.InvalidPeerId, err
		}
	}
	return result, nil
}

// closestPrecedingFinger forwards lookups along the ring. The finger
// table is kept but lookups route through the successor, which is the
// only pointer stabilization maintains.
func (i *Index) closestPrecedingFinger(key Key) model.PeerId {
	i.mu.Lock()
	defer i.mu.Unlock()
	if isIn(key, i.ownKey, i.successor.key) {
		i.logger.Fatal("Closest preceding finger called for own interval")
	}
	return i.successor.id
}

// AddData stores a directory entry on the responsible peer.
func (i *Index) AddData(key, value string) error {
	responsible, err := i.FindSuccessor(hashOf(key))
	if err != nil {
		return err
	}
	if responsible == i.hub.Self() {
		return i.addDataLocally(key, value)
	}
	return i.addDataRpc(responsible, key, value)
}

// RetrieveData fetches a directory entry from the responsible peer.
func (i *Index) RetrieveData(key string) (string, error) {
	responsible, err := i.FindSuccessor(hashOf(key))
	if err != nil {
		return "", err
	}
	if responsible == i.hub.Self() {
		return i.retrieveDataLocally(key)
	}
	return i.retrieveDataRpc(responsible, key)
}

func (i *Index) addDataLocally(key, value string) error {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	if _, ok := i.data[key]; ok {
		return errors.Conflict("directory entry already exists: " + key)
	}
	i.data[key] = value
	return nil
}

func (i *Index) retrieveDataLocally(key string) (string, error) {
	i.dataMu.Lock()
	defer i.dataMu.Unlock()
	value, ok := i.data[key]
	if !ok {
		return "", errors.NotFound("directory entry", key)
	}
	return value, nil
}

// integrate fetches the keys in (old predecessor, self] from the
// successor. It runs on the worker pool because the fetch itself is an
// RPC that must not block the notifying request.
func (i *Index) integrate() {
	i.integrateMu.Lock()
	defer i.integrateMu.Unlock()
	if i.integrated {
		return
	}
	i.mu.Lock()
	successor := i.successor
	i.mu.Unlock()
	data, err := i.fetchResponsibilitiesRpc(successor.id)
	if err != nil {
		i.logger.Warn("Failed to fetch ring responsibilities", zap.Error(err))
		return
	}
	i.dataMu.Lock()
	for key, value := range data {
		if _, ok := i.data[key]; !ok {
			i.data[key] = value
		}
	}
	i.dataMu.Unlock()
	i.integrated = true
}
