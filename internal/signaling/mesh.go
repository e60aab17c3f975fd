package signaling

import (
	"context"

	"github.com/mossy-p/textcloud/internal/models"
	"github.com/mossy-p/textcloud/internal/neterr"
	"github.com/mossy-p/textcloud/internal/peer"
	"github.com/mossy-p/textcloud/internal/wire"
	"github.com/pion/webrtc/v4"
)

const laneDepth = 128

// enqueue runs job on the negotiation lane of peerID. Jobs for one peer run
// one at a time in arrival order; different peers negotiate in parallel.
func (c *Client) enqueue(peerID string, job func()) {
	if peerID == "" {
		c.logger.Printf("Ignoring signaling message without peer id")
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	lane, ok := c.lanes[peerID]
	if !ok {
		lane = make(chan func(), laneDepth)
		c.lanes[peerID] = lane
		go c.drain(lane)
	}
	c.mu.Unlock()

	select {
	case lane <- job:
	case <-c.ctx.Done():
	}
}

func (c *Client) drain(lane <-chan func()) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case job := <-lane:
			job()
		}
	}
}

// initiate opens an outbound transport to a peer that just joined.
func (c *Client) initiate(peerID string) {
	if _, err := c.replaceTransport(peerID, true); err != nil {
		c.events.OnError(err)
		return
	}
	c.offer(peerID)
}

func (c *Client) offer(peerID string) {
	tr, ok := c.Transport(peerID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.OfferTimeout)
	defer cancel()

	desc, err := tr.CreateOffer(ctx)
	if err != nil {
		c.handshakeFailed(peerID, tr, err)
		return
	}
	c.sendDescription(peerID, desc)
}

func (c *Client) sendDescription(peerID string, desc webrtc.SessionDescription) {
	msg := models.SignalMessage{TargetID: peerID}
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		msg.Type, msg.Offer = models.SignalTypeOffer, encode(desc)
	case webrtc.SDPTypeAnswer:
		msg.Type, msg.Answer = models.SignalTypeAnswer, encode(desc)
	default:
		c.logger.Printf("Not relaying %s description to %s", desc.Type, peerID)
		return
	}
	c.signal(msg)
}

// handleOffer answers an offer. An offer that continues the current
// session (an ICE restart) is applied to the existing transport; anything
// else gets a fresh answering transport. When both sides offered at once
// the peer with the smaller id keeps its offer.
func (c *Client) handleOffer(peerID string, offer webrtc.SessionDescription) {
	c.mu.Lock()
	localID := c.localID
	c.mu.Unlock()

	tr, ok := c.Transport(peerID)
	switch {
	case ok && tr.Initiator():
		if localID < peerID {
			c.logger.Printf("Ignoring colliding offer from %s, our offer wins", peerID)
			return
		}
		c.logger.Printf("Offer collision with %s, answering theirs", peerID)
		ok = false
	case ok && !tr.SameSession(offer):
		c.logger.Printf("New session offered by %s, replacing transport", peerID)
		ok = false
	}

	if !ok {
		var err error
		if tr, err = c.replaceTransport(peerID, false); err != nil {
			c.events.OnError(err)
			return
		}
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.OfferTimeout)
	defer cancel()
	if err := tr.SetRemoteDescription(ctx, offer); err != nil {
		c.handshakeFailed(peerID, tr, err)
		return
	}
	answer, err := tr.CreateAnswer(ctx)
	if err != nil {
		c.handshakeFailed(peerID, tr, err)
		return
	}
	c.sendDescription(peerID, answer)
}

func (c *Client) handleAnswer(peerID string, answer webrtc.SessionDescription) {
	tr, ok := c.Transport(peerID)
	if !ok {
		c.logger.Printf("Answer from %s without a connection, ignoring", peerID)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.OfferTimeout)
	defer cancel()
	if err := tr.SetRemoteDescription(ctx, answer); err != nil {
		c.handshakeFailed(peerID, tr, err)
	}
}

// handleCandidate hands a remote candidate to its transport, or buffers it
// until the transport exists.
func (c *Client) handleCandidate(peerID string, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	tr, ok := c.peers[peerID]
	if !ok {
		c.candidates[peerID] = append(c.candidates[peerID], cand)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if err := tr.AddICECandidate(cand); err != nil {
		c.logger.Printf("Failed to add ICE candidate from %s: %v", peerID, err)
	}
}

// shouldInitiate picks the side that re-offers after a timeout: whoever
// initiated before, or the smaller id when there is no transport.
func (c *Client) shouldInitiate(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tr, ok := c.peers[peerID]; ok {
		return tr.Initiator()
	}
	return c.localID < peerID
}

// rehandshake tears down the transport to peerID and, when initiate is
// set, starts over with a new offer. Each peer gets HandshakeBudget
// attempts before it is dropped.
func (c *Client) rehandshake(peerID string, initiate bool) {
	c.mu.Lock()
	c.handshakes[peerID]++
	n := c.handshakes[peerID]
	c.mu.Unlock()

	if n > c.opts.HandshakeBudget {
		c.logger.Printf("Handshake budget for %s exhausted, dropping peer", peerID)
		c.events.OnError(neterr.Terminal(neterr.PeerConnectionFailed, "handshake attempts exhausted", nil).
			With("peerId", peerID).
			With("attempts", n-1))
		c.dropPeer(peerID, true)
		return
	}

	if !initiate {
		c.logger.Printf("Waiting for %s to offer again (%d/%d)", peerID, n, c.opts.HandshakeBudget)
		c.closeTransport(peerID)
		return
	}
	c.logger.Printf("Re-handshaking with %s (%d/%d)", peerID, n, c.opts.HandshakeBudget)
	if _, err := c.replaceTransport(peerID, true); err != nil {
		c.events.OnError(err)
		return
	}
	c.offer(peerID)
}

func (c *Client) handshakeFailed(peerID string, tr Transport, err error) {
	c.logger.Printf("Negotiation with %s failed: %v", peerID, err)
	if cur, ok := c.Transport(peerID); !ok || cur != tr {
		return
	}
	c.rehandshake(peerID, tr.Initiator())
}

// replaceTransport closes any transport to peerID and creates a new one,
// flushing candidates that arrived before it.
func (c *Client) replaceTransport(peerID string, initiator bool) (Transport, error) {
	c.mu.Lock()
	old, exists := c.peers[peerID]
	if !exists && len(c.peers) >= c.opts.MaxPeers {
		c.mu.Unlock()
		return nil, neterr.New(neterr.MaxPeersReached, "peer limit reached", nil).
			With("peerId", peerID).
			With("max", c.opts.MaxPeers)
	}
	delete(c.peers, peerID)
	c.mu.Unlock()
	if exists {
		old.Close()
	}

	tr, err := c.factory.NewTransport(peerID, initiator, c)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		tr.Close()
		return nil, neterr.Terminal(neterr.PeerConnectionFailed, "client closed", nil)
	}
	c.peers[peerID] = tr
	buffered := c.candidates[peerID]
	delete(c.candidates, peerID)
	c.mu.Unlock()

	for _, cand := range buffered {
		if err := tr.AddICECandidate(cand); err != nil {
			c.logger.Printf("Failed to add buffered ICE candidate from %s: %v", peerID, err)
		}
	}
	return tr, nil
}

func (c *Client) closeTransport(peerID string) {
	c.mu.Lock()
	tr, ok := c.peers[peerID]
	delete(c.peers, peerID)
	c.mu.Unlock()
	if ok {
		tr.Close()
	}
}

// dropPeer forgets everything about peerID. With notify set the layer
// above is told the peer is gone.
func (c *Client) dropPeer(peerID string, notify bool) {
	c.mu.Lock()
	tr, ok := c.peers[peerID]
	delete(c.peers, peerID)
	delete(c.candidates, peerID)
	delete(c.handshakes, peerID)
	closed := c.closed
	c.mu.Unlock()

	if ok {
		tr.Close()
	}
	if notify && !closed {
		c.events.OnPeerDisconnected(peerID)
	}
}

func (c *Client) dropAll() {
	for _, id := range c.Peers() {
		c.dropPeer(id, true)
	}
	c.mu.Lock()
	c.candidates = make(map[string][]webrtc.ICECandidateInit)
	c.handshakes = make(map[string]int)
	c.mu.Unlock()
}

// The client is the observer of every transport it creates.

func (c *Client) OnLocalCandidate(peerID string, cand webrtc.ICECandidateInit) {
	c.signal(models.SignalMessage{Type: models.SignalTypeCandidate, TargetID: peerID, Candidate: encode(cand)})
}

func (c *Client) OnOffer(peerID string, offer webrtc.SessionDescription) {
	c.sendDescription(peerID, offer)
}

func (c *Client) OnStateChange(peerID string, s peer.State) {
	c.logger.Printf("Connection to %s is %s", peerID, s)
}

func (c *Client) OnChannelOpen(peerID string) {
	c.mu.Lock()
	delete(c.handshakes, peerID)
	c.mu.Unlock()
	c.events.OnPeerConnected(peerID)
}

func (c *Client) OnChannelClose(peerID string) {
	c.logger.Printf("Data channel to %s closed, dropping peer", peerID)
	c.dropPeer(peerID, true)
}

func (c *Client) OnMessage(peerID string, msg wire.Message) {
	c.events.OnMessage(peerID, msg)
}

func (c *Client) OnError(peerID string, err error) {
	if kind, _ := neterr.KindOf(err); kind == neterr.PeerConnectionFailed {
		c.logger.Printf("Connection to %s failed for good: %v", peerID, err)
		c.dropPeer(peerID, true)
	}
	c.events.OnError(err)
}
