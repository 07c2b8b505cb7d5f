package multiplexer

// inboundQueueSize is the bounded capacity of a Channel's inbound queue
// (spec: "bounded inbound queue of capacity 2 messages"). A full queue causes
// new inbound DATA frames to be dropped rather than block the reader loop.
const inboundQueueSize = 2

// Channel is one bidirectional byte stream multiplexed over a
// [Multiplexer], identified by a [ChannelID]. Channels are created by
// [Multiplexer.CreateChannel] or by an inbound NEW frame, and are only valid
// while registered in their multiplexer's channel table. Once removed (CLOSE
// sent/received, or multiplexer shutdown), Read returns [ErrTransportClose]
// or [ErrNotConnected]. Write fails with [ErrNotConnected] only after the
// multiplexer shuts down: a Write on a channel removed by CLOSE still
// enqueues a DATA frame and returns nil.
type Channel struct {
	id  ChannelID
	out chan<- Message // multiplexer's outbound queue
	in  chan Message    // bounded inbound queue, capacity inboundQueueSize

	done <-chan struct{} // closed when the owning multiplexer shuts down
}

func newChannel(id ChannelID, out chan<- Message, done <-chan struct{}) *Channel {
	return &Channel{
		id:   id,
		out:  out,
		in:   make(chan Message, inboundQueueSize),
		done: done,
	}
}

// ID returns the channel's id.
func (c *Channel) ID() ChannelID { return c.id }

// Write sends data to the remote peer over this channel as a DATA frame.
// Write blocks if the multiplexer's outbound queue is full (backpressure),
// until the frame is enqueued or the multiplexer shuts down.
func (c *Channel) Write(data []byte) error {
	select {
	case c.out <- DataMessage(c.id, data):
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// Read waits for and returns the next inbound DATA payload. It returns
// [ErrTransportClose] once a CLOSE frame for this channel has been
// delivered, and [ErrNotConnected] if the owning multiplexer shuts down
// first.
func (c *Channel) Read() ([]byte, error) {
	select {
	case msg, ok := <-c.in:
		if !ok {
			return nil, ErrTransportClose
		}
		switch msg.Flow {
		case FlowData:
			return msg.Data, nil
		case FlowClose:
			return nil, ErrTransportClose
		default:
			return nil, &ProtocolError{Reason: "unexpected flow type delivered to channel: " + msg.Flow.String()}
		}
	case <-c.done:
		return nil, ErrNotConnected
	}
}

// InitNew returns the NEW frame that announces this channel to the peer.
func (c *Channel) InitNew() Message { return NewMessage(c.id) }

// InitClose returns the CLOSE frame that tears this channel down.
func (c *Channel) InitClose() Message { return CloseMessage(c.id) }

// deliver is called by the multiplexer's reader loop to hand an inbound
// frame to this channel. If the inbound queue is full the frame is dropped
// (reported via the ok return so the caller can log/count it); deliver never
// blocks.
func (c *Channel) deliver(msg Message) (ok bool) {
	select {
	case c.in <- msg:
		return true
	default:
		return false
	}
}

// closeInbound marks the channel as closed to any pending or future Read,
// without going through the normal CLOSE-message path (used during
// multiplexer shutdown, where every channel is force-closed at once).
func (c *Channel) closeInbound() {
	select {
	case c.in <- Message{ID: c.id, Flow: FlowClose}:
	default:
		// inbound queue full: drain one slot to make room, this is teardown
		// so losing a stale DATA frame here is acceptable.
		select {
		case <-c.in:
		default:
		}
		select {
		case c.in <- Message{ID: c.id, Flow: FlowClose}:
		default:
		}
	}
}
