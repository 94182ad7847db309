package webrtc

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/meshlink/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// sender is the single writer of a DataChannel. It waits for the channel
// to open and pauses while the SCTP buffer is above the high water mark.
type sender struct {
	inbox       chan frame
	drainSignal chan struct{}
	onError     func(error)
	onClose     func()
}

// frame is one queued message, or the marker of a graceful close.
type frame struct {
	data  []byte
	close bool
}

func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}, onError func(error), onClose func()) *sender {
	s := &sender{
		inbox:       make(chan frame, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		onError:     onError,
		onClose:     onClose,
	}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case s.drainSignal <- struct{}{}:
		default:
		}
	})

	go s.loop(ctx, dc, openSignal)
	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case f := <-s.inbox:
			if f.close {
				s.onClose()
				return
			}
			if dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-s.drainSignal:
				case <-ctx.Done():
					return
				}
			}
			if err := dc.Send(f.data); err != nil {
				s.onError(err)
				return
			}
			util.Stats.AddSent(len(f.data))
		case <-ctx.Done():
			return
		}
	}
}

// send queues f, blocking while the inbox is full. It reports false once
// ctx is done.
func (s *sender) send(ctx context.Context, f frame) bool {
	select {
	case s.inbox <- f:
		return true
	case <-ctx.Done():
		return false
	}
}
