package connectivity

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/1ureka/meshlink/internal/peer"
	"github.com/1ureka/meshlink/internal/protocol"
	"github.com/1ureka/meshlink/internal/util"
)

const (
	DefaultAttempts = 5
	DefaultBackoff  = 2 * time.Second
)

// ErrNoEntryPoints is returned by Probe when it has nobody to ask.
var ErrNoEntryPoints = errors.New("no entry points configured")

// ProbeOptions tune Probe.
type ProbeOptions struct {
	// Attempts is raised to the number of entry points so every entry point
	// is asked at least once.
	Attempts int
	Backoff  time.Duration
	Request  RequestOptions
}

// ProbeError reports a probe that exhausted its attempts.
type ProbeError struct {
	Attempted []peer.Descriptor
	Last      error
}

func (e *ProbeError) Error() string {
	names := make([]string, len(e.Attempted))
	for i, d := range e.Attempted {
		names[i] = d.String()
	}
	return fmt.Sprintf("connectivity probe failed, attempted entry points [%s]: %v", strings.Join(names, ", "), e.Last)
}

func (e *ProbeError) Unwrap() error { return e.Last }

// Probe asks the entry points, in random order, until one answers.
func Probe(ctx context.Context, entryPoints []peer.Descriptor, req protocol.ConnectivityRequest, opts ProbeOptions) (*protocol.ConnectivityResponse, error) {
	if len(entryPoints) == 0 {
		return nil, ErrNoEntryPoints
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	attempts = max(attempts, len(entryPoints))
	backoff := opts.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	log := util.NewLogger("connectivity")

	order := make([]peer.Descriptor, len(entryPoints))
	copy(order, entryPoints)
	rand.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	var lastErr error
	attempted := make([]peer.Descriptor, 0, len(order))
	for i := 0; i < attempts; i++ {
		if i > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			}
		}

		ep := order[i%len(order)]
		if i < len(order) {
			attempted = append(attempted, ep)
		}
		resp, err := SendRequest(ctx, ep, req, opts.Request)
		if err == nil {
			util.Stats.AddProbe(true)
			log.Info("entry point %s sees us as %s (%s)", ep.NodeID.Short(), resp.NatType, resp.IPAddress)
			return resp, nil
		}
		lastErr = err
		log.Warn("connectivity check via %s failed (attempt %d/%d): %v", ep.NodeID.Short(), i+1, attempts, err)
	}

	util.Stats.AddProbe(false)
	return nil, &ProbeError{Attempted: attempted, Last: lastErr}
}

// SelfDescriptor builds the descriptor this node advertises. Without a
// probe result the configured endpoint is kept; an UNKNOWN classification
// advertises no endpoint at all.
func SelfDescriptor(id peer.NodeID, typ peer.Type, configured *peer.Endpoint, resp *protocol.ConnectivityResponse) peer.Descriptor {
	switch {
	case resp == nil:
		return peer.NewDescriptor(id, typ, configured)
	case resp.NatType == protocol.NatTypeOpenInternet && resp.Websocket != nil:
		return peer.NewDescriptor(id, typ, resp.Websocket)
	default:
		return peer.NewDescriptor(id, typ, nil)
	}
}
