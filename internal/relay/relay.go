// Package relay pumps bytes between a local connection and a remote channel.
//
// A Pair owns two Relays, one per direction. Whichever half finishes first
// decides how the connection ends: a clean EOF is propagated as a half-close
// when the destination supports it, anything else tears both sides down.
// Teardown happens exactly once per Pair.
package relay

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/nickman/hfwd/internal/constants"
	"github.com/nickman/hfwd/internal/counter"
	"github.com/nickman/hfwd/pkg/logger"
)

// Direction identifies which way a Relay copies.
type Direction int

const (
	// Up copies from the local side to the remote channel.
	Up Direction = iota
	// Down copies from the remote channel to the local side.
	Down
)

// String returns the string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	default:
		return "unknown"
	}
}

// closeWriter is implemented by connections that support half-close
// (*net.TCPConn, ssh.Channel, ...).
type closeWriter interface {
	CloseWrite() error
}

// Relay copies one direction of a Pair.
type Relay struct {
	dir     Direction
	src     io.Reader
	dst     io.Writer
	counter *counter.Counter
	pair    *Pair

	bytes atomic.Int64
	err   error
}

// Direction returns the direction this relay copies.
func (r *Relay) Direction() Direction {
	return r.dir
}

// Bytes returns the bytes read by this relay so far.
func (r *Relay) Bytes() int64 {
	return r.bytes.Load()
}

// Err returns the error that ended the relay, nil for a clean EOF or a
// relay that is still running. Only meaningful after Pair.Wait returns.
func (r *Relay) Err() error {
	return r.err
}

// Stop tears down the pair this relay belongs to.
func (r *Relay) Stop() {
	r.pair.Stop()
}

func (r *Relay) run() {
	defer r.pair.wg.Done()

	buf := make([]byte, r.pair.bufSize)
	for {
		n, err := r.src.Read(buf)
		if n > 0 {
			r.bytes.Add(int64(n))
			if r.counter != nil {
				r.counter.Add(int64(n))
			}
			if _, werr := r.dst.Write(buf[:n]); werr != nil {
				r.finish(werr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			r.finish(err)
			return
		}
	}
}

// finish decides between propagating a half-close and full teardown.
func (r *Relay) finish(err error) {
	r.err = err
	if err != nil || r.pair.closed.Load() {
		r.pair.Stop()
		return
	}

	cw, ok := r.dst.(closeWriter)
	if !ok {
		r.pair.Stop()
		return
	}
	if cwErr := cw.CloseWrite(); cwErr != nil {
		r.pair.Stop()
		return
	}
	if r.pair.halfDone.Add(1) == 2 {
		r.pair.Stop()
	}
}

// Config holds pair configuration.
type Config struct {
	// BufferSize is the copy buffer size per direction.
	BufferSize int
	// OnClose runs once after both sides have been closed.
	OnClose func()
}

// Pair is the two relays serving one accepted connection.
type Pair struct {
	local  io.ReadWriteCloser
	remote io.ReadWriteCloser

	up   *Relay
	down *Relay

	bufSize  int
	onClose  func()
	closed   atomic.Bool
	halfDone atomic.Int32
	done     chan struct{}
	wg       sync.WaitGroup
	started  atomic.Bool

	log *logger.Logger
}

// NewPair creates a relay pair between local and remote. Bytes read from
// local are added to up, bytes read from remote to down. Either counter may
// be nil.
func NewPair(local, remote io.ReadWriteCloser, up, down *counter.Counter, cfg Config, log *logger.Logger) *Pair {
	if log == nil {
		log = logger.NewDefault()
	}
	p := &Pair{
		local:   local,
		remote:  remote,
		bufSize: constants.ClampBufferSize(cfg.BufferSize),
		onClose: cfg.OnClose,
		done:    make(chan struct{}),
		log:     log.WithStr("component", "relay"),
	}
	p.up = &Relay{dir: Up, src: local, dst: remote, counter: up, pair: p}
	p.down = &Relay{dir: Down, src: remote, dst: local, counter: down, pair: p}
	return p
}

// Start launches both relays. Subsequent calls are no-ops.
func (p *Pair) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(2)
	go p.up.run()
	go p.down.run()
}

// Up returns the local to remote relay.
func (p *Pair) Up() *Relay {
	return p.up
}

// Down returns the remote to local relay.
func (p *Pair) Down() *Relay {
	return p.down
}

// Stop closes both sides. Blocked reads and writes in the relays fail and
// the relays return. Only the first call has any effect, including calls
// made from OnClose.
func (p *Pair) Stop() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	if err := p.local.Close(); err != nil {
		p.log.Debug().Err(err).Msg("Error closing local side")
	}
	if err := p.remote.Close(); err != nil {
		p.log.Debug().Err(err).Msg("Error closing remote channel")
	}

	p.log.Debug().
		Int64("bytes_up", p.up.Bytes()).
		Int64("bytes_down", p.down.Bytes()).
		Msg("Relay pair closed")

	if p.onClose != nil {
		p.onClose()
	}
	close(p.done)
}

// Closed reports whether the pair has been torn down.
func (p *Pair) Closed() bool {
	return p.closed.Load()
}

// Done is closed once teardown has completed.
func (p *Pair) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until both relays have returned. It returns immediately for a
// pair that was never started.
func (p *Pair) Wait() {
	p.wg.Wait()
}
