// Package gcodectl talks to line-oriented G-code motion controllers (GRBL,
// Marlin, and the like): every line written is answered by "ok" or "error:"
// once the controller has accepted it into its planner.
package gcodectl

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/nasa-jpl/jogstream/comm"
	"github.com/nasa-jpl/jogstream/jog"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/tarm/serial"
)

const (
	// OKResponse acknowledges a line
	OKResponse = "ok"

	// ErrorPrefix starts the reply to a line the controller refused
	ErrorPrefix = "error:"

	// Terminator ends every line in both directions
	Terminator = '\n'

	// MaxTries bounds reconnect attempts when a write finds a dead connection
	MaxTries = 3
)

// ErrBadResponse is generated when the controller refuses a line
type ErrBadResponse struct {
	Line string
	Resp string
}

func (e ErrBadResponse) Error() string {
	return fmt.Sprintf("controller refused %q: %s", e.Line, e.Resp)
}

// Config describes how to reach a controller
type Config struct {
	// Addr is host:port for a network bridge, or a device path if Serial
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial selects a serial port rather than TCP
	Serial bool `koanf:"serial" yaml:"serial"`

	// Baud is the serial baud rate
	Baud int `koanf:"baud" yaml:"baud"`

	// Timeout bounds connecting and each read or write
	Timeout time.Duration `koanf:"timeout" yaml:"timeout"`

	// PositionsInMM is set when M114 reports millimeters; they are converted
	// to inches, the unit jog segments are issued in
	PositionsInMM bool `koanf:"positionsInMM" yaml:"positionsInMM"`
}

// Client is a G-code controller client.  It is safe for concurrent use;
// exchanges are serialized over a single connection.
type Client struct {
	pool    *comm.Pool
	timeout time.Duration
	mm      bool
	log     zerolog.Logger
}

// NewClient returns a Client for the controller described by cfg
func NewClient(cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	var maker comm.CreationFunc
	if cfg.Serial {
		if cfg.Baud == 0 {
			cfg.Baud = 115200
		}
		maker = comm.SerialConnMaker(&serial.Config{
			Name:        cfg.Addr,
			Baud:        cfg.Baud,
			ReadTimeout: cfg.Timeout}, cfg.Timeout)
	} else {
		maker = comm.BackingOffTCPConnMaker(cfg.Addr, cfg.Timeout)
	}
	return NewClientWithMaker(maker, cfg, log)
}

// NewClientWithMaker returns a Client whose connections come from maker
func NewClientWithMaker(maker comm.CreationFunc, cfg Config, log zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{
		pool:    comm.NewPool(1, 30*time.Second, maker),
		timeout: cfg.Timeout,
		mm:      cfg.PositionsInMM,
		log:     log.With().Str("controller", cfg.Addr).Logger(),
	}
}

// Close frees the idle connection
func (c *Client) Close() error {
	return c.pool.Close()
}

// Send writes each line of block, waiting for it to be acknowledged
func (c *Client) Send(ctx context.Context, block string) error {
	_, err := c.exchange(ctx, strings.Split(block, "\n"))
	return err
}

// Raw sends one line and returns everything the controller said before "ok"
func (c *Client) Raw(s string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	resp, err := c.exchange(ctx, []string{s})
	return strings.Join(resp, "\n"), err
}

// Positions queries M114 and returns the reported axis positions in inches,
// keyed by upper-case axis letter
func (c *Client) Positions(ctx context.Context) (map[string]float64, error) {
	resp, err := c.exchange(ctx, []string{"M114"})
	if err != nil {
		return nil, err
	}
	for _, line := range resp {
		if strings.Contains(line, "X:") {
			return ParsePositions(line, c.mm)
		}
	}
	return nil, ErrBadResponse{Line: "M114", Resp: strings.Join(resp, " | ")}
}

type session struct {
	conn io.ReadWriter
	term *comm.Terminator
	to   *comm.Timeout
}

func (c *Client) open(ctx context.Context) (session, error) {
	conn, err := c.pool.Get(ctx)
	if err != nil {
		return session{}, err
	}
	s := session{conn: conn}
	var rw io.ReadWriter = conn
	if to, err := comm.NewTimeout(conn, c.timeout); err == nil {
		s.to = to
		rw = to
	}
	s.term = comm.NewTerminator(rw, Terminator, Terminator)
	return s, nil
}

// exchange writes lines one at a time and collects the non-ack replies.
// A dead connection found on the first write is replaced, since nothing has
// reached the controller yet; later failures are returned.
func (c *Client) exchange(ctx context.Context, lines []string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var s session
	for tries := 0; ; tries++ {
		var err error
		s, err = c.open(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "connecting to controller")
		}
		_, err = io.WriteString(s.term, lines[0])
		if err == nil {
			break
		}
		c.pool.Destroy(s.conn)
		if tries+1 >= MaxTries || !isReset(err) {
			return nil, errors.Wrapf(err, "writing %q", lines[0])
		}
		c.log.Debug().Err(err).Int("try", tries+1).Msg("controller connection reset, reconnecting")
	}

	// a connection which failed mid-exchange is out of sync and is dropped
	var connErr error
	defer func() { c.pool.ReturnWithError(s.conn, connErr) }()
	if s.to != nil {
		stop := context.AfterFunc(ctx, s.to.Interrupt)
		defer stop()
	}

	// a refused line does not stop the rest of the block, so trailing modal
	// resets such as G90 still reach the controller
	var (
		resp    []string
		refused error
	)
	for i, line := range lines {
		if i > 0 {
			if _, connErr = io.WriteString(s.term, line); connErr != nil {
				return resp, withContext(ctx, errors.Wrapf(connErr, "writing %q", line))
			}
		}
		replies, err := awaitAck(s.term, line)
		resp = append(resp, replies...)
		if err != nil {
			if bad, ok := err.(ErrBadResponse); ok {
				c.log.Warn().Str("line", line).Str("reply", bad.Resp).Msg("controller refused line")
				if refused == nil {
					refused = bad
				}
				continue
			}
			connErr = err
			return resp, withContext(ctx, err)
		}
	}
	return resp, refused
}

// withContext makes a failure caused by cancellation report as such
func withContext(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ctx.Err(), err.Error())
	}
	return err
}

// awaitAck reads until the acknowledgement of line
func awaitAck(term *comm.Terminator, line string) ([]string, error) {
	var replies []string
	for {
		raw, err := term.ReadLine()
		if err != nil {
			return replies, errors.Wrapf(err, "awaiting ack of %q", line)
		}
		reply := strings.TrimSpace(string(raw))
		switch {
		case reply == "":
			continue
		case reply == OKResponse:
			return replies, nil
		case strings.HasPrefix(reply, ErrorPrefix):
			return replies, ErrBadResponse{Line: line, Resp: reply}
		default:
			replies = append(replies, reply)
		}
	}
}

func isReset(err error) bool {
	s := err.Error()
	return strings.Contains(s, "reset") || strings.Contains(s, "broken pipe")
}

// ParsePositions parses an M114 report such as
//
//	X:1.00 Y:2.00 Z:0.00 E:0.00 Count X:100 Y:200 Z:0
//
// Fields after "Count" are stepper counts and are ignored, as are letters
// which are not jog axes.
func ParsePositions(line string, mm bool) (map[string]float64, error) {
	out := map[string]float64{}
	for _, field := range strings.Fields(line) {
		if field == "Count" {
			break
		}
		k, v, ok := strings.Cut(field, ":")
		if !ok || len(k) != 1 {
			continue
		}
		axis, ok := jog.ParseAxis(k)
		if !ok {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s position", axis)
		}
		if mm {
			f /= jog.MMPerInch
		}
		out[string(axis)] = f
	}
	if len(out) == 0 {
		return nil, ErrBadResponse{Line: "M114", Resp: line}
	}
	return out, nil
}
