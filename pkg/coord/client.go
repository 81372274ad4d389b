// Copyright 2026 The Freshet Authors.
//
// Use of this software is governed by the Freshet Software License
// included in the /LICENSE file.

package coord

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/freshetdb/freshet/pkg/repr"
	"github.com/freshetdb/freshet/pkg/sql"
	"github.com/freshetdb/freshet/pkg/tsoracle"
	"github.com/freshetdb/freshet/pkg/util/log"
	"github.com/freshetdb/freshet/pkg/util/timeutil"
	"github.com/freshetdb/freshet/pkg/util/tracing"
	"github.com/google/uuid"
)

// ConnID identifies one client connection for the lifetime of its session.
type ConnID uint32

func (id ConnID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Notice is an out-of-band advisory message delivered to sessions.
type Notice struct {
	Message string
}

// Session is the coordinator's record of one client connection. Its fields
// are owned by the coordinator task.
type Session struct {
	conn               ConnID
	user               string
	strictSerializable bool
	notices            chan Notice
}

// command is a request from a client session to the coordinator.
type command interface {
	cmd()
}

type startupResult struct {
	client *SessionClient
	err    error
}

type cmdStartup struct {
	user               string
	strictSerializable bool
	resp               chan startupResult
}

type cmdExecute struct {
	ec   *ExecuteContext
	stmt sql.Statement
}

type cmdCancel struct {
	conn ConnID
}

type cmdTerminate struct {
	conn ConnID
	done chan struct{}
}

func (cmdStartup) cmd()   {}
func (cmdExecute) cmd()   {}
func (cmdCancel) cmd()    {}
func (cmdTerminate) cmd() {}

// ExecuteResponse is the successful result of one statement. The set of
// implementations is closed.
type ExecuteResponse interface {
	executeResponse()
}

// RowsResponse carries the rows of a SELECT.
type RowsResponse struct {
	Rows   []repr.RowUpdate
	ReadTs repr.Timestamp
}

// AppendedResponse reports a completed INSERT.
type AppendedResponse struct {
	Count   uint64
	WriteTs repr.Timestamp
}

// CreatedResponse reports a completed CREATE.
type CreatedResponse struct {
	ID repr.ID
}

// AlteredResponse reports a completed ALTER.
type AlteredResponse struct{}

// DroppedResponse reports a completed DROP, listing every object removed
// including cascades.
type DroppedResponse struct {
	IDs []repr.ID
}

// SubscribingResponse reports a started SUBSCRIBE. Events arrive on the
// channel until the subscription completes or is dropped.
type SubscribingResponse struct {
	Events <-chan SubscribeEvent
}

// CopiedResponse reports a completed COPY ... TO.
type CopiedResponse struct {
	RowCount uint64
}

// ExplainTimestampResponse reports how a read timestamp would be chosen.
type ExplainTimestampResponse struct {
	Determination TimestampDetermination
}

// CanceledResponse reports that the statement was canceled before
// completion.
type CanceledResponse struct{}

func (*RowsResponse) executeResponse()             {}
func (*AppendedResponse) executeResponse()         {}
func (*CreatedResponse) executeResponse()          {}
func (*AlteredResponse) executeResponse()          {}
func (*DroppedResponse) executeResponse()          {}
func (*SubscribingResponse) executeResponse()      {}
func (*CopiedResponse) executeResponse()           {}
func (*ExplainTimestampResponse) executeResponse() {}
func (*CanceledResponse) executeResponse()         {}

// SubscribeEvent is one batch of subscription output rows, or a terminal
// error. The events channel closes when the subscription completes.
type SubscribeEvent struct {
	Rows []repr.Row
	Err  error
}

// TimestampDetermination explains a read timestamp choice.
type TimestampDetermination struct {
	Timeline     tsoracle.Timeline
	ReadTs       repr.Timestamp
	OracleReadTs repr.Timestamp
}

// statementRecord is the material logged to the statement history when a
// statement retires.
type statementRecord struct {
	id       uuid.UUID
	tag      string
	status   string
	errMsg   string
	began    time.Time
	finished time.Time
}

type executeResult struct {
	resp ExecuteResponse
	err  error
}

// ExecuteContext accompanies one statement from arrival to retirement. All
// sequencing paths finish by calling Retire exactly once, which releases the
// client and logs the statement's end.
type ExecuteContext struct {
	ctx     context.Context
	coord   *Coordinator
	conn    ConnID
	stmtID  uuid.UUID
	tag     string
	began   time.Time
	respCh  chan executeResult
	retired atomic.Bool
	// stmt is the original statement, kept so sequencing can replan it from
	// scratch when the catalog changes while the statement is off-task.
	// Owned by the coordinator task.
	stmt sql.Statement
	// ddl marks the statement as the current holder of the serialized DDL
	// slot. Owned by the coordinator task.
	ddl bool
}

func (c *Coordinator) newExecuteContext(ctx context.Context, conn ConnID, tag string) *ExecuteContext {
	return &ExecuteContext{
		ctx:    ctx,
		coord:  c,
		conn:   conn,
		stmtID: uuid.New(),
		tag:    tag,
		began:  timeutil.Now(),
		respCh: make(chan executeResult, 1),
	}
}

// ConnID returns the id of the connection the statement arrived on.
func (ec *ExecuteContext) ConnID() ConnID { return ec.conn }

// Retire completes the statement: the result is released to the client and
// the statement's end is recorded. Calling Retire more than once is a bug;
// later calls are dropped with a log message.
func (ec *ExecuteContext) Retire(resp ExecuteResponse, err error) {
	if !ec.retired.CompareAndSwap(false, true) {
		log.Errorf(ec.ctx, "statement %s retired twice: %v", ec.stmtID, errors.AssertionFailedf("double retire"))
		return
	}
	select {
	case ec.respCh <- executeResult{resp: resp, err: err}:
	case <-ec.ctx.Done():
		log.Warningf(ec.ctx, "client connection %s gone; dropping result of %s", ec.conn, ec.tag)
	}
	status := "success"
	errMsg := ""
	switch {
	case err != nil:
		status = "error"
		errMsg = err.Error()
	default:
		if _, ok := resp.(*CanceledResponse); ok {
			status = "canceled"
		}
	}
	ec.coord.sendMessage(msgRetireExecute{
		record: statementRecord{
			id:       ec.stmtID,
			tag:      ec.tag,
			status:   status,
			errMsg:   errMsg,
			began:    ec.began,
			finished: timeutil.Now(),
		},
		span: tracing.SpanMetaFromContext(ec.ctx),
	})
}

// Client starts sessions against a running coordinator.
type Client struct {
	coord *Coordinator
}

// SessionOption configures a session at startup.
type SessionOption func(*cmdStartup)

// StrictSerializable makes the session's reads linearize against the
// timestamp oracle before results are released.
func StrictSerializable() SessionOption {
	return func(cmd *cmdStartup) { cmd.strictSerializable = true }
}

// Startup creates a session for the given user.
func (cl *Client) Startup(ctx context.Context, user string, opts ...SessionOption) (*SessionClient, error) {
	cmd := cmdStartup{user: user, resp: make(chan startupResult, 1)}
	for _, opt := range opts {
		opt(&cmd)
	}
	if err := cl.coord.sendCommand(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case res := <-cmd.resp:
		return res.client, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cl.coord.stopper.ShouldQuiesce():
		return nil, errors.New("coordinator shutting down")
	}
}

// SessionClient is a client's handle on one session.
type SessionClient struct {
	coord   *Coordinator
	conn    ConnID
	notices <-chan Notice
}

// ConnID returns the session's connection id.
func (sc *SessionClient) ConnID() ConnID { return sc.conn }

// Notices returns the session's notice channel. Notices are dropped rather
// than buffered without bound if the client does not drain them.
func (sc *SessionClient) Notices() <-chan Notice { return sc.notices }

// Execute runs one statement and waits for its result.
func (sc *SessionClient) Execute(ctx context.Context, stmt sql.Statement) (ExecuteResponse, error) {
	ec := sc.coord.newExecuteContext(ctx, sc.conn, stmt.Tag())
	if err := sc.coord.sendCommand(ctx, cmdExecute{ec: ec, stmt: stmt}); err != nil {
		return nil, err
	}
	select {
	case res := <-ec.respCh:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-sc.coord.stopper.ShouldQuiesce():
		return nil, errors.New("coordinator shutting down")
	}
}

// Cancel interrupts the session's in-flight work: pending peeks are
// canceled and deferred statements abandoned. The session survives.
func (sc *SessionClient) Cancel(ctx context.Context) error {
	return sc.coord.sendCommand(ctx, cmdCancel{conn: sc.conn})
}

// Terminate cancels in-flight work and removes the session.
func (sc *SessionClient) Terminate(ctx context.Context) error {
	cmd := cmdTerminate{conn: sc.conn, done: make(chan struct{})}
	if err := sc.coord.sendCommand(ctx, cmd); err != nil {
		return err
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sc.coord.stopper.ShouldQuiesce():
		return errors.New("coordinator shutting down")
	}
}
