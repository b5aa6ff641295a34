// Package caller is the Program Caller (spec §4.6): it dispatches one
// instruction to either an in-process built-in program or a registered
// child connection, recursing through cross-program invocations and
// generating the usual "Program X invoke/success/returned" log bookends.
// Grounded on program_caller.rs's call_program / wait_for_exec_status.
package caller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
	"github.com/segmentio/textio"
	"go.uber.org/zap"

	"go.sealevel.dev/emulator/internal/metrics"
	"go.sealevel.dev/emulator/pkg/sealevel"
	"go.sealevel.dev/emulator/pkg/sverr"
	"go.sealevel.dev/emulator/pkg/wire"
)

// NativeProgram is an in-process stand-in for a program that would
// otherwise run out-of-process over a Channel (spec §4.8 "Built-in
// Program Host").
type NativeProgram interface {
	Exec(instruction []byte, metas []sealevel.AccountMeta, accounts map[sealevel.PublicKey]sealevel.Account) error
}

// CodedError lets a NativeProgram report the numeric return code a
// remote child would have produced for the same failure, instead of the
// generic code 1 every other error maps to.
type CodedError interface {
	error
	Code() uint64
}

// execStatus is the tagged union the background message pump produces
// for each nonce: either a finished execution or a nested CPI request.
type execStatus struct {
	executed *wire.ExecutedMsg
	cpi      *wire.CrossProgramInvokeMsg
}

// shardCount spreads the pending-exec-result map across a fixed number
// of independently-locked buckets keyed by murmur3(nonce), so a busy
// transaction with many outstanding nonces doesn't serialize on one
// mutex the way the original's single tokio Mutex<HashMap<...>> did.
const shardCount = 16

type shard struct {
	mu      sync.Mutex
	results map[uint64]execStatus
	logs    map[uint64][]string
}

// Caller drives program dispatch for the validator.
type Caller struct {
	logger *zap.Logger

	native map[sealevel.PublicKey]NativeProgram

	lookup   func(sealevel.PublicKey) (*wire.Channel, bool)
	nonce    atomic.Uint64
	shards   [shardCount]*shard
	notify   chan struct{}
	notifyMu sync.Mutex
	stopped  atomic.Bool

	logSink func(line string)
	metrics *metrics.Metrics
}

// New builds a Caller. lookup resolves a program id to its registered
// channel (ordinarily Registry.Lookup).
func New(logger *zap.Logger, lookup func(sealevel.PublicKey) (*wire.Channel, bool)) *Caller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Caller{
		logger: logger,
		native: make(map[sealevel.PublicKey]NativeProgram),
		lookup: lookup,
		notify: make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{
			results: make(map[uint64]execStatus),
			logs:    make(map[uint64][]string),
		}
	}
	return c
}

// RegisterNative installs an in-process program implementation.
func (c *Caller) RegisterNative(programID sealevel.PublicKey, p NativeProgram) {
	c.native[programID] = p
}

// SetLogSink installs fn as the destination for every log line this
// Caller produces or relays, in addition to the nonce-keyed buffering
// CallProgram itself does. Used to feed internal/telemetry's Broadcaster
// without this package depending on it directly.
func (c *Caller) SetLogSink(fn func(line string)) {
	c.logSink = fn
}

// SetMetrics installs m so CallProgram can record the CPI depth reached
// by each invocation. Safe to leave unset (e.g. in tests).
func (c *Caller) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

func (c *Caller) publish(line string) {
	if c.logSink != nil {
		c.logSink(line)
	}
}

// HasProgram reports whether programID resolves to either a built-in or
// a currently-registered child connection.
func (c *Caller) HasProgram(programID sealevel.PublicKey) bool {
	if _, ok := c.native[programID]; ok {
		return true
	}
	if c.lookup == nil {
		return false
	}
	_, ok := c.lookup(programID)
	return ok
}

// Pump decodes every ChildMessage arriving on ch and routes it to the
// matching nonce's pending call_program, until the channel shuts down.
// Started in its own goroutine from the registry's OnRegister callback.
func (c *Caller) Pump(ch *wire.Channel) {
	for {
		payload, ok := ch.AwaitRecv()
		if !ok {
			return
		}
		msg, err := wire.DecodeChildMessage(payload)
		if err != nil {
			c.logger.Warn("caller: malformed child frame", zap.Error(err))
			continue
		}
		switch {
		case msg.Log != nil:
			s := c.shardFor(msg.Log.Nonce)
			s.mu.Lock()
			if _, tracked := s.logs[msg.Log.Nonce]; tracked {
				s.logs[msg.Log.Nonce] = append(s.logs[msg.Log.Nonce], msg.Log.Message)
			}
			s.mu.Unlock()
			c.publish(msg.Log.Message)
		case msg.Executed != nil:
			c.deposit(msg.Executed.Nonce, execStatus{executed: msg.Executed})
		case msg.CPI != nil:
			c.deposit(msg.CPI.Nonce, execStatus{cpi: msg.CPI})
		}
	}
}

func (c *Caller) shardFor(nonce uint64) *shard {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(nonce >> (8 * i))
	}
	idx := murmur3.Sum32(buf[:]) % shardCount
	return c.shards[idx]
}

func (c *Caller) deposit(nonce uint64, status execStatus) {
	s := c.shardFor(nonce)
	s.mu.Lock()
	s.results[nonce] = status
	s.mu.Unlock()
	c.notifyMu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.notifyMu.Unlock()
}

func (c *Caller) waitForStatus(ctx context.Context, nonce uint64) (execStatus, error) {
	s := c.shardFor(nonce)
	for {
		if c.stopped.Load() {
			return execStatus{}, sverr.ErrStopping
		}
		s.mu.Lock()
		status, ok := s.results[nonce]
		if ok {
			delete(s.results, nonce)
		}
		s.mu.Unlock()
		if ok {
			return status, nil
		}

		c.notifyMu.Lock()
		ch := c.notify
		c.notifyMu.Unlock()
		select {
		case <-ctx.Done():
			return execStatus{}, ctx.Err()
		case <-ch:
		}
	}
}

// CallProgram runs one instruction, recursing through any nested CPI the
// callee issues, and returns its final return code, the fully-bracketed
// log lines, and the resulting account state.
func (c *Caller) CallProgram(
	ctx context.Context,
	programID sealevel.PublicKey,
	instruction []byte,
	metas []sealevel.AccountMeta,
	accounts map[sealevel.PublicKey]sealevel.Account,
	callDepth uint8,
) (uint64, []string, map[sealevel.PublicKey]sealevel.Account, error) {
	if c.stopped.Load() {
		return 0, nil, nil, sverr.ErrStopping
	}
	if c.metrics != nil {
		c.metrics.CPIDepth.Observe(float64(callDepth))
	}
	if native, ok := c.native[programID]; ok {
		return c.callNative(native, programID, instruction, metas, accounts, callDepth)
	}
	return c.callRemote(ctx, programID, instruction, metas, accounts, callDepth)
}

func (c *Caller) callNative(
	native NativeProgram,
	programID sealevel.PublicKey,
	instruction []byte,
	metas []sealevel.AccountMeta,
	accounts map[sealevel.PublicKey]sealevel.Account,
	callDepth uint8,
) (uint64, []string, map[sealevel.PublicKey]sealevel.Account, error) {
	invokeLine := fmt.Sprintf("Program %s invoke [%d]", programID, callDepth)
	c.publish(invokeLine)
	logs := []string{invokeLine}
	err := native.Exec(instruction, metas, accounts)
	if err == nil {
		line := fmt.Sprintf("Program %s success", programID)
		c.publish(line)
		logs = append(logs, line)
		return 0, logs, accounts, nil
	}
	var coded CodedError
	code := uint64(1)
	if errors.As(err, &coded) {
		code = coded.Code()
	}
	line := fmt.Sprintf("Program %s returned: %v", programID, err)
	c.publish(line)
	logs = append(logs, line)
	return code, logs, accounts, nil
}

func (c *Caller) callRemote(
	ctx context.Context,
	programID sealevel.PublicKey,
	instruction []byte,
	metas []sealevel.AccountMeta,
	accounts map[sealevel.PublicKey]sealevel.Account,
	callDepth uint8,
) (uint64, []string, map[sealevel.PublicKey]sealevel.Account, error) {
	ch, ok := c.lookup(programID)
	if !ok {
		return 0, nil, nil, sverr.ErrUnknownProgram
	}

	nonce := c.nonce.Add(1)
	s := c.shardFor(nonce)
	s.mu.Lock()
	s.logs[nonce] = nil
	s.mu.Unlock()

	c.publish(fmt.Sprintf("Program %s invoke [%d]", programID, callDepth))

	payload, err := wire.EncodeValidatorMessage(wire.ValidatorMessage{Invoke: &wire.InvokeMsg{
		Nonce:        nonce,
		ProgramID:    programID,
		Instruction:  instruction,
		AccountMetas: metas,
		AccountDatas: accounts,
		CallDepth:    callDepth,
	}})
	if err != nil {
		return 0, nil, nil, err
	}
	if err := ch.Send(payload); err != nil {
		return 0, nil, nil, err
	}

	for {
		if c.stopped.Load() {
			return 0, nil, nil, sverr.ErrStopping
		}
		status, err := c.waitForStatus(ctx, nonce)
		if err != nil {
			return 0, nil, nil, err
		}

		if status.executed != nil {
			s.mu.Lock()
			logs := s.logs[nonce]
			delete(s.logs, nonce)
			s.mu.Unlock()

			bracketed := make([]string, 0, len(logs)+2)
			bracketed = append(bracketed, fmt.Sprintf("Program %s invoke [%d]", programID, callDepth))
			bracketed = append(bracketed, logs...)
			var closingLine string
			if status.executed.ReturnCode == 0 {
				closingLine = fmt.Sprintf("Program %s success", programID)
			} else {
				closingLine = fmt.Sprintf("Program %s returned: code %d", programID, status.executed.ReturnCode)
			}
			c.publish(closingLine)
			bracketed = append(bracketed, closingLine)
			return status.executed.ReturnCode, bracketed, status.executed.AccountDatas, nil
		}

		// A nested CPI: recurse, indenting the sub-call's log lines the
		// way a nested stack trace would render, then report the result
		// back to the child that asked for it.
		cpi := status.cpi
		subCode, subLogs, subAccounts, err := c.CallProgram(ctx, cpi.ProgramID, cpi.Instruction, cpi.AccountMetas, cpi.AccountDatas, cpi.CallDepth+1)
		if err != nil {
			return 0, nil, nil, err
		}
		s.mu.Lock()
		s.logs[nonce] = append(s.logs[nonce], indentLines(subLogs)...)
		s.mu.Unlock()

		resultPayload, err := wire.EncodeValidatorMessage(wire.ValidatorMessage{CPIResult: &wire.CrossProgramInvokeResultMsg{
			Nonce:        nonce,
			ReturnCode:   subCode,
			AccountDatas: subAccounts,
		}})
		if err != nil {
			return 0, nil, nil, err
		}
		if err := ch.Send(resultPayload); err != nil {
			return 0, nil, nil, err
		}
	}
}

// indentLines renders nested-invocation log lines one level deeper, the
// way textio.NewPrefixWriter would indent a sub-writer's output.
func indentLines(lines []string) []string {
	var buf indentBuffer
	w := textio.NewPrefixWriter(&buf, "  ")
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
	w.Flush()
	return buf.lines
}

type indentBuffer struct {
	lines []string
	cur   []byte
}

func (b *indentBuffer) Write(p []byte) (int, error) {
	for _, c := range p {
		if c == '\n' {
			b.lines = append(b.lines, string(b.cur))
			b.cur = nil
			continue
		}
		b.cur = append(b.cur, c)
	}
	return len(p), nil
}

// Stop marks the caller as shutting down; any in-flight or future
// CallProgram call returns ErrStopping.
func (c *Caller) Stop() {
	c.stopped.Store(true)
	c.notifyMu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.notifyMu.Unlock()
}
