package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Opcodes understood by the contract VM
const (
	OpAdd          = "ADD"
	OpSub          = "SUB"
	OpMul          = "MUL"
	OpDiv          = "DIV"
	OpDup          = "DUP"
	OpEqual        = "EQUAL"
	OpLessThan     = "LESSTHAN"
	OpGreaterThan  = "GREATERTHAN"
	OpContinueTrue = "CONTINUETRUE"
	OpEpoch        = "EPOCH"
	OpChainEpoch   = "CHAINEPOCH"
	OpGetBestBlock = "GETBESTBLK"
	OpIsNameUsed   = "ISNAMEUSED"
	OpGetItemEpoch = "GETITEMEPOCH"
)

// HexMarker prefixes hex literals so numeric-looking data is not read as a number
const HexMarker = "HEX:"

var opcodes = map[string]bool{
	OpAdd: true, OpSub: true, OpMul: true, OpDiv: true, OpDup: true,
	OpEqual: true, OpLessThan: true, OpGreaterThan: true, OpContinueTrue: true,
	OpEpoch: true, OpChainEpoch: true,
	OpGetBestBlock: true, OpIsNameUsed: true, OpGetItemEpoch: true,
}

var contextualOpcodes = map[string]bool{
	OpGetBestBlock: true,
	OpIsNameUsed:   true,
	OpGetItemEpoch: true,
}

var decimalRegex = regexp.MustCompile(`^-?[0-9]+(\.[0-9]+)?$`)

// Script execution errors
var (
	ErrScriptEmpty    = errors.New("script is empty")
	ErrScriptTooShort = errors.New("script has too few tokens")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrStackUnderflow = errors.New("stack underflow")
	ErrTypeMismatch   = errors.New("operand type mismatch")
	ErrMalformedHex   = errors.New("malformed hex literal")
	ErrDivideByZero   = errors.New("division by zero")
	ErrMissingContext = errors.New("contextual opcode without context")
	ErrEmptyStack     = errors.New("script finished with an empty stack")
)

// ScriptContext is the data injected into a contract run. BestBlock and
// Items are only needed by contextual opcodes and may be left nil.
type ScriptContext struct {
	Self      *Item
	Now       time.Time
	BestBlock *int64
	Items     []*Item
}

// ScriptOutcome is the result of a completed run. Success is false only when
// execution failed; a contract that ran and said no has Success with Result != 1.
type ScriptOutcome struct {
	Result  float64
	Success bool
	Halted  bool
}

// Passed reports whether the contract approved the item
func (o ScriptOutcome) Passed() bool {
	return o.Success && o.Result == 1
}

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenData
	tokenOpcode
)

type scriptToken struct {
	kind tokenKind
	num  float64
	data string
	op   string
	raw  string
}

type stackValue struct {
	isData bool
	num    float64
	data   string
}

func (v stackValue) equal(o stackValue) bool {
	if v.isData != o.isData {
		return false
	}
	if v.isData {
		return v.data == o.data
	}
	return v.num == o.num
}

// tokenize splits a script into typed tokens
func tokenize(script string) ([]scriptToken, error) {
	fields := strings.Fields(script)
	tokens := make([]scriptToken, 0, len(fields))
	for pos, field := range fields {
		tok, err := parseToken(field)
		if err != nil {
			return nil, fmt.Errorf("token %d %q: %w", pos, field, err)
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func parseToken(field string) (scriptToken, error) {
	if strings.HasPrefix(field, HexMarker) {
		decoded, err := hex.DecodeString(strings.TrimPrefix(field, HexMarker))
		if err != nil {
			return scriptToken{}, ErrMalformedHex
		}
		return scriptToken{kind: tokenData, data: string(decoded), raw: field}, nil
	}
	if opcodes[field] {
		return scriptToken{kind: tokenOpcode, op: field, raw: field}, nil
	}
	if decimalRegex.MatchString(field) {
		n, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return scriptToken{}, fmt.Errorf("%w: %v", ErrTypeMismatch, err)
		}
		return scriptToken{kind: tokenNumber, num: FormatNum(n), raw: field}, nil
	}
	if len(field)%2 == 0 {
		if decoded, err := hex.DecodeString(field); err == nil {
			return scriptToken{kind: tokenData, data: string(decoded), raw: field}, nil
		}
	}
	return scriptToken{}, ErrUnknownOpcode
}

// ContextualOpcodes returns the contextual opcodes a script uses, so the
// caller can prefetch their data before running it. Literal data never matches.
func ContextualOpcodes(script string) []string {
	var found []string
	seen := make(map[string]bool)
	for _, field := range strings.Fields(script) {
		tok, err := parseToken(field)
		if err != nil || tok.kind != tokenOpcode || !contextualOpcodes[tok.op] {
			continue
		}
		if !seen[tok.op] {
			seen[tok.op] = true
			found = append(found, tok.op)
		}
	}
	return found
}

// HexEncode encodes a string as a marked hex literal
func HexEncode(s string) string {
	return HexMarker + hex.EncodeToString([]byte(s))
}

// HexDecode decodes a hex literal with or without the marker
func HexDecode(s string) (string, error) {
	decoded, err := hex.DecodeString(strings.TrimPrefix(s, HexMarker))
	if err != nil {
		return "", ErrMalformedHex
	}
	return string(decoded), nil
}

// ScriptVM executes item validation contracts
type ScriptVM struct{}

// NewScriptVM returns a contract interpreter
func NewScriptVM() *ScriptVM {
	return &ScriptVM{}
}

type scriptRun struct {
	stack []stackValue
	ctx   ScriptContext
}

func (r *scriptRun) push(v stackValue) {
	r.stack = append(r.stack, v)
}

func (r *scriptRun) pushNum(n float64) {
	r.push(stackValue{num: n})
}

func (r *scriptRun) pop() (stackValue, error) {
	if len(r.stack) == 0 {
		return stackValue{}, ErrStackUnderflow
	}
	v := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	return v, nil
}

// popPair pops b then a, where a was pushed first
func (r *scriptRun) popPair() (stackValue, stackValue, error) {
	if len(r.stack) < 2 {
		return stackValue{}, stackValue{}, ErrStackUnderflow
	}
	b, _ := r.pop()
	a, _ := r.pop()
	return a, b, nil
}

func (r *scriptRun) popNumbers() (float64, float64, error) {
	a, b, err := r.popPair()
	if err != nil {
		return 0, 0, err
	}
	if a.isData || b.isData {
		return 0, 0, ErrTypeMismatch
	}
	return a.num, b.num, nil
}

func boolNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Execute runs a contract against the given context
func (vm *ScriptVM) Execute(script string, ctx ScriptContext) (ScriptOutcome, error) {
	if strings.TrimSpace(script) == "" {
		return ScriptOutcome{}, ErrScriptEmpty
	}
	tokens, err := tokenize(script)
	if err != nil {
		return ScriptOutcome{}, err
	}
	if len(tokens) <= 1 {
		return ScriptOutcome{}, ErrScriptTooShort
	}
	if ctx.Now.IsZero() {
		ctx.Now = time.Now()
	}

	run := &scriptRun{ctx: ctx}
	for pos, tok := range tokens {
		switch tok.kind {
		case tokenNumber:
			run.pushNum(tok.num)
			continue
		case tokenData:
			run.push(stackValue{isData: true, data: tok.data})
			continue
		}

		halt, err := run.step(tok.op)
		if err != nil {
			return ScriptOutcome{}, fmt.Errorf("token %d %s: %w", pos, tok.op, err)
		}
		if halt {
			return ScriptOutcome{Result: 1, Success: true, Halted: true}, nil
		}
	}

	top, err := run.pop()
	if err != nil {
		return ScriptOutcome{}, ErrEmptyStack
	}
	if top.isData {
		return ScriptOutcome{Result: 0, Success: true}, nil
	}
	return ScriptOutcome{Result: top.num, Success: true}, nil
}

// step executes one opcode; halt ends the run with a pass
func (r *scriptRun) step(op string) (bool, error) {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv:
		a, b, err := r.popNumbers()
		if err != nil {
			return false, err
		}
		var res float64
		switch op {
		case OpAdd:
			res = a + b
		case OpSub:
			res = a - b
		case OpMul:
			res = a * b
		case OpDiv:
			if b == 0 {
				return false, ErrDivideByZero
			}
			res = a / b
		}
		r.pushNum(FormatNum(res))

	case OpDup:
		if len(r.stack) == 0 {
			return false, ErrStackUnderflow
		}
		r.push(r.stack[len(r.stack)-1])

	case OpEqual:
		a, b, err := r.popPair()
		if err != nil {
			return false, err
		}
		r.pushNum(boolNum(a.equal(b)))

	case OpLessThan, OpGreaterThan:
		a, b, err := r.popNumbers()
		if err != nil {
			return false, err
		}
		if op == OpLessThan {
			r.pushNum(boolNum(a < b))
		} else {
			r.pushNum(boolNum(a > b))
		}

	case OpContinueTrue:
		v, err := r.pop()
		if err != nil {
			return false, err
		}
		if v.isData || v.num != 1 {
			return true, nil
		}

	case OpEpoch:
		r.pushNum(float64(r.ctx.Now.Unix()))

	case OpChainEpoch:
		if r.ctx.Self != nil && r.ctx.Self.Timestamp > 0 {
			r.pushNum(float64(r.ctx.Self.Timestamp))
		} else {
			r.pushNum(float64(r.ctx.Now.Unix()))
		}

	case OpGetBestBlock:
		if r.ctx.BestBlock == nil {
			return false, ErrMissingContext
		}
		r.pushNum(float64(*r.ctx.BestBlock))

	case OpIsNameUsed:
		if r.ctx.Items == nil {
			return false, ErrMissingContext
		}
		v, err := r.pop()
		if err != nil {
			return false, err
		}
		if !v.isData {
			return false, ErrTypeMismatch
		}
		used := false
		for _, item := range r.ctx.Items {
			if r.ctx.Self != nil && item.Tx == r.ctx.Self.Tx {
				continue
			}
			if item.Name == v.data {
				used = true
				break
			}
		}
		r.pushNum(boolNum(used))

	case OpGetItemEpoch:
		if r.ctx.Items == nil {
			return false, ErrMissingContext
		}
		v, err := r.pop()
		if err != nil {
			return false, err
		}
		if !v.isData {
			return false, ErrTypeMismatch
		}
		epoch := float64(UnknownTimestamp)
		for _, item := range r.ctx.Items {
			if item.Tx == v.data {
				epoch = float64(item.Timestamp)
				break
			}
		}
		r.pushNum(epoch)

	default:
		return false, ErrUnknownOpcode
	}
	return false, nil
}
