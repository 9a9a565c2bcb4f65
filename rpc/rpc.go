// Package rpc implements the JSON-RPC handler surface: transaction
// submission and inspection, appeal and cancellation, subscription, and
// finality-window configuration. The HTTP/WS transport in front of these
// handlers is owned by an external server.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/luxfi/crypto"

	"github.com/genlayerlabs/genlayer-studio-sub001/appeal"
	"github.com/genlayerlabs/genlayer-studio-sub001/cctx"
	"github.com/genlayerlabs/genlayer-studio-sub001/eventbus"
	"github.com/genlayerlabs/genlayer-studio-sub001/ids"
	"github.com/genlayerlabs/genlayer-studio-sub001/store"
	"github.com/genlayerlabs/genlayer-studio-sub001/types"
)

// JSON-RPC error codes.
const (
	CodeRateLimited  = -32029
	CodeInvalidState = -32000
	CodeInternal     = -32603
	CodeParse        = -32700

	// CodeNotFound aliases the validation code: an unknown hash is a
	// request-validation failure, distinguished by data.reason.
	CodeNotFound = CodeInvalidState
)

// Error is the {code, message, data?} JSON-RPC error envelope.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return fmt.Sprintf("rpc: %d %s", e.Code, e.Message) }

func notFound(hash ids.Hash) *Error {
	return &Error{Code: CodeNotFound, Message: "transaction not found", Data: map[string]string{
		"reason": "no transaction with hash " + ids.HashString(hash),
	}}
}

func invalidState(reason string) *Error {
	return &Error{Code: CodeInvalidState, Message: "validation error", Data: map[string]string{"reason": reason}}
}

func rateLimited(reason string) *Error {
	return &Error{Code: CodeRateLimited, Message: "rate limited", Data: map[string]string{"reason": reason}}
}

func internalErr(err error) *Error {
	return &Error{Code: CodeInternal, Message: err.Error()}
}

// SendRawTransactionParams mirrors the wire shape for submitting a new
// transaction.
type SendRawTransactionParams struct {
	From          string              `json:"from"`
	To            string              `json:"to"`
	Nonce         uint64              `json:"nonce"`
	Type          types.TxType        `json:"type"`
	Input         []byte              `json:"input"`
	Value         []byte              `json:"value"`
	CommitteeSize int                 `json:"committee_size"`
	MaxRotations  uint32              `json:"max_rotations"`
	ExecutionMode types.ExecutionMode `json:"execution_mode"`
}

// Server implements the JSON-RPC methods against a store, appeal engine,
// and event bus, all wired up externally (by package engine).
type Server struct {
	ctx    *cctx.Context
	store  store.Store
	appeal *appeal.Engine
	bus    *eventbus.Bus
}

// New returns a Server.
func New(c *cctx.Context, s store.Store, appealEngine *appeal.Engine, bus *eventbus.Bus) *Server {
	return &Server{ctx: c, store: s, appeal: appealEngine, bus: bus}
}

// RawTransaction is the wire form of a signed submission: a JSON payload
// plus a 65-byte recoverable secp256k1 signature over the payload's
// keccak256 digest. The sender is not part of the payload; it is recovered
// from the signature.
type RawTransaction struct {
	Payload   json.RawMessage `json:"payload"`
	Signature []byte          `json:"signature"`
}

// RawPayload is the signed portion of a RawTransaction.
type RawPayload struct {
	To            string              `json:"to"`
	Nonce         uint64              `json:"nonce"`
	Type          types.TxType        `json:"type"`
	Input         []byte              `json:"input"`
	Value         []byte              `json:"value"`
	CommitteeSize int                 `json:"committee_size"`
	MaxRotations  uint32              `json:"max_rotations"`
	ExecutionMode types.ExecutionMode `json:"execution_mode"`
}

// SendSignedTransaction decodes signed raw bytes, recovers the sender from
// the signature, and inserts the transaction.
func (s *Server) SendSignedTransaction(signed []byte) (ids.Hash, *Error) {
	var raw RawTransaction
	if err := json.Unmarshal(signed, &raw); err != nil {
		return ids.Hash{}, &Error{Code: CodeParse, Message: err.Error()}
	}

	digest := crypto.Keccak256(raw.Payload)
	pub, err := crypto.Ecrecover(digest, raw.Signature)
	if err != nil {
		return ids.Hash{}, invalidState("bad signature: " + err.Error())
	}
	from, err := ids.AddressFromPublicKey(pub)
	if err != nil {
		return ids.Hash{}, invalidState("bad signature: " + err.Error())
	}

	var p RawPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return ids.Hash{}, &Error{Code: CodeParse, Message: err.Error()}
	}

	return s.SendRawTransaction(SendRawTransactionParams{
		From:          from.String(),
		To:            p.To,
		Nonce:         p.Nonce,
		Type:          p.Type,
		Input:         p.Input,
		Value:         p.Value,
		CommitteeSize: p.CommitteeSize,
		MaxRotations:  p.MaxRotations,
		ExecutionMode: p.ExecutionMode,
	})
}

// SendRawTransaction inserts a new PENDING transaction.
func (s *Server) SendRawTransaction(p SendRawTransactionParams) (ids.Hash, *Error) {
	from, err := ids.AddressFromHex(p.From)
	if err != nil {
		return ids.Hash{}, &Error{Code: CodeParse, Message: err.Error()}
	}
	to, err := ids.AddressFromHex(p.To)
	if err != nil {
		return ids.Hash{}, &Error{Code: CodeParse, Message: err.Error()}
	}

	hash := ids.DeriveTransactionHash(from, to, p.Nonce, p.Value, p.Input, byte(p.Type))

	committeeSize := p.CommitteeSize
	if committeeSize <= 0 {
		committeeSize = s.ctx.Parameters.CommitteeSize
	}
	maxRotations := p.MaxRotations
	if maxRotations == 0 {
		maxRotations = s.ctx.Parameters.MaxRotations
	}

	tx := &types.Transaction{
		Hash:          hash,
		From:          from,
		To:            to,
		Type:          p.Type,
		Nonce:         p.Nonce,
		Input:         p.Input,
		Value:         p.Value,
		Status:        types.StatusPending,
		ExecutionMode: p.ExecutionMode,
		CommitteeSize: committeeSize,
		MaxRotations:  maxRotations,
		InsertedAt:    s.ctx.Clock.Now(),
	}

	if err := s.store.Insert(tx); err != nil {
		switch {
		case errors.Is(err, store.ErrQueueFull):
			return ids.Hash{}, rateLimited(err.Error())
		case errors.Is(err, store.ErrDuplicateNonce), errors.Is(err, store.ErrDuplicateHash):
			return ids.Hash{}, invalidState(err.Error())
		default:
			return ids.Hash{}, internalErr(err)
		}
	}
	return hash, nil
}

// GetTransaction returns the full transaction record, journal included.
func (s *Server) GetTransaction(hash ids.Hash) (*types.Transaction, *Error) {
	tx, err := s.store.Get(hash)
	if err != nil {
		return nil, notFound(hash)
	}
	return tx, nil
}

// GetTransactionStatus returns just the current status.
func (s *Server) GetTransactionStatus(hash ids.Hash) (types.Status, *Error) {
	tx, err := s.store.Get(hash)
	if err != nil {
		return types.StatusUnknown, notFound(hash)
	}
	return tx.Status, nil
}

// AppealTransaction submits an appeal.
func (s *Server) AppealTransaction(ctx context.Context, hash ids.Hash, appealCount uint32) (*types.Transaction, *Error) {
	tx, err := s.appeal.Appeal(ctx, hash, appealCount)
	if err != nil {
		if errors.Is(err, appeal.ErrNotAppealable) {
			return nil, invalidState(err.Error())
		}
		return nil, internalErr(err)
	}
	return tx, nil
}

// CancelTransaction cancels a transaction that has not yet been handed to
// a worker: only PENDING and ACTIVATED are cancelable. Canceling an
// already-CANCELED transaction is a no-op.
func (s *Server) CancelTransaction(hash ids.Hash) *Error {
	tx, err := s.store.Get(hash)
	if err != nil {
		return notFound(hash)
	}

	switch tx.Status {
	case types.StatusCanceled:
		return nil
	case types.StatusPending, types.StatusActivated:
		if _, err := s.store.CASStatus(hash, tx.Status, types.StatusCanceled, nil); err != nil {
			if errors.Is(err, store.ErrStaleStatus) {
				return invalidState("transaction is no longer cancelable")
			}
			return internalErr(err)
		}
		return nil
	default:
		return invalidState("transaction is no longer cancelable")
	}
}

// Subscribe opens a subscription to one transaction's transitions.
func (s *Server) Subscribe(hash ids.Hash) *eventbus.Subscription {
	return s.bus.SubscribeHash(hash)
}

// SubscribeAddress opens a subscription to every transaction against one
// contract address.
func (s *Server) SubscribeAddress(address ids.Address) *eventbus.Subscription {
	return s.bus.SubscribeAddress(address)
}

// SubscribeFirehose opens a subscription to every transition in the
// system.
func (s *Server) SubscribeFirehose() *eventbus.Subscription {
	return s.bus.SubscribeFirehose()
}

// Unsubscribe closes a subscription previously returned by Subscribe.
func (s *Server) Unsubscribe(sub *eventbus.Subscription) {
	sub.Unsubscribe()
}

// GetFinalityWindow returns the currently effective finality window.
func (s *Server) GetFinalityWindow() time.Duration {
	return s.ctx.FinalityWindow.Get()
}

// SetFinalityWindow overrides the finality window at runtime; the
// finalization timer and appeal engine read the same ctx.FinalityWindow,
// so the override takes effect on their next check. A zero window
// finalizes on the next tick.
func (s *Server) SetFinalityWindow(d time.Duration) *Error {
	if d < 0 {
		return invalidState("finality window must not be negative")
	}
	s.ctx.FinalityWindow.Set(d)
	return nil
}
