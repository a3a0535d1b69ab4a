// Copyright 2021 Hailiang Zhao <hliangzhao@zju.edu.cn>
// This file is part of the lightChain.
//
// The lightChain is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The lightChain is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the lightChain. If not, see <http://www.gnu.org/licenses/>.

// Package message implements the eight-variant peer wire protocol: each
// message is a JSON object {type, data}, dispatched on type by the node
// layer. This is a tagged union, not a class hierarchy — one Envelope type,
// eight constructors, and one accessor for each of the six variants that
// carry data (mining and request_chain carry none).
package message

import (
	"encoding/json"

	"github.com/pkg/errors"

	"duskchain/core"
)

// Type identifies one of the eight wire message variants.
type Type string

const (
	TypeTx            Type = "tx"
	TypeBlock         Type = "block"
	TypeRebroadcast   Type = "rebroadcast"
	TypeFinalizeBlock Type = "finalize_block"
	TypeRequestChain  Type = "request_chain"
	TypeChain         Type = "chain"
	TypeMining        Type = "mining"
	TypeDisconnect    Type = "disconnect"
)

// ErrDecode wraps any malformed-envelope or missing-field failure. Callers
// log and discard per the node's error policy; it never propagates past the
// dispatcher.
var ErrDecode = errors.New("message: decode failed")

// Envelope is the wire form: a type tag plus its raw, not-yet-validated
// payload.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes env to its canonical JSON wire form.
func Encode(env Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "message: encode envelope")
	}
	return raw, nil
}

// Decode parses raw into an Envelope. It does not validate Data against
// Type; callers use the Decode* accessor matching Type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, errors.Wrapf(ErrDecode, "envelope: %v", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.Wrap(ErrDecode, "envelope: missing type")
	}
	return env, nil
}

// rebroadcastPayload is the {host, port, block} body of a rebroadcast vote.
type rebroadcastPayload struct {
	Host  string     `json:"host"`
	Port  int        `json:"port"`
	Block core.Block `json:"block"`
}

// chainPayload is the {blocks: [...]} body of a chain-sync response.
type chainPayload struct {
	Blocks []core.Block `json:"blocks"`
}

// disconnectPayload is the {host, port} body of a peer departure notice.
type disconnectPayload struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EncodeTx builds a tx envelope carrying tx.
func EncodeTx(tx core.Transaction) (Envelope, error) {
	return marshalInto(TypeTx, tx)
}

// DecodeTx extracts the Transaction from a tx envelope.
func DecodeTx(env Envelope) (core.Transaction, error) {
	var tx core.Transaction
	if err := unmarshalFrom(env, TypeTx, &tx); err != nil {
		return core.Transaction{}, err
	}
	return tx, nil
}

// EncodeBlock builds a block envelope carrying block.
func EncodeBlock(block core.Block) (Envelope, error) {
	return marshalInto(TypeBlock, block)
}

// DecodeBlock extracts the Block from a block envelope.
func DecodeBlock(env Envelope) (core.Block, error) {
	var block core.Block
	if err := unmarshalFrom(env, TypeBlock, &block); err != nil {
		return core.Block{}, err
	}
	return block, nil
}

// EncodeRebroadcast builds a rebroadcast envelope carrying the voter's
// endpoint and the block it is voting for.
func EncodeRebroadcast(host string, port int, block core.Block) (Envelope, error) {
	return marshalInto(TypeRebroadcast, rebroadcastPayload{Host: host, Port: port, Block: block})
}

// DecodeRebroadcast extracts (host, port, block) from a rebroadcast
// envelope.
func DecodeRebroadcast(env Envelope) (host string, port int, block core.Block, err error) {
	var payload rebroadcastPayload
	if err = unmarshalFrom(env, TypeRebroadcast, &payload); err != nil {
		return "", 0, core.Block{}, err
	}
	if payload.Host == "" {
		return "", 0, core.Block{}, errors.Wrap(ErrDecode, "rebroadcast: missing host")
	}
	return payload.Host, payload.Port, payload.Block, nil
}

// EncodeFinalizeBlock builds a finalize_block envelope carrying block.
func EncodeFinalizeBlock(block core.Block) (Envelope, error) {
	return marshalInto(TypeFinalizeBlock, block)
}

// DecodeFinalizeBlock extracts the Block from a finalize_block envelope.
func DecodeFinalizeBlock(env Envelope) (core.Block, error) {
	var block core.Block
	if err := unmarshalFrom(env, TypeFinalizeBlock, &block); err != nil {
		return core.Block{}, err
	}
	return block, nil
}

// EncodeRequestChain builds a request_chain envelope; it carries no data.
func EncodeRequestChain() Envelope {
	return Envelope{Type: TypeRequestChain}
}

// EncodeChain builds a chain envelope carrying the full serialized chain.
func EncodeChain(blocks []core.Block) (Envelope, error) {
	return marshalInto(TypeChain, chainPayload{Blocks: blocks})
}

// DecodeChain extracts the block list from a chain envelope.
func DecodeChain(env Envelope) ([]core.Block, error) {
	var payload chainPayload
	if err := unmarshalFrom(env, TypeChain, &payload); err != nil {
		return nil, err
	}
	return payload.Blocks, nil
}

// EncodeMining builds a mining envelope; it carries no data.
func EncodeMining() Envelope {
	return Envelope{Type: TypeMining}
}

// EncodeDisconnect builds a disconnect envelope naming the departing peer.
func EncodeDisconnect(host string, port int) (Envelope, error) {
	return marshalInto(TypeDisconnect, disconnectPayload{Host: host, Port: port})
}

// DecodeDisconnect extracts (host, port) from a disconnect envelope.
func DecodeDisconnect(env Envelope) (host string, port int, err error) {
	var payload disconnectPayload
	if err = unmarshalFrom(env, TypeDisconnect, &payload); err != nil {
		return "", 0, err
	}
	if payload.Host == "" {
		return "", 0, errors.Wrap(ErrDecode, "disconnect: missing host")
	}
	return payload.Host, payload.Port, nil
}

func marshalInto(t Type, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrapf(err, "message: marshal %s payload", t)
	}
	return Envelope{Type: t, Data: raw}, nil
}

func unmarshalFrom(env Envelope, want Type, out interface{}) error {
	if env.Type != want {
		return errors.Wrapf(ErrDecode, "expected type %s, got %s", want, env.Type)
	}
	if len(env.Data) == 0 {
		return errors.Wrapf(ErrDecode, "%s: missing data", want)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return errors.Wrapf(ErrDecode, "%s: %v", want, err)
	}
	return nil
}
