package cluster

// CBOR-based wire protocol: frames carry a CBOR-encoded Base{T,ID} header
// followed by message-specific fields. Keys are byte slices produced by the
// KeyCodec; versions travel as (order, uuid-bytes) pairs. Lock responses
// are correlated to their attempt by (future id, mini id), not by frame ID.

import (
	"github.com/google/uuid"

	near "github.com/unkn0wn-root/nearlock"
)

type MsgType uint8

const (
	MTHello MsgType = iota + 1
	MTHelloResp
	MTLock
	MTLockResp
	MTUnlock
	MTGossip
)

type Base struct {
	T  MsgType `cbor:"t"`
	ID uint64  `cbor:"id"`
}

type MsgHello struct {
	Base
	From  string `cbor:"f"`
	Token string `cbor:"tok"`
}

type MsgHelloResp struct {
	Base
	OK  bool   `cbor:"ok"`
	Err string `cbor:"err,omitempty"`
}

// WireVer is the wire form of a version: order plus raw uuid bytes.
type WireVer struct {
	O  uint64 `cbor:"o"`
	ID []byte `cbor:"i"`
}

func toWire(v near.Version) WireVer {
	if v.IsZero() {
		return WireVer{}
	}
	return WireVer{O: v.Order, ID: v.ID[:]}
}

func fromWire(w WireVer) near.Version {
	if w.O == 0 && len(w.ID) == 0 {
		return near.Version{}
	}
	var id uuid.UUID
	copy(id[:], w.ID)
	return near.Version{Order: w.O, ID: id}
}

func toWireList(vs []near.Version) []WireVer {
	if len(vs) == 0 {
		return nil
	}
	out := make([]WireVer, len(vs))
	for i, v := range vs {
		out[i] = toWire(v)
	}
	return out
}

func fromWireList(ws []WireVer) []near.Version {
	if len(ws) == 0 {
		return nil
	}
	out := make([]near.Version, len(ws))
	for i, w := range ws {
		out[i] = fromWire(w)
	}
	return out
}

// LockKey is one key block of a lock request. Reentries get no key block
// (the lock is already held); key bytes are left out only when the
// primary is the local node. DhtVer carries the near
// side's locally-known version so the primary can skip resending a value
// the requester already has; HasVer distinguishes "no version" from zero.
type LockKey struct {
	Key     []byte    `cbor:"k,omitempty"`
	WantRet bool      `cbor:"w,omitempty"`
	Cands   []WireVer `cbor:"c,omitempty"`
	DhtVer  WireVer   `cbor:"v,omitempty"`
	HasVer  bool      `cbor:"hv,omitempty"`
}

type MsgLock struct {
	Base
	TopVer     int64     `cbor:"tv"`
	From       string    `cbor:"f"`  // sender node ID
	Owner      uint64    `cbor:"th"` // logical owner for reentry decisions
	FutID      []byte    `cbor:"fi"`
	MiniID     []byte    `cbor:"mi"`
	LockVer    WireVer   `cbor:"lv"`
	InTx       bool      `cbor:"tx,omitempty"`
	ImplicitTx bool      `cbor:"it,omitempty"`
	ImplSingle bool      `cbor:"is,omitempty"`
	Read       bool      `cbor:"r,omitempty"`
	Isolation  uint8     `cbor:"iso,omitempty"`
	Invalidate bool      `cbor:"inv,omitempty"`
	TimeoutMS  int64     `cbor:"to"`
	SyncCommit bool      `cbor:"sc,omitempty"`
	SyncRB     bool      `cbor:"sr,omitempty"`
	Keys       []LockKey `cbor:"ks"`
}

// LockVal is one key block of a lock response, index-aligned with the
// request. Val is omitted when the requester's copy is already current.
type LockVal struct {
	Val    []byte  `cbor:"v,omitempty"`
	HasVal bool    `cbor:"h,omitempty"`
	DhtVer WireVer `cbor:"dv"`
	HasVer bool    `cbor:"hv"`
}

type MsgLockResp struct {
	Base
	LockVer    WireVer   `cbor:"lv"`
	FutID      []byte    `cbor:"fi"`
	MiniID     []byte    `cbor:"mi"`
	Err        string    `cbor:"err,omitempty"`
	ErrTimeout bool      `cbor:"et,omitempty"` // lock-timeout sentinel, not an error
	Keys       []LockVal `cbor:"ks"`
	Pending    []WireVer `cbor:"p,omitempty"`
	Committed  []WireVer `cbor:"cm,omitempty"`
	RolledBack []WireVer `cbor:"rb,omitempty"`
}

type MsgUnlock struct {
	Base
	From    string   `cbor:"f"`
	LockVer WireVer  `cbor:"lv"`
	Keys    [][]byte `cbor:"ks"`
}

type MsgGossip struct {
	Base
	From  string           `cbor:"f"`
	Addr  string           `cbor:"a"`
	Seen  map[string]int64 `cbor:"sn"`
	Peers []PeerInfo       `cbor:"pe"`
	Epoch uint64           `cbor:"ep"`
	Clock uint64           `cbor:"ck"` // version clock sample for drift bounding
}

type PeerInfo struct {
	ID   string `cbor:"id"`
	Addr string `cbor:"a"`
}
