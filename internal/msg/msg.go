// Package msg defines the closed set of messages a node exchanges with its
// peers and the monitor. Every message implements Message; receivers switch on
// the concrete type.
package msg

import (
	"context"
	"fmt"
	"slices"

	"github.com/user/osd/internal/osdmap"
)

// Kind names a message type.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindOSDMap
	KindOSDOp
	KindPGCreate
	KindPGNotify
	KindPGInfo
	KindPGQuery
	KindPGLog
	KindBoot
	KindAlive
	KindBeacon
	KindPGStats
	KindPing
)

var kindNames = [...]string{
	KindUnknown:  "unknown",
	KindOSDMap:   "osd_map",
	KindOSDOp:    "osd_op",
	KindPGCreate: "pg_create",
	KindPGNotify: "pg_notify",
	KindPGInfo:   "pg_info",
	KindPGQuery:  "pg_query",
	KindPGLog:    "pg_log",
	KindBoot:     "osd_boot",
	KindAlive:    "osd_alive",
	KindBeacon:   "osd_beacon",
	KindPGStats:  "pg_stats",
	KindPing:     "ping",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is implemented by every message type.
type Message interface {
	Kind() Kind
}

// EntityType is the role of a message endpoint.
type EntityType uint8

const (
	EntityMon EntityType = iota + 1
	EntityOSD
	EntityClient
	EntityMgr
)

func (t EntityType) String() string {
	switch t {
	case EntityMon:
		return "mon"
	case EntityOSD:
		return "osd"
	case EntityClient:
		return "client"
	case EntityMgr:
		return "mgr"
	default:
		return "unknown"
	}
}

// Entity identifies the sender of a message.
type Entity struct {
	Type EntityType
	Num  int64
}

func Mon(n int64) Entity    { return Entity{Type: EntityMon, Num: n} }
func OSD(n int32) Entity    { return Entity{Type: EntityOSD, Num: int64(n)} }
func Client(n int64) Entity { return Entity{Type: EntityClient, Num: n} }

func (e Entity) IsMon() bool { return e.Type == EntityMon }

func (e Entity) String() string { return fmt.Sprintf("%s.%d", e.Type, e.Num) }

// OSDMap carries a contiguous range of map epochs, each as a full map or an
// incremental, plus the range of epochs the sender still retains.
type OSDMap struct {
	FSID         string
	Maps         map[osdmap.Epoch][]byte
	Incrementals map[osdmap.Epoch][]byte
	OldestMap    osdmap.Epoch
	NewestMap    osdmap.Epoch
}

func (*OSDMap) Kind() Kind { return KindOSDMap }

func (m *OSDMap) epochs() []osdmap.Epoch {
	out := make([]osdmap.Epoch, 0, len(m.Maps)+len(m.Incrementals))
	for e := range m.Maps {
		out = append(out, e)
	}
	for e := range m.Incrementals {
		out = append(out, e)
	}
	return out
}

// First returns the lowest epoch carried, or 0 when the message is empty.
func (m *OSDMap) First() osdmap.Epoch {
	es := m.epochs()
	if len(es) == 0 {
		return 0
	}
	return slices.Min(es)
}

// Last returns the highest epoch carried, or 0 when the message is empty.
func (m *OSDMap) Last() osdmap.Epoch {
	es := m.epochs()
	if len(es) == 0 {
		return 0
	}
	return slices.Max(es)
}

// OSDOp is a client I/O request against one pg.
type OSDOp struct {
	ReqID    uint64
	PGID     osdmap.SPGID
	MapEpoch osdmap.Epoch
	OID      string
	Ops      []string
	Data     []byte
}

func (*OSDOp) Kind() Kind { return KindOSDOp }

// PGHistory is the interval history a pg is created with.
type PGHistory struct {
	EpochCreated      osdmap.Epoch `msgpack:"epoch_created"`
	EpochPoolCreated  osdmap.Epoch `msgpack:"epoch_pool_created"`
	SameIntervalSince osdmap.Epoch `msgpack:"same_interval_since"`
	LastEpochClean    osdmap.Epoch `msgpack:"last_epoch_clean"`
}

// PGCreateEntry asks for one pg to be created as of Epoch.
type PGCreateEntry struct {
	PGID    osdmap.SPGID
	Epoch   osdmap.Epoch
	History PGHistory
}

// PGCreate is the monitor's batch of pg creation requests.
type PGCreate struct {
	Epoch osdmap.Epoch
	PGs   []PGCreateEntry
}

func (*PGCreate) Kind() Kind { return KindPGCreate }

// PGNotify tells a primary about a replica's copy of a pg. A notify can create
// the pg on the receiver.
type PGNotify struct {
	From       int32
	PGID       osdmap.SPGID
	Epoch      osdmap.Epoch
	QueryEpoch osdmap.Epoch
	History    PGHistory
}

func (*PGNotify) Kind() Kind { return KindPGNotify }

// PGInfo shares pg info between peers and, like a notify, can create the pg.
type PGInfo struct {
	From    int32
	PGID    osdmap.SPGID
	Epoch   osdmap.Epoch
	History PGHistory
}

func (*PGInfo) Kind() Kind { return KindPGInfo }

// PGQuery asks a peer for its info or log of a pg.
type PGQuery struct {
	From  int32
	PGID  osdmap.SPGID
	Epoch osdmap.Epoch
	Type  string
}

func (*PGQuery) Kind() Kind { return KindPGQuery }

// PGLog carries log entries for a pg from a peer.
type PGLog struct {
	From    int32
	PGID    osdmap.SPGID
	Epoch   osdmap.Epoch
	Entries int
}

func (*PGLog) Kind() Kind { return KindPGLog }

// Boot announces a node to the monitor.
type Boot struct {
	Whoami       int32
	OSDFSID      string
	ClusterFSID  string
	OldestMap    osdmap.Epoch
	NewestMap    osdmap.Epoch
	MapEpoch     osdmap.Epoch
	BootEpoch    osdmap.Epoch
	PublicAddrs  osdmap.AddrVec
	ClusterAddrs osdmap.AddrVec
	HBBackAddrs  osdmap.AddrVec
	HBFrontAddrs osdmap.AddrVec
	Features     uint64
	Metadata     map[string]string
}

func (*Boot) Kind() Kind { return KindBoot }

// Alive asks the monitor to record that the node is alive through Want.
type Alive struct {
	Whoami int32
	Epoch  osdmap.Epoch
	Want   osdmap.Epoch
}

func (*Alive) Kind() Kind { return KindAlive }

// Beacon is the periodic liveness report.
type Beacon struct {
	Whoami            int32
	Epoch             osdmap.Epoch
	PGs               []osdmap.PGID
	MinLastEpochClean osdmap.Epoch
}

func (*Beacon) Kind() Kind { return KindBeacon }

// PGStat is the per-pg part of a stats report.
type PGStat struct {
	PGID          osdmap.SPGID `json:"pgid"`
	ReportedEpoch osdmap.Epoch `json:"reported_epoch"`
	State         string       `json:"state"`
	Up            []int32      `json:"up"`
	Acting        []int32      `json:"acting"`
}

// PGStats reports every pg this node is primary for.
type PGStats struct {
	Whoami int32
	Epoch  osdmap.Epoch
	Stats  []PGStat
}

func (*PGStats) Kind() Kind { return KindPGStats }

// Ping is a heartbeat probe. The node core does not handle it.
type Ping struct {
	From  int32
	Epoch osdmap.Epoch
}

func (*Ping) Kind() Kind { return KindPing }

// Dispatcher receives inbound messages.
type Dispatcher interface {
	Dispatch(ctx context.Context, from Entity, m Message)
}
