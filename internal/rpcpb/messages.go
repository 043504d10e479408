package rpcpb

import (
	"raftdfs/internal/hlc"

	"google.golang.org/protobuf/encoding/protowire"
)

// stampWire encodes an hlc.Stamp as an embedded message.
type stampWire struct {
	s *hlc.Stamp
}

func (w stampWire) appendWire(b []byte) []byte {
	b = appendInt(b, 1, w.s.Physical)
	return appendInt(b, 2, w.s.Counter)
}

func (w stampWire) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeInt(typ, b, &w.s.Physical)
		case 2:
			return decodeInt(typ, b, &w.s.Counter)
		}
		return 0, nil
	})
}

func appendStamp(b []byte, num protowire.Number, s hlc.Stamp) []byte {
	if s.IsZero() {
		return b
	}
	return appendMessage(b, num, stampWire{s: &s})
}

// LogEntry is a single entry of the replicated log. Index is 1-based.
type LogEntry struct {
	Index   uint64
	Term    uint64
	Command string
	// Stamp is the leader's hybrid logical time when the entry was appended
	Stamp hlc.Stamp
}

func (m *LogEntry) appendWire(b []byte) []byte {
	b = appendUint(b, 1, m.Index)
	b = appendUint(b, 2, m.Term)
	b = appendString(b, 3, m.Command)
	return appendStamp(b, 4, m.Stamp)
}

func (m *LogEntry) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeUint(typ, b, &m.Index)
		case 2:
			return decodeUint(typ, b, &m.Term)
		case 3:
			return decodeString(typ, b, &m.Command)
		case 4:
			return decodeMessage(typ, b, stampWire{s: &m.Stamp})
		}
		return 0, nil
	})
}

// AppendEntriesRequest is sent by the leader to replicate log entries, and with no entries as a heartbeat.
type AppendEntriesRequest struct {
	Term         uint64
	LeaderId     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []*LogEntry
	LeaderCommit uint64
	LeaderStamp  hlc.Stamp
}

func (m *AppendEntriesRequest) appendWire(b []byte) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.LeaderId)
	b = appendUint(b, 3, m.PrevLogIndex)
	b = appendUint(b, 4, m.PrevLogTerm)
	for _, e := range m.Entries {
		b = appendMessage(b, 5, e)
	}
	b = appendUint(b, 6, m.LeaderCommit)
	return appendStamp(b, 7, m.LeaderStamp)
}

func (m *AppendEntriesRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeUint(typ, b, &m.Term)
		case 2:
			return decodeString(typ, b, &m.LeaderId)
		case 3:
			return decodeUint(typ, b, &m.PrevLogIndex)
		case 4:
			return decodeUint(typ, b, &m.PrevLogTerm)
		case 5:
			entry := &LogEntry{}
			n, err := decodeMessage(typ, b, entry)
			if err != nil {
				return 0, err
			}
			m.Entries = append(m.Entries, entry)
			return n, nil
		case 6:
			return decodeUint(typ, b, &m.LeaderCommit)
		case 7:
			return decodeMessage(typ, b, stampWire{s: &m.LeaderStamp})
		}
		return 0, nil
	})
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
}

func (m *AppendEntriesResponse) appendWire(b []byte) []byte {
	b = appendUint(b, 1, m.Term)
	return appendBool(b, 2, m.Success)
}

func (m *AppendEntriesResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeUint(typ, b, &m.Term)
		case 2:
			return decodeBool(typ, b, &m.Success)
		}
		return 0, nil
	})
}

type RequestVoteRequest struct {
	Term         uint64
	CandidateId  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *RequestVoteRequest) appendWire(b []byte) []byte {
	b = appendUint(b, 1, m.Term)
	b = appendString(b, 2, m.CandidateId)
	b = appendUint(b, 3, m.LastLogIndex)
	return appendUint(b, 4, m.LastLogTerm)
}

func (m *RequestVoteRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeUint(typ, b, &m.Term)
		case 2:
			return decodeString(typ, b, &m.CandidateId)
		case 3:
			return decodeUint(typ, b, &m.LastLogIndex)
		case 4:
			return decodeUint(typ, b, &m.LastLogTerm)
		}
		return 0, nil
	})
}

type RequestVoteResponse struct {
	Term        uint64
	VoteGranted bool
}

func (m *RequestVoteResponse) appendWire(b []byte) []byte {
	b = appendUint(b, 1, m.Term)
	return appendBool(b, 2, m.VoteGranted)
}

func (m *RequestVoteResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeUint(typ, b, &m.Term)
		case 2:
			return decodeBool(typ, b, &m.VoteGranted)
		}
		return 0, nil
	})
}

type GetRoleRequest struct{}

func (m *GetRoleRequest) appendWire(b []byte) []byte { return b }

func (m *GetRoleRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type GetRoleResponse struct {
	// Role is one of LEADER, FOLLOWER or CANDIDATE
	Role     string
	Term     uint64
	LeaderId string
}

func (m *GetRoleResponse) appendWire(b []byte) []byte {
	b = appendString(b, 1, m.Role)
	b = appendUint(b, 2, m.Term)
	return appendString(b, 3, m.LeaderId)
}

func (m *GetRoleResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeString(typ, b, &m.Role)
		case 2:
			return decodeUint(typ, b, &m.Term)
		case 3:
			return decodeString(typ, b, &m.LeaderId)
		}
		return 0, nil
	})
}

// ChunkKey identifies a chunk of a file.
type ChunkKey struct {
	FileId  string
	ChunkId string
}

func (k *ChunkKey) appendKey(b []byte) []byte {
	b = appendString(b, 1, k.FileId)
	return appendString(b, 2, k.ChunkId)
}

func (k *ChunkKey) decodeKey(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	switch num {
	case 1:
		return decodeString(typ, b, &k.FileId)
	case 2:
		return decodeString(typ, b, &k.ChunkId)
	}
	return 0, nil
}

type WriteChunkRequest struct {
	ChunkKey
	Data []byte
}

func (m *WriteChunkRequest) appendWire(b []byte) []byte {
	b = m.appendKey(b)
	return appendBytes(b, 3, m.Data)
}

func (m *WriteChunkRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 3 {
			return decodeBytes(typ, b, &m.Data)
		}
		return m.decodeKey(num, typ, b)
	})
}

type WriteChunkResponse struct {
	// Index of the log entry describing the write
	Index uint64
	Term  uint64
}

func (m *WriteChunkResponse) appendWire(b []byte) []byte {
	b = appendUint(b, 1, m.Index)
	return appendUint(b, 2, m.Term)
}

func (m *WriteChunkResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return decodeUint(typ, b, &m.Index)
		case 2:
			return decodeUint(typ, b, &m.Term)
		}
		return 0, nil
	})
}

type ReadChunkRequest struct {
	ChunkKey
}

func (m *ReadChunkRequest) appendWire(b []byte) []byte { return m.appendKey(b) }

func (m *ReadChunkRequest) consumeWire(b []byte) error {
	return consumeFields(b, m.decodeKey)
}

type ReadChunkResponse struct {
	Data []byte
}

func (m *ReadChunkResponse) appendWire(b []byte) []byte { return appendBytes(b, 1, m.Data) }

func (m *ReadChunkResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return decodeBytes(typ, b, &m.Data)
		}
		return 0, nil
	})
}

// ReplicateChunkRequest carries raw chunk bytes from the leader to a peer's replication sink.
type ReplicateChunkRequest struct {
	ChunkKey
	Data  []byte
	From  string
	Stamp hlc.Stamp
}

func (m *ReplicateChunkRequest) appendWire(b []byte) []byte {
	b = m.appendKey(b)
	b = appendBytes(b, 3, m.Data)
	b = appendString(b, 4, m.From)
	return appendStamp(b, 5, m.Stamp)
}

func (m *ReplicateChunkRequest) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 3:
			return decodeBytes(typ, b, &m.Data)
		case 4:
			return decodeString(typ, b, &m.From)
		case 5:
			return decodeMessage(typ, b, stampWire{s: &m.Stamp})
		}
		return m.decodeKey(num, typ, b)
	})
}

type ReplicateChunkResponse struct {
	Stamp hlc.Stamp
}

func (m *ReplicateChunkResponse) appendWire(b []byte) []byte { return appendStamp(b, 1, m.Stamp) }

func (m *ReplicateChunkResponse) consumeWire(b []byte) error {
	return consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return decodeMessage(typ, b, stampWire{s: &m.Stamp})
		}
		return 0, nil
	})
}
