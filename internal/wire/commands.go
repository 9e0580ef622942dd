// Package wire models the segment-store request/reply protocol at the
// granularity the reactor, writer and table-sync layers consume: append
// setup/ack, segment control operations and table-segment operations.
// It does not implement the real binary framing (ch.1 names the wire
// codec itself out of scope); RawClient is the seam a real codec would
// sit behind.
package wire

import "fmt"

// Requests is the sum type of everything a RawClient can send.
type Requests interface {
	isRequest()
	RequestID() uint64
}

// Replies is the sum type of everything a RawClient can receive.
type Replies interface {
	isReply()
	String() string
}

// --- append path ---

type SetupAppend struct {
	ReqID      uint64
	WriterID   string
	Segment    string
	DelegationToken string
}

func (SetupAppend) isRequest()          {}
func (r SetupAppend) RequestID() uint64 { return r.ReqID }

type AppendSetup struct {
	ReqID           uint64
	WriterID        string
	Segment         string
	LastEventNumber int64
}

func (AppendSetup) isReply() {}
func (r AppendSetup) String() string {
	return fmt.Sprintf("AppendSetup{writer=%s segment=%s last=%d}", r.WriterID, r.Segment, r.LastEventNumber)
}

type ConditionalAppend struct {
	ReqID        uint64
	WriterID     string
	Segment      string
	EventNumber  int64
	ExpectedOffset int64 // -1 means unconditional
	Data         []byte
}

func (ConditionalAppend) isRequest()          {}
func (r ConditionalAppend) RequestID() uint64 { return r.ReqID }

type DataAppended struct {
	ReqID          uint64
	WriterID       string
	EventNumber    int64
	PreviousEventNumber int64
}

func (DataAppended) isReply() {}
func (r DataAppended) String() string {
	return fmt.Sprintf("DataAppended{writer=%s event=%d}", r.WriterID, r.EventNumber)
}

// --- segment control ---

type SealSegment struct {
	ReqID   uint64
	Segment string
}

func (SealSegment) isRequest()          {}
func (r SealSegment) RequestID() uint64 { return r.ReqID }

type SegmentSealed struct {
	ReqID   uint64
	Segment string
}

func (SegmentSealed) isReply() {}
func (r SegmentSealed) String() string { return fmt.Sprintf("SegmentSealed{segment=%s}", r.Segment) }

// SegmentIsSealed is the error reply a server returns for any operation
// attempted against an already-sealed segment.
type SegmentIsSealed struct {
	ReqID   uint64
	Segment string
}

func (SegmentIsSealed) isReply() {}
func (r SegmentIsSealed) String() string {
	return fmt.Sprintf("SegmentIsSealed{segment=%s}", r.Segment)
}

type NoSuchSegment struct {
	ReqID   uint64
	Segment string
}

func (NoSuchSegment) isReply() {}
func (r NoSuchSegment) String() string { return fmt.Sprintf("NoSuchSegment{segment=%s}", r.Segment) }

// WrongHost is the error reply a server returns when the connection's
// endpoint no longer owns the segment (after a scale event).
type WrongHost struct {
	ReqID        uint64
	Segment      string
	CorrectHost  string
}

func (WrongHost) isReply() {}
func (r WrongHost) String() string {
	return fmt.Sprintf("WrongHost{segment=%s correct=%s}", r.Segment, r.CorrectHost)
}

type TruncateSegment struct {
	ReqID    uint64
	Segment  string
	Offset   int64
}

func (TruncateSegment) isRequest()          {}
func (r TruncateSegment) RequestID() uint64 { return r.ReqID }

type SegmentTruncated struct {
	ReqID   uint64
	Segment string
}

func (SegmentTruncated) isReply() {}
func (r SegmentTruncated) String() string { return fmt.Sprintf("SegmentTruncated{segment=%s}", r.Segment) }

type GetStreamSegmentInfo struct {
	ReqID   uint64
	Segment string
}

func (GetStreamSegmentInfo) isRequest()          {}
func (r GetStreamSegmentInfo) RequestID() uint64 { return r.ReqID }

type StreamSegmentInfo struct {
	ReqID       uint64
	Segment     string
	StartOffset int64
	WriteOffset int64
	IsSealed    bool
}

func (StreamSegmentInfo) isReply() {}
func (r StreamSegmentInfo) String() string {
	return fmt.Sprintf("StreamSegmentInfo{segment=%s write=%d sealed=%t}", r.Segment, r.WriteOffset, r.IsSealed)
}

// --- table segment path (grounded on tablemap.rs) ---

// KeyNoVersion is the sentinel version meaning "insert/remove
// unconditionally" (tablemap.rs TableKey::KEY_NO_VERSION).
const KeyNoVersion int64 = -1

type TableKey struct {
	Data       []byte
	KeyVersion int64
}

type TableEntry struct {
	Key   TableKey
	Value []byte
}

type CreateTableSegment struct {
	ReqID   uint64
	Segment string
}

func (CreateTableSegment) isRequest()          {}
func (r CreateTableSegment) RequestID() uint64 { return r.ReqID }

type UpdateTableEntries struct {
	ReqID   uint64
	Segment string
	Entries []TableEntry
}

func (UpdateTableEntries) isRequest()          {}
func (r UpdateTableEntries) RequestID() uint64 { return r.ReqID }

type TableEntriesUpdated struct {
	ReqID           uint64
	UpdatedVersions []int64
}

func (TableEntriesUpdated) isReply() {}
func (r TableEntriesUpdated) String() string {
	return fmt.Sprintf("TableEntriesUpdated{versions=%v}", r.UpdatedVersions)
}

type TableKeyBadVersion struct {
	ReqID   uint64
	Segment string
}

func (TableKeyBadVersion) isReply() {}
func (r TableKeyBadVersion) String() string {
	return fmt.Sprintf("TableKeyBadVersion{segment=%s}", r.Segment)
}

type TableKeyDoesNotExist struct {
	ReqID   uint64
	Segment string
}

func (TableKeyDoesNotExist) isReply() {}
func (r TableKeyDoesNotExist) String() string {
	return fmt.Sprintf("TableKeyDoesNotExist{segment=%s}", r.Segment)
}

type ReadTable struct {
	ReqID   uint64
	Segment string
	Keys    []TableKey
}

func (ReadTable) isRequest()          {}
func (r ReadTable) RequestID() uint64 { return r.ReqID }

type TableRead struct {
	ReqID   uint64
	Entries []TableEntry
}

func (TableRead) isReply() {}
func (r TableRead) String() string { return fmt.Sprintf("TableRead{n=%d}", len(r.Entries)) }

type RemoveTableKeys struct {
	ReqID   uint64
	Segment string
	Keys    []TableKey
}

func (RemoveTableKeys) isRequest()          {}
func (r RemoveTableKeys) RequestID() uint64 { return r.ReqID }

type TableKeysRemoved struct {
	ReqID   uint64
	Segment string
}

func (TableKeysRemoved) isReply() {}
func (r TableKeysRemoved) String() string {
	return fmt.Sprintf("TableKeysRemoved{segment=%s}", r.Segment)
}
