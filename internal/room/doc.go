package room

import "encoding/binary"

// crdtDoc holds the in-memory CRDT state for a Room as an ordered
// sequence of opaque update chunks. Per spec.md §1, the actual CRDT
// merge semantics are an external collaborator's concern — the editors
// that produce these byte updates are out of scope. This core only
// needs to (a) accumulate updates in apply order, (b) reconstitute a
// full snapshot for persistence and for a joiner's SyncStep1, and
// (c) restore that snapshot back into the same ordered-update form.
type crdtDoc struct {
	updates [][]byte
	size    int
}

func newCRDTDoc() *crdtDoc {
	return &crdtDoc{}
}

// apply appends update to the document's history.
func (d *crdtDoc) apply(update []byte) {
	cp := append([]byte(nil), update...)
	d.updates = append(d.updates, cp)
	d.size += len(cp)
}

// stateVector returns an opaque digest of the document's current
// position: the number of applied updates and their total byte count.
// Its contents are never interpreted by the core, only compared for
// equality by whatever external CRDT layer consumes it.
func (d *crdtDoc) stateVector() []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:8], uint64(len(d.updates)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(d.size))
	return buf
}

// snapshot serializes the full update history as length-prefixed
// chunks, suitable for encrypted persistence and for replaying into a
// freshly restored crdtDoc.
func (d *crdtDoc) snapshot() []byte {
	out := make([]byte, 0, d.size+4*len(d.updates))
	var lenBuf [4]byte
	for _, u := range d.updates {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(u)))
		out = append(out, lenBuf[:]...)
		out = append(out, u...)
	}
	return out
}

// restoreCRDTDoc parses a snapshot produced by (*crdtDoc).snapshot back
// into an update sequence.
func restoreCRDTDoc(snapshot []byte) (*crdtDoc, error) {
	d := newCRDTDoc()
	for len(snapshot) > 0 {
		if len(snapshot) < 4 {
			return nil, errTruncatedSnapshot
		}
		n := binary.BigEndian.Uint32(snapshot[:4])
		snapshot = snapshot[4:]
		if uint32(len(snapshot)) < n {
			return nil, errTruncatedSnapshot
		}
		d.apply(snapshot[:n])
		snapshot = snapshot[n:]
	}
	return d, nil
}
