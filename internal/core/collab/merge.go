package collab

import (
	"sync"
)

// Reconciler owns the client's cached copies of the visible records and is
// their sole mutator. Save acknowledgments and broadcast ChangeEvents funnel
// through it; the merge never discards concurrently-entered values for other
// fields of the same record.
type Reconciler struct {
	mu        sync.RWMutex
	records   map[RecordID]Record
	revisions map[RecordID]map[string]uint64
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		records:   make(map[RecordID]Record),
		revisions: make(map[RecordID]map[string]uint64),
	}
}

// Prime installs the snapshot fetched on page load or explicit refetch.
func (r *Reconciler) Prime(id RecordID, rec Record) {
	r.mu.Lock()
	r.records[id] = rec.Clone()
	r.mu.Unlock()
}

// Get returns a copy of the cached record. Callers never see the internal
// map, so a stale reference cannot be mutated out from under the engine.
func (r *Reconciler) Get(id RecordID) (Record, bool) {
	r.mu.RLock()
	rec, ok := r.records[id]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Evict drops a cached record, e.g. on navigation away.
func (r *Reconciler) Evict(id RecordID) {
	r.mu.Lock()
	delete(r.records, id)
	delete(r.revisions, id)
	r.mu.Unlock()
}

// Revision returns the per-field merge counter. It is local bookkeeping for
// a future optimistic-concurrency upgrade; it never travels on the wire.
func (r *Reconciler) Revision(id RecordID, field string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revisions[id][field]
}

// MergeSaveResponse folds a successful write acknowledgment into the cache.
// editedField is the cell the user edited; sent holds the values this client
// actually wrote, the edited field plus any derived fields submitted with it
// (a resolved autocomplete id, for instance); response is the server's
// returned snapshot, which may be partial or empty.
func (r *Reconciler) MergeSaveResponse(id RecordID, editedField string, sent Record, response Record) Record {
	return r.merge(id, editedField, sent, response)
}

// ApplyChange folds a broadcast ChangeEvent into the cache. The event carries
// no snapshot, so only the one field plus locally derived values move.
// Applying the same event twice converges to the same record.
func (r *Reconciler) ApplyChange(ev ChangeEvent) Record {
	return r.merge(ev.RecordID, ev.Field, Record{ev.Field: ev.NewValue}, nil)
}

func (r *Reconciler) merge(id RecordID, editedField string, sent Record, response Record) Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	cached, ok := r.records[id]
	if !ok {
		cached = Record{}
	}
	merged := cached.Clone()

	// Everything this client sent is forced into the cache, guarding
	// against a response that omits the written fields through partial
	// serialization.
	for k, v := range sent {
		merged[k] = v
	}

	// Only keys the server explicitly returned overwrite the cache; an
	// absent key leaves the local value untouched. Display names are
	// computed locally from id+lookup joins and are never authoritative
	// in a write response.
	for k, v := range response {
		if _, wasSent := sent[k]; wasSent {
			continue
		}
		if IsDisplayNameField(k) {
			continue
		}
		merged[k] = v
	}

	r.recomputeDerived(merged, editedField, response)

	r.records[id] = merged
	if r.revisions[id] == nil {
		r.revisions[id] = make(map[string]uint64)
	}
	r.revisions[id][editedField]++

	return merged.Clone()
}

// recomputeDerived applies the optimistic derived-field rules: line total
// from price and quantity, and workflow status from assignment fields. An
// authoritative status in the server response still wins.
func (r *Reconciler) recomputeDerived(merged Record, editedField string, response Record) {
	switch editedField {
	case FieldUnitPrice, FieldSampleQuantity:
		price, pok := merged.Number(FieldUnitPrice)
		qty, qok := merged.Number(FieldSampleQuantity)
		if pok && qok {
			merged[FieldLineTotal] = price * qty
		}

	case FieldTechnicianID, FieldTechnicianName, FieldSupervisorID, FieldSupervisorName:
		if _, authoritative := response[FieldStatus]; authoritative {
			return
		}
		current, _ := merged[FieldStatus].(string)
		merged[FieldStatus] = DeriveStatus(merged, current)
	}
}
