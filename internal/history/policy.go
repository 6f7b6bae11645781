package history

// writeDecision is the outcome of resolving an incoming snapshot against the stored one.
type writeDecision struct {
	snapshot Snapshot
	// accepted is true when incoming values replace the stored values.
	accepted bool
	// baselineOnly is true when only the accumulated totals of a protected day are refreshed.
	baselineOnly bool
}

func (d writeDecision) persist() bool {
	return d.accepted || d.baselineOnly
}

// resolveWrite applies the override policy. Manual snapshots are never modified by automated
// writers. Final snapshots are revised only by the reporting source that confirmed them.
// Accumulated totals always track the latest observation so forward differencing stays anchored.
func resolveWrite(existing *Snapshot, incoming Snapshot) writeDecision {
	if existing == nil {
		return writeDecision{snapshot: incoming, accepted: true}
	}

	merged := incoming
	merged.ID = existing.ID
	merged.CreatedAt = existing.CreatedAt
	if !incoming.AccumulatedObserved && existing.AccumulatedObserved {
		merged.setAccumulated(existing.accumulated())
	}

	if incoming.Source == string(SourceManual) {
		return writeDecision{snapshot: merged, accepted: true}
	}

	protected := existing.IsManual ||
		(existing.IsFinal() && !(incoming.Source == string(SourceReport) && existing.Source == string(SourceReport)))
	if !protected {
		return writeDecision{snapshot: merged, accepted: true}
	}

	kept := *existing
	if incoming.AccumulatedObserved && (!kept.AccumulatedObserved || kept.accumulated() != incoming.accumulated()) {
		kept.setAccumulated(incoming.accumulated())
		kept.UpdatedAt = incoming.UpdatedAt
		return writeDecision{snapshot: kept, baselineOnly: true}
	}
	return writeDecision{snapshot: kept}
}
