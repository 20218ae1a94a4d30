package pubsub

// publisher.Pipeline calls these on every cycle so the keyframe/delta
// cadence and the GroupHeader sequence counter stay inside the
// registry lock rather than being re-derived (and potentially raced)
// by the pipeline itself.

// NextGroupSequence increments and returns wg's GroupHeader sequence
// number (spec §6's groupHeader.sequenceNumber), wrapping at uint16.
func (e *Engine) NextGroupSequence(h WriterGroupHandle) (uint16, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wg, ok := e.writerGroups[h]
	if !ok {
		return 0, false
	}
	wg.sequence++
	return wg.sequence, true
}

// NextIsKeyFrame advances dw's keyframe countdown and reports whether
// this publish cycle should be flagged a keyframe. A KeyFrameCount of
// 0 means every cycle is a keyframe (delta cadence disabled). The
// content is the same full field set either way — see DESIGN.md's
// publisher entry on delta frames — only the IsKeyFrame flag
// cadence differs, which lets a subscriber request a resync by
// watching for the next one.
func (e *Engine) NextIsKeyFrame(h DataSetWriterHandle) (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dw, ok := e.dataSetWriters[h]
	if !ok {
		return false, false
	}
	if dw.KeyFrameCount == 0 {
		return true, true
	}
	if dw.keyFrameCountdown == 0 {
		dw.keyFrameCountdown = dw.KeyFrameCount
	}
	dw.keyFrameCountdown--
	return dw.keyFrameCountdown == 0, true
}
