package inbox

// Merge folds incoming into existing by identity. Items whose id is already
// present are dropped; the cached copy, flags included, stays as it is.
// Items with a new id are prepended in their incoming order and take their
// flags from memo when the id was seen in an earlier generation. Ids in
// skip are never added.
//
// It returns the merged list and the items that were added.
func Merge(existing, incoming []Item, memo map[string]Flags, skip map[string]struct{}) ([]Item, []Item) {
	have := make(map[string]struct{}, len(existing)+len(incoming))
	for _, it := range existing {
		have[it.ID] = struct{}{}
	}

	var added []Item
	for _, it := range incoming {
		if it.ID == "" {
			continue
		}
		if _, ok := have[it.ID]; ok {
			continue
		}
		if _, ok := skip[it.ID]; ok {
			continue
		}
		have[it.ID] = struct{}{}

		it.SetFlags(memo[it.ID])
		added = append(added, it)
	}

	if len(added) == 0 {
		return existing, nil
	}

	merged := make([]Item, 0, len(added)+len(existing))
	merged = append(merged, added...)
	merged = append(merged, existing...)
	return merged, added
}
